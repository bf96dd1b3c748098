/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package httpapi

import (
	"mime"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/gofiber/fiber/v2"
)

// uploadAttachment takes a multipart form with the file in "file".
func (s *Server) uploadAttachment(c *fiber.Ctx) error {
	const op = "httpapi.uploadAttachment"
	draftID, err := paramID(c, op, "id")
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return mailerr.E(mailerr.Invalid, op, "missing file", err)
	}
	f, err := fh.Open()
	if err != nil {
		return mailerr.E(mailerr.Invalid, op, "unreadable upload", err)
	}
	defer f.Close()

	a, err := s.mail.SaveAttachment(c.UserContext(), currentUser(c), draftID, fh.Filename, fh.Header.Get(fiber.HeaderContentType), f)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(newAttachmentView(a))
}

func (s *Server) listAttachments(c *fiber.Ctx) error {
	id, err := paramID(c, "httpapi.listAttachments", "id")
	if err != nil {
		return err
	}
	atts, err := s.mail.ListAttachments(c.UserContext(), currentUser(c), id)
	if err != nil {
		return err
	}
	views := make([]attachmentView, 0, len(atts))
	for _, a := range atts {
		views = append(views, newAttachmentView(a))
	}
	return c.JSON(views)
}

func (s *Server) downloadAttachment(c *fiber.Ctx) error {
	id, err := paramID(c, "httpapi.downloadAttachment", "id")
	if err != nil {
		return err
	}
	a, rc, err := s.mail.OpenAttachment(c.UserContext(), currentUser(c), id)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, a.ContentType)
	c.Set(fiber.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": a.OriginalName}))
	c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
	c.Set("X-Checksum-Sha256", a.Checksum)
	// The stream is closed by fasthttp once the body has been written.
	return c.SendStream(rc, int(a.Size))
}

func (s *Server) deleteAttachment(c *fiber.Ctx) error {
	id, err := paramID(c, "httpapi.deleteAttachment", "id")
	if err != nil {
		return err
	}
	if err := s.mail.DeleteAttachment(c.UserContext(), currentUser(c), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
