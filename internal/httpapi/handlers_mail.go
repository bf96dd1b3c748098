/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package httpapi

import (
	"github.com/JB-SelfCompany/mailhub/internal/mailservice"
	"github.com/JB-SelfCompany/mailhub/internal/smtpsender"
	"github.com/gofiber/fiber/v2"
)

func (s *Server) listFolders(c *fiber.Ctx) error {
	folders, err := s.mail.ListFolders(c.UserContext(), currentUser(c))
	if err != nil {
		return err
	}
	return c.JSON(newFolderViews(folders))
}

func (s *Server) createFolder(c *fiber.Ctx) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := bind(c, "httpapi.createFolder", &req); err != nil {
		return err
	}
	f, err := s.mail.CreateFolder(c.UserContext(), currentUser(c), req.Name)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(newFolderView(f))
}

func (s *Server) renameFolder(c *fiber.Ctx) error {
	const op = "httpapi.renameFolder"
	id, err := paramID(c, op, "id")
	if err != nil {
		return err
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := bind(c, op, &req); err != nil {
		return err
	}
	if err := s.mail.RenameFolder(c.UserContext(), currentUser(c), id, req.Name); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) deleteFolder(c *fiber.Ctx) error {
	id, err := paramID(c, "httpapi.deleteFolder", "id")
	if err != nil {
		return err
	}
	if err := s.mail.DeleteFolder(c.UserContext(), currentUser(c), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// listFolderEmails pages with ?page= (from zero) and ?size=.
func (s *Server) listFolderEmails(c *fiber.Ctx) error {
	id, err := paramID(c, "httpapi.listFolderEmails", "id")
	if err != nil {
		return err
	}
	page, size := c.QueryInt("page", 0), c.QueryInt("size", mailservice.DefaultPageSize)
	emails, err := s.mail.ListFolder(c.UserContext(), currentUser(c), id, page, size)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"page":   page,
		"size":   size,
		"emails": newEmailSummaries(emails),
	})
}

func (s *Server) search(c *fiber.Ctx) error {
	page, size := c.QueryInt("page", 0), c.QueryInt("size", mailservice.DefaultPageSize)
	emails, err := s.mail.Search(c.UserContext(), currentUser(c), c.Query("q"), page, size)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"page":   page,
		"size":   size,
		"emails": newEmailSummaries(emails),
	})
}

func (s *Server) emptyTrash(c *fiber.Ctx) error {
	count, freed, err := s.mail.EmptyTrash(c.UserContext(), currentUser(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"removed": count, "freed_bytes": freed})
}

func (s *Server) getEmail(c *fiber.Ctx) error {
	id, err := paramID(c, "httpapi.getEmail", "id")
	if err != nil {
		return err
	}
	e, err := s.mail.GetEmail(c.UserContext(), currentUser(c), id)
	if err != nil {
		return err
	}
	return c.JSON(newEmailView(e))
}

// emailAction runs fn on the email named by :id and answers with the email
// as it is afterwards.
func (s *Server) emailAction(op string, fn func(c *fiber.Ctx, userID, id int64) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c, op, "id")
		if err != nil {
			return err
		}
		userID := currentUser(c)
		if err := fn(c, userID, id); err != nil {
			return err
		}
		e, err := s.mail.GetEmail(c.UserContext(), userID, id)
		if err != nil {
			return err
		}
		return c.JSON(newEmailSummary(e))
	}
}

func (s *Server) markRead(c *fiber.Ctx) error {
	return s.emailAction("httpapi.markRead", func(c *fiber.Ctx, userID, id int64) error {
		return s.mail.MarkAsRead(c.UserContext(), userID, id)
	})(c)
}

func (s *Server) markUnread(c *fiber.Ctx) error {
	return s.emailAction("httpapi.markUnread", func(c *fiber.Ctx, userID, id int64) error {
		return s.mail.MarkAsUnread(c.UserContext(), userID, id)
	})(c)
}

func (s *Server) toggleStar(c *fiber.Ctx) error {
	return s.emailAction("httpapi.toggleStar", func(c *fiber.Ctx, userID, id int64) error {
		_, err := s.mail.ToggleStar(c.UserContext(), userID, id)
		return err
	})(c)
}

func (s *Server) toggleImportant(c *fiber.Ctx) error {
	return s.emailAction("httpapi.toggleImportant", func(c *fiber.Ctx, userID, id int64) error {
		_, err := s.mail.ToggleImportant(c.UserContext(), userID, id)
		return err
	})(c)
}

func (s *Server) markSpam(c *fiber.Ctx) error {
	return s.emailAction("httpapi.markSpam", func(c *fiber.Ctx, userID, id int64) error {
		return s.mail.MarkSpam(c.UserContext(), userID, id)
	})(c)
}

func (s *Server) moveEmail(c *fiber.Ctx) error {
	const op = "httpapi.moveEmail"
	return s.emailAction(op, func(c *fiber.Ctx, userID, id int64) error {
		var req struct {
			FolderID int64 `json:"folder_id"`
		}
		if err := bind(c, op, &req); err != nil {
			return err
		}
		return s.mail.MoveToFolder(c.UserContext(), userID, id, req.FolderID)
	})(c)
}

func (s *Server) restoreEmail(c *fiber.Ctx) error {
	return s.emailAction("httpapi.restoreEmail", func(c *fiber.Ctx, userID, id int64) error {
		return s.mail.Restore(c.UserContext(), userID, id)
	})(c)
}

// deleteEmail moves the email to Trash, or removes it for good when it is
// already there.
func (s *Server) deleteEmail(c *fiber.Ctx) error {
	id, err := paramID(c, "httpapi.deleteEmail", "id")
	if err != nil {
		return err
	}
	if err := s.mail.Delete(c.UserContext(), currentUser(c), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type attachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"` // base64 in JSON
}

type composeRequest struct {
	AliasID     int64               `json:"alias_id"`
	To          []string            `json:"to"`
	Cc          []string            `json:"cc"`
	Bcc         []string            `json:"bcc"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	HTML        string              `json:"html"`
	Attachments []attachmentRequest `json:"attachments"`
	ReplyToID   int64               `json:"reply_to_id"`
	ForwardOfID int64               `json:"forward_of_id"`
	DraftID     int64               `json:"draft_id"`
}

func (r *composeRequest) compose() *mailservice.Compose {
	c := &mailservice.Compose{
		AliasID:     r.AliasID,
		To:          r.To,
		Cc:          r.Cc,
		Bcc:         r.Bcc,
		Subject:     r.Subject,
		Text:        r.Text,
		HTML:        r.HTML,
		ReplyToID:   r.ReplyToID,
		ForwardOfID: r.ForwardOfID,
		DraftID:     r.DraftID,
	}
	for _, a := range r.Attachments {
		c.Attachments = append(c.Attachments, smtpsender.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        a.Data,
		})
	}
	return c
}

func (s *Server) send(c *fiber.Ctx) error {
	var req composeRequest
	if err := bind(c, "httpapi.send", &req); err != nil {
		return err
	}
	e, err := s.mail.Send(c.UserContext(), currentUser(c), req.compose())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(newEmailView(e))
}

func (s *Server) saveDraft(c *fiber.Ctx) error {
	var req composeRequest
	if err := bind(c, "httpapi.saveDraft", &req); err != nil {
		return err
	}
	e, err := s.mail.SaveDraft(c.UserContext(), currentUser(c), req.compose())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(newEmailView(e))
}
