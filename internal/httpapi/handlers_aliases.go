/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package httpapi

import (
	"github.com/JB-SelfCompany/mailhub/internal/accounts"
	"github.com/gofiber/fiber/v2"
)

func (s *Server) listAliases(c *fiber.Ctx) error {
	aliases, err := s.accounts.ListAliases(c.UserContext(), currentUser(c))
	if err != nil {
		return err
	}
	views := make([]aliasView, 0, len(aliases))
	for _, a := range aliases {
		views = append(views, newAliasView(a))
	}
	return c.JSON(views)
}

func (s *Server) createAlias(c *fiber.Ctx) error {
	var req struct {
		LocalPart   string `json:"local_part"`
		Domain      string `json:"domain"`
		DisplayName string `json:"display_name"`
		Description string `json:"description"`
	}
	if err := bind(c, "httpapi.createAlias", &req); err != nil {
		return err
	}
	a, err := s.accounts.CreateAlias(c.UserContext(), currentUser(c), accounts.AliasRequest{
		LocalPart:   req.LocalPart,
		Domain:      req.Domain,
		DisplayName: req.DisplayName,
		Description: req.Description,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(newAliasView(a))
}

func (s *Server) getAlias(c *fiber.Ctx) error {
	id, err := paramID(c, "httpapi.getAlias", "id")
	if err != nil {
		return err
	}
	a, err := s.accounts.GetAlias(c.UserContext(), currentUser(c), id)
	if err != nil {
		return err
	}
	return c.JSON(newAliasView(a))
}

// updateAlias changes only the fields present in the body.
func (s *Server) updateAlias(c *fiber.Ctx) error {
	const op = "httpapi.updateAlias"
	id, err := paramID(c, op, "id")
	if err != nil {
		return err
	}
	var req struct {
		DisplayName *string `json:"display_name"`
		Description *string `json:"description"`
		Signature   *string `json:"signature"`
	}
	if err := bind(c, op, &req); err != nil {
		return err
	}
	a, err := s.accounts.UpdateAlias(c.UserContext(), currentUser(c), id, accounts.AliasChanges{
		DisplayName: req.DisplayName,
		Description: req.Description,
		Signature:   req.Signature,
	})
	if err != nil {
		return err
	}
	return c.JSON(newAliasView(a))
}

func (s *Server) setForwarding(c *fiber.Ctx) error {
	const op = "httpapi.setForwarding"
	id, err := paramID(c, op, "id")
	if err != nil {
		return err
	}
	var req struct {
		Enabled bool     `json:"enabled"`
		To      []string `json:"to"`
	}
	if err := bind(c, op, &req); err != nil {
		return err
	}
	a, err := s.accounts.SetForwarding(c.UserContext(), currentUser(c), id, req.Enabled, req.To)
	if err != nil {
		return err
	}
	return c.JSON(newAliasView(a))
}

func (s *Server) setAutoReply(c *fiber.Ctx) error {
	const op = "httpapi.setAutoReply"
	id, err := paramID(c, op, "id")
	if err != nil {
		return err
	}
	var req struct {
		Enabled bool   `json:"enabled"`
		Subject string `json:"subject"`
		Message string `json:"message"`
	}
	if err := bind(c, op, &req); err != nil {
		return err
	}
	a, err := s.accounts.SetAutoReply(c.UserContext(), currentUser(c), id, req.Enabled, req.Subject, req.Message)
	if err != nil {
		return err
	}
	return c.JSON(newAliasView(a))
}

func (s *Server) toggleAlias(c *fiber.Ctx) error {
	const op = "httpapi.toggleAlias"
	id, err := paramID(c, op, "id")
	if err != nil {
		return err
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := bind(c, op, &req); err != nil {
		return err
	}
	a, err := s.accounts.ToggleAlias(c.UserContext(), currentUser(c), id, req.Enabled)
	if err != nil {
		return err
	}
	return c.JSON(newAliasView(a))
}

func (s *Server) deleteAlias(c *fiber.Ctx) error {
	id, err := paramID(c, "httpapi.deleteAlias", "id")
	if err != nil {
		return err
	}
	if err := s.accounts.DeleteAlias(c.UserContext(), currentUser(c), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
