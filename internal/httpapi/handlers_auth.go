/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package httpapi

import (
	"strconv"

	"github.com/JB-SelfCompany/mailhub/internal/accounts"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/gofiber/fiber/v2"
)

// bind decodes the JSON body into v.
func bind(c *fiber.Ctx, op string, v interface{}) error {
	if err := c.BodyParser(v); err != nil {
		return mailerr.E(mailerr.Invalid, op, "invalid request body", err)
	}
	return nil
}

func paramID(c *fiber.Ctx, op, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, mailerr.Errorf(mailerr.Invalid, op, "invalid %s", name)
	}
	return id, nil
}

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (s *Server) register(c *fiber.Ctx) error {
	var req registerRequest
	if err := bind(c, "httpapi.register", &req); err != nil {
		return err
	}
	u, err := s.accounts.RegisterUser(c.UserContext(), accounts.Registration{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(newUserView(u))
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (s *Server) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := bind(c, "httpapi.login", &req); err != nil {
		return err
	}
	u, err := s.accounts.Authenticate(c.UserContext(), req.Login, req.Password, c.IP())
	if err != nil {
		return err
	}
	token, expires, err := s.issueToken(u.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": expires.UTC(),
		"user":       newUserView(u),
	})
}

func (s *Server) me(c *fiber.Ctx) error {
	u, err := s.accounts.GetUser(c.UserContext(), currentUser(c))
	if err != nil {
		return err
	}
	return c.JSON(newUserView(u))
}

// forgotPassword answers the same way whether or not the address belongs
// to a user.
func (s *Server) forgotPassword(c *fiber.Ctx) error {
	var req struct {
		Email string `json:"email"`
	}
	if err := bind(c, "httpapi.forgotPassword", &req); err != nil {
		return err
	}
	if _, err := s.accounts.RequestPasswordReset(c.UserContext(), req.Email); err != nil && !mailerr.Is(err, mailerr.NotFound) {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "If the address is registered, a reset link has been sent.",
	})
}

func (s *Server) verifyResetToken(c *fiber.Ctx) error {
	if err := s.accounts.VerifyResetToken(c.UserContext(), c.Query("token")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"valid": true})
}

func (s *Server) resetPassword(c *fiber.Ctx) error {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := bind(c, "httpapi.resetPassword", &req); err != nil {
		return err
	}
	if err := s.accounts.ResetPassword(c.UserContext(), req.Token, req.Password); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) changePassword(c *fiber.Ctx) error {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := bind(c, "httpapi.changePassword", &req); err != nil {
		return err
	}
	if err := s.accounts.ChangePassword(c.UserContext(), currentUser(c), req.OldPassword, req.NewPassword); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
