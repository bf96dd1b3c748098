/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package httpapi

import (
	"crypto/rand"
	"strconv"
	"strings"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer = "mailhub"
	localUserID = "userID"
)

// signingKey returns the configured JWT secret. Without one a random key is
// generated, so tokens do not survive a restart.
func (s *Server) signingKey() []byte {
	s.keyOnce.Do(func() {
		if s.config.HTTP.JWTSecret != "" {
			s.key = []byte(s.config.HTTP.JWTSecret)
			return
		}
		s.log.Warnf("http.jwt_secret is not set, using a random key")
		s.key = make([]byte, 32)
		if _, err := rand.Read(s.key); err != nil {
			panic(err)
		}
	})
	return s.key
}

func (s *Server) issueToken(userID int64) (string, time.Time, error) {
	ttl := s.config.HTTP.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	expires := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    tokenIssuer,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey())
	return signed, expires, err
}

func (s *Server) parseToken(raw string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(claims.Subject, 10, 64)
}

// authRequired accepts "Authorization: Bearer <token>" and stores the user
// ID for the handlers. Tokens of users that are no longer active are
// rejected even before they expire.
func (s *Server) authRequired(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || raw == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	}
	userID, err := s.parseToken(strings.TrimSpace(raw))
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}
	u, err := s.accounts.GetUser(c.UserContext(), userID)
	switch {
	case mailerr.Is(err, mailerr.NotFound):
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	case err != nil:
		return err
	case u.Status != types.UserActive:
		return fiber.NewError(fiber.StatusUnauthorized, "account is not active")
	}
	c.Locals(localUserID, userID)
	return c.Next()
}

func currentUser(c *fiber.Ctx) int64 {
	id, _ := c.Locals(localUserID).(int64)
	return id
}
