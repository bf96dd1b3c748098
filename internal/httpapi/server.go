/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package httpapi

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/accounts"
	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/mailservice"
	"github.com/JB-SelfCompany/mailhub/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gologme/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the JSON API over the account and mailbox services.
type Server struct {
	app      *fiber.App
	config   *config.Config
	log      *log.Logger
	accounts *accounts.Service
	mail     *mailservice.Service
	forgot   *ipLimiter

	keyOnce sync.Once
	key     []byte
}

func NewServer(cfg *config.Config, log *log.Logger, accts *accounts.Service, mail *mailservice.Service) *Server {
	s := &Server{
		config:   cfg,
		log:      log,
		accounts: accts,
		mail:     mail,
		forgot:   newIPLimiter(cfg.HTTP.ForgotRateEvery, cfg.HTTP.ForgotRateBurst),
	}
	bodyLimit := fiber.DefaultBodyLimit
	if cfg.SMTP.MaxMessageBytes > int64(bodyLimit) {
		bodyLimit = int(cfg.SMTP.MaxMessageBytes)
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             bodyLimit,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(s.observe)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	if s.config.Metrics.Enabled {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	api := s.app.Group("/api")
	api.Post("/auth/register", s.register)
	api.Post("/auth/login", s.login)
	api.Post("/password/forgot", s.forgotLimit, s.forgotPassword)
	api.Get("/password/verify", s.verifyResetToken)
	api.Post("/password/reset", s.resetPassword)

	protected := api.Group("", s.authRequired)
	protected.Get("/me", s.me)
	protected.Post("/password/change", s.changePassword)

	protected.Get("/folders", s.listFolders)
	protected.Post("/folders", s.createFolder)
	protected.Put("/folders/:id", s.renameFolder)
	protected.Delete("/folders/:id", s.deleteFolder)
	protected.Get("/folders/:id/emails", s.listFolderEmails)
	protected.Post("/trash/empty", s.emptyTrash)
	protected.Get("/search", s.search)

	protected.Get("/emails/:id", s.getEmail)
	protected.Post("/emails/:id/read", s.markRead)
	protected.Post("/emails/:id/unread", s.markUnread)
	protected.Post("/emails/:id/star", s.toggleStar)
	protected.Post("/emails/:id/important", s.toggleImportant)
	protected.Post("/emails/:id/spam", s.markSpam)
	protected.Post("/emails/:id/move", s.moveEmail)
	protected.Post("/emails/:id/restore", s.restoreEmail)
	protected.Delete("/emails/:id", s.deleteEmail)
	protected.Get("/emails/:id/attachments", s.listAttachments)

	protected.Post("/send", s.send)
	protected.Post("/drafts", s.saveDraft)
	protected.Post("/drafts/:id/attachments", s.uploadAttachment)
	protected.Get("/attachments/:id", s.downloadAttachment)
	protected.Delete("/attachments/:id", s.deleteAttachment)

	protected.Get("/aliases", s.listAliases)
	protected.Post("/aliases", s.createAlias)
	protected.Get("/aliases/:id", s.getAlias)
	protected.Put("/aliases/:id", s.updateAlias)
	protected.Put("/aliases/:id/forwarding", s.setForwarding)
	protected.Put("/aliases/:id/auto-reply", s.setAutoReply)
	protected.Post("/aliases/:id/toggle", s.toggleAlias)
	protected.Delete("/aliases/:id", s.deleteAlias)
}

// App exposes the fiber application, mostly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.log.Printf("HTTP API listening on %s", l.Addr())
	if err := s.app.Listener(l); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

// observe records the duration of every request against its route pattern.
func (s *Server) observe(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		status = statusOf(err)
	}
	metrics.RecordHTTPRequest(c.Method(), c.Route().Path, strconv.Itoa(status), time.Since(start))
	return err
}

func statusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return mailerr.HTTPStatus(err)
}

// errorHandler is the only place errors turn into responses. Internal
// failures are logged and reported without detail.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	msg := err.Error()
	var me *mailerr.Error
	if errors.As(err, &me) && me.Msg != "" {
		msg = me.Msg
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Errorf("%s %s: %v", c.Method(), c.Path(), err)
		if code == fiber.StatusInternalServerError {
			msg = "internal error"
		}
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}
