/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/JB-SelfCompany/mailhub/internal/accounts"
	"github.com/JB-SelfCompany/mailhub/internal/app"
	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/docker/go-units"
	"github.com/fatih/color"
	"golang.org/x/term"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	useradd := flag.String("useradd", "", "create a user with this username and exit")
	email := flag.String("email", "", "email address for -useradd, defaults to username@domain.default")
	passwd := flag.String("passwd", "", "set the password of this username and exit")
	domainadd := flag.String("domainadd", "", "host an additional domain and exit")
	stats := flag.Bool("stats", false, "print storage statistics and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("Failed to load configuration: %v", err)
	}

	svc := app.New(cfg)
	if err := svc.Initialize(); err != nil {
		fail("Failed to initialize: %v", err)
	}
	defer svc.Close()

	ctx := context.Background()
	switch {
	case *useradd != "":
		addr := *email
		if addr == "" {
			addr = *useradd + "@" + cfg.Domain.Default
		}
		password := readPassword()
		u, err := svc.Accounts.RegisterUser(ctx, accounts.Registration{
			Username: *useradd,
			Email:    addr,
			Password: password,
		})
		if err != nil {
			fail("Failed to create user: %v", err)
		}
		color.Green("Created user %s <%s> (ID %d)", u.Username, u.Email, u.ID)
		return

	case *passwd != "":
		u, err := svc.Accounts.UserByLogin(ctx, *passwd)
		if err != nil {
			fail("Unknown user %q: %v", *passwd, err)
		}
		if err := svc.Accounts.SetPassword(ctx, u.ID, readPassword()); err != nil {
			fail("Failed to set password: %v", err)
		}
		color.Green("Password updated for %s", u.Username)
		return

	case *domainadd != "":
		d, err := svc.Accounts.CreateDomain(ctx, *domainadd, "")
		if err != nil {
			fail("Failed to add domain: %v", err)
		}
		color.Green("Now hosting %s", d.Name)
		return

	case *stats:
		st, err := svc.Storage.Stats(ctx)
		if err != nil {
			fail("Failed to read statistics: %v", err)
		}
		fmt.Printf("Messages:    %d (%s)\n", st.TotalCount, units.HumanSize(float64(st.TotalSize)))
		fmt.Printf("  inline:    %d (%s, largest %s)\n", st.BlobCount, units.HumanSize(float64(st.BlobSize)), units.HumanSize(float64(st.LargestBlob)))
		fmt.Printf("  on disk:   %d (%s, largest %s)\n", st.FileCount, units.HumanSize(float64(st.FileSize)), units.HumanSize(float64(st.LargestFile)))
		fmt.Printf("Attachments: %d (%s)\n", st.AttachmentCount, units.HumanSize(float64(st.AttachmentSize)))
		return
	}

	if err := svc.Start(); err != nil {
		fail("Failed to start: %v", err)
	}
	color.Cyan("SMTP on %s", svc.SMTPAddr())
	if addr := svc.IMAPAddr(); addr != nil {
		color.Cyan("IMAP on %s", addr)
	}
	if addr := svc.HTTPAddr(); addr != nil {
		color.Cyan("HTTP on %s", addr)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	if err := svc.Stop(); err != nil {
		color.Red("Failed to stop cleanly: %v", err)
	}
}

func readPassword() string {
	fmt.Print("Password: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fail("Failed to read password: %v", err)
	}
	fmt.Print("Confirm password: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fail("Failed to read password: %v", err)
	}
	if string(first) != string(second) {
		fail("Passwords do not match")
	}
	return strings.TrimSpace(string(first))
}

func fail(format string, args ...interface{}) {
	color.Red(format, args...)
	os.Exit(1)
}
