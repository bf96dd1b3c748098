/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package httpapi

import (
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
)

type userView struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	StorageQuota int64     `json:"storage_quota"`
	StorageUsed  int64     `json:"storage_used"`
	CreatedAt    time.Time `json:"created_at"`
}

func newUserView(u *types.User) userView {
	return userView{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		DisplayName:  u.DisplayName(),
		Role:         string(u.Role),
		Status:       string(u.Status),
		StorageQuota: u.StorageQuota,
		StorageUsed:  u.StorageUsed,
		CreatedAt:    u.CreatedAt,
	}
}

type folderView struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Icon        string `json:"icon,omitempty"`
	System      bool   `json:"system"`
	Subscribed  bool   `json:"subscribed"`
	UnreadCount int    `json:"unread_count"`
	TotalCount  int    `json:"total_count"`
}

func newFolderViews(folders []*types.Folder) []folderView {
	views := make([]folderView, 0, len(folders))
	for _, f := range folders {
		views = append(views, newFolderView(f))
	}
	return views
}

func newFolderView(f *types.Folder) folderView {
	return folderView{
		ID:          f.ID,
		Name:        f.Name,
		Type:        string(f.Type),
		Icon:        f.Icon,
		System:      f.System,
		Subscribed:  f.Subscribed,
		UnreadCount: f.UnreadCount,
		TotalCount:  f.TotalCount,
	}
}

type flagsView struct {
	Starred   bool `json:"starred"`
	Important bool `json:"important"`
	Spam      bool `json:"spam"`
	Draft     bool `json:"draft"`
}

// emailSummary is a list row. emailView adds the bodies.
type emailSummary struct {
	ID              int64     `json:"id"`
	FolderID        int64     `json:"folder_id"`
	AliasID         int64     `json:"alias_id,omitempty"`
	ThreadID        string    `json:"thread_id"`
	Subject         string    `json:"subject"`
	From            string    `json:"from"`
	FromName        string    `json:"from_name,omitempty"`
	To              []string  `json:"to"`
	Status          string    `json:"status"`
	Flags           flagsView `json:"flags"`
	HasAttachments  bool      `json:"has_attachments"`
	AttachmentCount int       `json:"attachment_count"`
	Size            int64     `json:"size"`
	ReceivedAt      time.Time `json:"received_at"`
}

type emailView struct {
	emailSummary
	MessageID  string    `json:"message_id,omitempty"`
	Cc         []string  `json:"cc,omitempty"`
	Bcc        []string  `json:"bcc,omitempty"`
	ReplyTo    string    `json:"reply_to,omitempty"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References string    `json:"references,omitempty"`
	Text       string    `json:"text"`
	HTML       string    `json:"html,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

func newEmailSummary(e *types.Email) emailSummary {
	return emailSummary{
		ID:       e.ID,
		FolderID: e.FolderID,
		AliasID:  e.AliasID,
		ThreadID: e.ThreadID,
		Subject:  e.Subject,
		From:     e.FromAddress,
		FromName: e.FromName,
		To:       e.To,
		Status:   string(e.Status),
		Flags: flagsView{
			Starred:   e.Flags.Starred,
			Important: e.Flags.Important,
			Spam:      e.Flags.Spam,
			Draft:     e.Flags.Draft,
		},
		HasAttachments:  e.HasAttachments,
		AttachmentCount: e.AttachmentCount,
		Size:            e.Size,
		ReceivedAt:      e.ReceivedAt,
	}
}

func newEmailSummaries(emails []*types.Email) []emailSummary {
	views := make([]emailSummary, 0, len(emails))
	for _, e := range emails {
		views = append(views, newEmailSummary(e))
	}
	return views
}

func newEmailView(e *types.Email) emailView {
	return emailView{
		emailSummary: newEmailSummary(e),
		MessageID:    e.MessageID,
		Cc:           e.Cc,
		Bcc:          e.Bcc,
		ReplyTo:      e.ReplyTo,
		InReplyTo:    e.InReplyTo,
		References:   e.References,
		Text:         e.Text,
		HTML:         e.HTML,
		SentAt:       e.SentAt,
	}
}

type attachmentView struct {
	ID          int64  `json:"id"`
	EmailID     int64  `json:"email_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	Inline      bool   `json:"inline,omitempty"`
}

func newAttachmentView(a *types.Attachment) attachmentView {
	return attachmentView{
		ID:          a.ID,
		EmailID:     a.EmailID,
		Filename:    a.OriginalName,
		ContentType: a.ContentType,
		Size:        a.Size,
		Checksum:    a.Checksum,
		Inline:      a.Inline,
	}
}

type aliasView struct {
	ID               int64    `json:"id"`
	Address          string   `json:"address"`
	DisplayName      string   `json:"display_name,omitempty"`
	Description      string   `json:"description,omitempty"`
	Signature        string   `json:"signature,omitempty"`
	Status           string   `json:"status"`
	Type             string   `json:"type"`
	IsPrimary        bool     `json:"is_primary"`
	ForwardEnabled   bool     `json:"forward_enabled"`
	ForwardTo        []string `json:"forward_to"`
	AutoReplyEnabled bool     `json:"auto_reply_enabled"`
	AutoReplySubject string   `json:"auto_reply_subject,omitempty"`
	AutoReplyMessage string   `json:"auto_reply_message,omitempty"`
	MaxSendPerDay    int      `json:"max_send_per_day"`
	Version          int64    `json:"version"`
}

func newAliasView(a *types.Alias) aliasView {
	forward := a.ForwardTo
	if forward == nil {
		forward = []string{}
	}
	return aliasView{
		ID:               a.ID,
		Address:          a.Address,
		DisplayName:      a.DisplayName,
		Description:      a.Description,
		Signature:        a.Signature,
		Status:           string(a.Status),
		Type:             string(a.Type),
		IsPrimary:        a.IsPrimary,
		ForwardEnabled:   a.ForwardEnabled,
		ForwardTo:        forward,
		AutoReplyEnabled: a.AutoReplyEnabled,
		AutoReplySubject: a.AutoReplySubject,
		AutoReplyMessage: a.AutoReplyMessage,
		MaxSendPerDay:    a.MaxSendPerDay,
		Version:          a.Version,
	}
}
