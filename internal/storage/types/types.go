/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package types

import (
	"strings"
	"time"
)

// Entity holds the bookkeeping fields shared by every stored record.
type Entity struct {
	ID        int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool  // soft delete
	Version   int64 // bumped on every update of user-editable records
}

type UserRole string

const (
	RoleUser       UserRole = "USER"
	RoleAdmin      UserRole = "ADMIN"
	RoleSuperAdmin UserRole = "SUPER_ADMIN"
)

type UserStatus string

const (
	UserActive   UserStatus = "ACTIVE"
	UserInactive UserStatus = "INACTIVE"
	UserLocked   UserStatus = "LOCKED"
	UserExpired  UserStatus = "EXPIRED"
	UserPending  UserStatus = "PENDING"
)

type User struct {
	Entity
	Username      string
	Email         string
	PasswordHash  string
	FirstName     string
	LastName      string
	PhoneNumber   string
	Role          UserRole
	Status        UserStatus
	EmailVerified bool
	LastLoginAt   time.Time
	LastLoginIP   string
	StorageQuota  int64 // 0 means unlimited
	StorageUsed   int64
}

// DisplayName returns "First Last", falling back to the username.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

type DomainStatus string

const (
	DomainActive    DomainStatus = "ACTIVE"
	DomainInactive  DomainStatus = "INACTIVE"
	DomainPending   DomainStatus = "PENDING"
	DomainSuspended DomainStatus = "SUSPENDED"
)

type Domain struct {
	Entity
	Name              string
	Description       string
	Status            DomainStatus
	Verified          bool
	IsDefault         bool
	CatchAllEnabled   bool
	CatchAllAddress   string
	MXRecord          string
	SPFRecord         string
	DKIMSelector      string
	DKIMPublicKey     string
	DKIMPrivateKey    string
	DMARCRecord       string
	MaxUsers          int
	MaxAliasesPerUser int
	MaxStorageGB      int
}

type AliasStatus string

const (
	AliasActive    AliasStatus = "ACTIVE"
	AliasInactive  AliasStatus = "INACTIVE"
	AliasSuspended AliasStatus = "SUSPENDED"
	AliasDeleted   AliasStatus = "DELETED"
)

type AliasType string

const (
	AliasStandard  AliasType = "STANDARD"
	AliasTemporary AliasType = "TEMPORARY"
	AliasCatchAll  AliasType = "CATCH_ALL"
)

type Alias struct {
	Entity
	Address          string
	DisplayName      string
	Description      string
	Signature        string
	Status           AliasStatus
	Type             AliasType
	IsPrimary        bool
	ForwardEnabled   bool
	ForwardTo        []string
	AutoReplyEnabled bool
	AutoReplySubject string
	AutoReplyMessage string
	QuotaBytes       int64 // 0 means unlimited
	UsedBytes        int64
	MaxSendPerDay    int // 0 means unlimited
	SentToday        int
	SentDay          string // UTC day SentToday refers to, YYYY-MM-DD
	UserID           int64
	DomainID         int64
}

// Deliverable reports whether mail addressed to the alias should be accepted.
func (a *Alias) Deliverable() bool {
	return !a.Deleted && a.Status == AliasActive
}

type FolderType string

const (
	FolderInbox   FolderType = "INBOX"
	FolderSent    FolderType = "SENT"
	FolderDrafts  FolderType = "DRAFTS"
	FolderTrash   FolderType = "TRASH"
	FolderSpam    FolderType = "SPAM"
	FolderArchive FolderType = "ARCHIVE"
	FolderCustom  FolderType = "CUSTOM"
)

// FolderMeta is the default presentation of a folder type.
type FolderMeta struct {
	Name       string
	Icon       string
	SortOrder  int
	SpecialUse string // RFC 6154 attribute, empty for none
}

var folderMeta = map[FolderType]FolderMeta{
	FolderInbox:   {Name: "Inbox", Icon: "inbox", SortOrder: 0},
	FolderSent:    {Name: "Sent", Icon: "send", SortOrder: 1, SpecialUse: "\\Sent"},
	FolderDrafts:  {Name: "Drafts", Icon: "drafts", SortOrder: 2, SpecialUse: "\\Drafts"},
	FolderTrash:   {Name: "Trash", Icon: "delete", SortOrder: 3, SpecialUse: "\\Trash"},
	FolderSpam:    {Name: "Spam", Icon: "report", SortOrder: 4, SpecialUse: "\\Junk"},
	FolderArchive: {Name: "Archive", Icon: "archive", SortOrder: 5, SpecialUse: "\\Archive"},
	FolderCustom:  {Name: "Folder", Icon: "folder", SortOrder: 100},
}

// SystemFolders are created for every user at registration, in this order.
var SystemFolders = []FolderType{
	FolderInbox, FolderSent, FolderDrafts, FolderTrash, FolderSpam, FolderArchive,
}

func (t FolderType) Meta() FolderMeta {
	if m, ok := folderMeta[t]; ok {
		return m
	}
	return folderMeta[FolderCustom]
}

func (t FolderType) System() bool {
	return t != FolderCustom && t != ""
}

type Folder struct {
	Entity
	UserID      int64
	ParentID    int64
	Name        string
	Description string
	Icon        string
	Color       string
	Type        FolderType
	SortOrder   int
	System      bool
	Subscribed  bool
	UnreadCount int
	TotalCount  int
}

// NewSystemFolder returns a folder of type t populated from the metadata table.
func NewSystemFolder(userID int64, t FolderType) *Folder {
	meta := t.Meta()
	return &Folder{
		UserID:     userID,
		Name:       meta.Name,
		Icon:       meta.Icon,
		Type:       t,
		SortOrder:  meta.SortOrder,
		System:     true,
		Subscribed: true,
	}
}

type EmailType string

const (
	EmailReceived EmailType = "RECEIVED"
	EmailSent     EmailType = "SENT"
	EmailDraft    EmailType = "DRAFT"
)

// Flags are independent of the status machine.
type Flags struct {
	Starred   bool
	Important bool
	Spam      bool
	Draft     bool
}

type Email struct {
	Entity
	MessageID       string
	Subject         string
	FromAddress     string
	FromName        string
	To              []string
	Cc              []string
	Bcc             []string
	ReplyTo         string
	Text            string
	HTML            string
	Raw             []byte // nil when the raw message lives in RawFile
	RawFile         string // filestore path for large messages
	Status          EmailStatus
	Type            EmailType
	Flags           Flags
	HasAttachments  bool
	AttachmentCount int
	Size            int64
	SentAt          time.Time
	ReceivedAt      time.Time
	ReadAt          time.Time
	InReplyTo       string
	References      string
	ThreadID        string
	UserID          int64
	AliasID         int64
	FolderID        int64
}

type Attachment struct {
	Entity
	EmailID      int64
	UserID       int64
	FileName     string
	OriginalName string
	ContentType  string
	Size         int64
	StoragePath  string
	Checksum     string // SHA-256, hex
	Inline       bool
	ContentID    string
}

type QueuedMail struct {
	ID          int64
	From        string
	Rcpt        string
	Content     []byte
	Attempts    int
	NextAttempt time.Time
	LastError   string
	CreatedAt   time.Time
	DeliveredAt time.Time
	Kind        string // "forward" or "autoreply"
	DedupKey    string // optional, unique among queued and recently sent entries
}

// Constants for large message handling
const (
	SmallMessageThreshold = 10 * 1024 * 1024 // 10 MB - threshold for storing in DB vs file
	ChunkSize             = 128 * 1024       // 128 KB - chunk size for streaming I/O
)

// StorageStats summarises where raw messages and attachments are kept.
type StorageStats struct {
	BlobCount       int
	BlobSize        int64
	FileCount       int
	FileSize        int64
	TotalCount      int
	TotalSize       int64
	LargestBlob     int64
	LargestFile     int64
	AttachmentCount int
	AttachmentSize  int64
}
