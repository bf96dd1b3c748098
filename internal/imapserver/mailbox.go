/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/backendutil"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// Mailbox exposes one folder. UIDs are email IDs and sequence numbers follow
// ascending ID order.
type Mailbox struct {
	backend *Backend
	user    *User
	folder  *types.Folder
}

// readerWithCloser wraps an io.Reader and calls a close function when done
type readerWithCloser struct {
	reader  io.Reader
	closeFn func() error
	closed  bool
}

func (r *readerWithCloser) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	if err == io.EOF && !r.closed {
		r.closeFn()
		r.closed = true
	}
	return n, err
}

func (r *readerWithCloser) Close() error {
	if !r.closed {
		r.closed = true
		return r.closeFn()
	}
	return nil
}

type seqID struct {
	seq uint32
	id  int64
}

func (mbox *Mailbox) ctx() context.Context {
	return context.Background()
}

// getIDsFromSeqSet resolves a sequence or UID set against the folder. "*"
// stands for the highest sequence number or UID.
func (mbox *Mailbox) getIDsFromSeqSet(uid bool, seqSet *imap.SeqSet) ([]seqID, error) {
	ids, err := mbox.backend.Mail.Storage.EmailIDs(mbox.ctx(), mbox.folder.ID)
	if err != nil {
		return nil, fmt.Errorf("mbox.backend.Mail.Storage.EmailIDs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	max := uint32(len(ids))
	if uid {
		max = uint32(ids[len(ids)-1])
	}

	var out []seqID
	for i, id := range ids {
		seq := uint32(i + 1)
		key := seq
		if uid {
			key = uint32(id)
		}
		for _, set := range seqSet.Set {
			start, stop := set.Start, set.Stop
			if start == 0 {
				start = max
			}
			if stop == 0 {
				stop = max
			}
			if start > stop {
				start, stop = stop, start
			}
			if key >= start && key <= stop {
				out = append(out, seqID{seq: seq, id: id})
				break
			}
		}
	}
	return out, nil
}

func (mbox *Mailbox) Name() string {
	return mailboxName(mbox.folder)
}

func (mbox *Mailbox) Info() (*imap.MailboxInfo, error) {
	info := &imap.MailboxInfo{
		Attributes: []string{},
		Delimiter:  "/",
		Name:       mbox.Name(),
	}
	if attr := mbox.folder.Type.Meta().SpecialUse; attr != "" {
		info.Attributes = append(info.Attributes, attr)
	}
	return info, nil
}

// Status answers from the folder counters.
func (mbox *Mailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	f, err := mbox.backend.Mail.Storage.FolderSelect(mbox.ctx(), mbox.folder.ID)
	if err != nil {
		return nil, fmt.Errorf("mbox.backend.Mail.Storage.FolderSelect: %w", err)
	}
	mbox.folder = f

	status := imap.NewMailboxStatus(mbox.Name(), items)
	status.PermanentFlags = []string{
		imap.SeenFlag, imap.AnsweredFlag, imap.FlaggedFlag, imap.DraftFlag, imap.DeletedFlag,
	}
	status.Flags = status.PermanentFlags

	for _, name := range items {
		switch name {
		case imap.StatusMessages:
			status.Messages = uint32(f.TotalCount)

		case imap.StatusUidNext:
			ids, err := mbox.backend.Mail.Storage.EmailIDs(mbox.ctx(), f.ID)
			if err != nil {
				return nil, fmt.Errorf("mbox.backend.Mail.Storage.EmailIDs: %w", err)
			}
			status.UidNext = 1
			if len(ids) > 0 {
				status.UidNext = uint32(ids[len(ids)-1]) + 1
			}

		case imap.StatusUidValidity:
			status.UidValidity = 1

		case imap.StatusRecent:
			status.Recent = 0

		case imap.StatusUnseen:
			status.Unseen = uint32(f.UnreadCount)
		}
	}
	return status, nil
}

func (mbox *Mailbox) SetSubscribed(subscribed bool) error {
	return mbox.backend.Mail.Storage.FolderSetSubscribed(mbox.ctx(), mbox.folder.ID, subscribed)
}

func (mbox *Mailbox) Check() error {
	return nil
}

// flags maps the email model onto IMAP system flags.
func flags(e *types.Email) []string {
	f := []string{}
	if e.Status.Seen() {
		f = append(f, imap.SeenFlag)
	}
	if e.Status == types.StatusReplied {
		f = append(f, imap.AnsweredFlag)
	}
	if e.Flags.Starred {
		f = append(f, imap.FlaggedFlag)
	}
	if e.Flags.Draft {
		f = append(f, imap.DraftFlag)
	}
	return f
}

// open returns the stored message. Large messages are streamed from the
// file store.
func (mbox *Mailbox) open(e *types.Email) (io.Reader, func() error, error) {
	if e.RawFile == "" {
		return bytes.NewReader(e.Raw), func() error { return nil }, nil
	}
	file, err := mbox.backend.Mail.FileStore.Read(e.RawFile)
	if err != nil {
		return nil, nil, fmt.Errorf("FileStore.Read: %w", err)
	}
	return file, file.Close, nil
}

func (mbox *Mailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	ids, err := mbox.getIDsFromSeqSet(uid, seqSet)
	if err != nil {
		return fmt.Errorf("mbox.getIDsFromSeqSet: %w", err)
	}

	for _, sid := range ids {
		mail, err := mbox.backend.Mail.Storage.EmailSelect(mbox.ctx(), sid.id)
		if err != nil {
			continue
		}

		fetched := imap.NewMessage(sid.seq, items)
		fetched.Uid = uint32(mail.ID)

		// Headers come from a 64 KB peek so large messages are not loaded
		// just for an envelope.
		get := func() (io.Reader, textproto.Header, error) {
			reader, closeFn, err := mbox.open(mail)
			if err != nil {
				return nil, textproto.Header{}, err
			}

			const peekSize = 64 * 1024
			peekBuf := make([]byte, peekSize)
			n, err := io.ReadFull(reader, peekBuf)
			if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
				closeFn()
				return nil, textproto.Header{}, fmt.Errorf("failed to peek headers: %w", err)
			}

			headerReader := bufio.NewReader(bytes.NewReader(peekBuf[:n]))
			hdr, err := textproto.ReadHeader(headerReader)
			if err != nil {
				closeFn()
				return nil, textproto.Header{}, fmt.Errorf("textproto.ReadHeader: %w", err)
			}

			bodyReader := io.MultiReader(headerReader, reader)
			return &readerWithCloser{reader: bodyReader, closeFn: closeFn}, hdr, nil
		}

		for _, item := range items {
			switch item {
			case imap.FetchEnvelope:
				body, hdr, err := get()
				if err != nil {
					continue
				}
				fetched.Envelope, err = backendutil.FetchEnvelope(hdr)
				body.(io.Closer).Close()
				if err != nil {
					continue
				}

			case imap.FetchBody, imap.FetchBodyStructure:
				body, hdr, err := get()
				if err != nil {
					continue
				}
				fetched.BodyStructure, err = backendutil.FetchBodyStructure(hdr, body, item == imap.FetchBodyStructure)
				body.(io.Closer).Close()
				if err != nil {
					continue
				}

			case imap.FetchFlags:
				fetched.Flags = flags(mail)

			case imap.FetchInternalDate:
				fetched.InternalDate = mail.ReceivedAt

			case imap.FetchRFC822Size:
				fetched.Size = uint32(rawSize(mail))

			case imap.FetchUid:
				fetched.Uid = uint32(mail.ID)

			default:
				section, err := imap.ParseBodySectionName(item)
				if err != nil {
					continue
				}
				body, hdr, err := get()
				if err != nil {
					continue
				}
				l, err := backendutil.FetchBodySection(hdr, body, section)
				body.(io.Closer).Close()
				if err != nil {
					continue
				}
				fetched.Body[section] = l
				// A non-peek fetch of the body marks the message read.
				if !section.Peek && mail.Status == types.StatusUnread {
					if err := mbox.backend.Mail.MarkAsRead(mbox.ctx(), mbox.user.user.ID, mail.ID); err == nil {
						mail.Status = types.StatusRead
					}
				}
			}
		}

		ch <- fetched
	}

	return nil
}

// rawSize is the size of the stored message itself. Emails with attachments
// added later are larger than their raw bytes.
func rawSize(e *types.Email) int64 {
	if e.RawFile == "" {
		return int64(len(e.Raw))
	}
	return e.Size
}

func (mbox *Mailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	ids, err := mbox.getIDsFromSeqSet(true, &imap.SeqSet{Set: []imap.Seq{{Start: 1, Stop: 0}}})
	if err != nil {
		return nil, fmt.Errorf("mbox.getIDsFromSeqSet: %w", err)
	}

	var matches []uint32
	for _, sid := range ids {
		mail, err := mbox.backend.Mail.Storage.EmailSelect(mbox.ctx(), sid.id)
		if err != nil {
			continue
		}
		reader, closeFn, err := mbox.open(mail)
		if err != nil {
			continue
		}
		entity, err := message.Read(reader)
		if err != nil && !message.IsUnknownCharset(err) {
			closeFn()
			continue
		}
		ok, err := backendutil.Match(entity, sid.seq, uint32(mail.ID), mail.ReceivedAt, flags(mail), criteria)
		closeFn()
		if err != nil || !ok {
			continue
		}
		if uid {
			matches = append(matches, uint32(mail.ID))
		} else {
			matches = append(matches, sid.seq)
		}
	}
	return matches, nil
}

// CreateMessage implements APPEND.
func (mbox *Mailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}

	var seen, answered bool
	var f types.Flags
	for _, flag := range flags {
		switch flag {
		case imap.SeenFlag:
			seen = true
		case imap.AnsweredFlag:
			answered = true
		case imap.FlaggedFlag:
			f.Starred = true
		case imap.DraftFlag:
			f.Draft = true
		}
	}

	e, err := mbox.backend.Mail.Import(mbox.ctx(), mbox.user.user.ID, mbox.folder.ID, raw, seen, f, date)
	if err != nil {
		return fmt.Errorf("mbox.backend.Mail.Import: %w", err)
	}
	if answered {
		if err := mbox.backend.Mail.MarkReplied(mbox.ctx(), mbox.user.user.ID, e.ID); err != nil {
			mbox.backend.Log.Warnf("Failed to mark appended email %d answered: %v", e.ID, err)
		}
	}
	return nil
}

// UpdateMessagesFlags translates STORE into model operations. \Deleted
// moves the message to Trash, or removes it when it is already there.
// Clearing \Answered is ignored because a replied email cannot go back.
func (mbox *Mailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, op imap.FlagsOp, flagList []string) error {
	ids, err := mbox.getIDsFromSeqSet(uid, seqSet)
	if err != nil {
		return fmt.Errorf("mbox.getIDsFromSeqSet: %w", err)
	}

	ctx, userID := mbox.ctx(), mbox.user.user.ID
	for _, sid := range ids {
		mail, err := mbox.backend.Mail.Storage.EmailSelect(ctx, sid.id)
		if err != nil {
			return fmt.Errorf("mbox.backend.Mail.Storage.EmailSelect: %w", err)
		}

		want := map[string]bool{}
		if op != imap.SetFlags {
			for _, f := range flags(mail) {
				want[f] = true
			}
		}
		for _, f := range flagList {
			want[imap.CanonicalFlag(f)] = op != imap.RemoveFlags
		}

		switch {
		case want[imap.SeenFlag] && mail.Status == types.StatusUnread:
			err = mbox.backend.Mail.MarkAsRead(ctx, userID, mail.ID)
		case !want[imap.SeenFlag] && mail.Status.Seen() && mail.Status != types.StatusDeleted:
			err = mbox.backend.Mail.MarkAsUnread(ctx, userID, mail.ID)
		}
		if err != nil {
			return err
		}
		if want[imap.AnsweredFlag] && mail.Status != types.StatusReplied {
			if err := mbox.backend.Mail.MarkReplied(ctx, userID, mail.ID); err != nil && !mailerr.Is(err, mailerr.Conflict) {
				return err
			}
		}

		next := mail.Flags
		next.Starred = want[imap.FlaggedFlag]
		next.Draft = want[imap.DraftFlag]
		if err := mbox.backend.Mail.SetFlags(ctx, userID, mail.ID, next); err != nil {
			return err
		}

		if want[imap.DeletedFlag] {
			if err := mbox.backend.Mail.Delete(ctx, userID, mail.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (mbox *Mailbox) destination(name string) (*types.Folder, error) {
	return mbox.user.folder(name)
}

func (mbox *Mailbox) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	dest, err := mbox.destination(destName)
	if err != nil {
		return err
	}
	ids, err := mbox.getIDsFromSeqSet(uid, seqSet)
	if err != nil {
		return fmt.Errorf("mbox.getIDsFromSeqSet: %w", err)
	}
	for _, sid := range ids {
		if _, err := mbox.backend.Mail.Copy(mbox.ctx(), mbox.user.user.ID, sid.id, dest.ID); err != nil {
			return fmt.Errorf("mbox.backend.Mail.Copy: %w", err)
		}
	}
	return nil
}

// Expunge has nothing to do: deleted messages have already left the folder.
func (mbox *Mailbox) Expunge() error {
	return nil
}

func (mbox *Mailbox) MoveMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	dest, err := mbox.destination(destName)
	if err != nil {
		return err
	}
	ids, err := mbox.getIDsFromSeqSet(uid, seqSet)
	if err != nil {
		return fmt.Errorf("mbox.getIDsFromSeqSet: %w", err)
	}
	for _, sid := range ids {
		if err := mbox.backend.Mail.MoveToFolder(mbox.ctx(), mbox.user.user.ID, sid.id, dest.ID); err != nil {
			return err
		}
	}
	return nil
}
