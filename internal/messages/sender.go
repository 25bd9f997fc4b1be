package messages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ckoliveira/courier/internal/bus"
	"github.com/ckoliveira/courier/internal/remote"
	"github.com/ckoliveira/courier/internal/session"
)

// Draft is the caller-supplied part of an outgoing message.
type Draft struct {
	RecipientEmail string
	Subject        string
	Body           string
	Note           bool
	HasReminder    bool
	ReminderAt     int64
}

// SendEngine creates messages and keeps both participants' mailbox indices
// consistent with a single atomic multi-path write: an index entry without
// a message body (or vice versa) would be an unresolvable dangling
// reference for the loader, so partial mailbox state is never acceptable.
type SendEngine struct {
	store  remote.Store
	sess   *session.Session
	bus    *bus.Bus
	logger *zap.Logger

	// RecipientResolver maps a recipient email to the recipient's user id.
	// The default keeps the historical normalization scheme; deployments
	// with a real user directory should inject a lookup instead.
	RecipientResolver func(email string) string
}

// NewSendEngine creates a send engine. A nil logger is replaced with a
// no-op one.
func NewSendEngine(store remote.Store, sess *session.Session, b *bus.Bus, logger *zap.Logger) *SendEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SendEngine{
		store:             store,
		sess:              sess,
		bus:               b,
		logger:            logger,
		RecipientResolver: NormalizeEmailID,
	}
}

// NormalizeEmailID derives a user id from an email address by replacing
// '@' and '.' with '_'. Known-weak identity scheme, preserved for
// compatibility with existing documents.
func NormalizeEmailID(email string) string {
	return strings.NewReplacer("@", "_", ".", "_").Replace(strings.ToLower(email))
}

// Send stores the message and updates the mailbox indices atomically. Notes
// touch only the owner's notes index; directed messages touch the sender's
// outbox and the recipient's inbox.
func (e *SendEngine) Send(ctx context.Context, d Draft) (Message, error) {
	ident, ok := e.sess.Current()
	if !ok {
		return Message{}, e.fail(remote.ErrNotAuthenticated, "send message: no authenticated session")
	}
	if !d.Note && strings.TrimSpace(d.RecipientEmail) == "" {
		return Message{}, e.fail(remote.ErrInvalidEmail, "send message: missing recipient")
	}

	id := e.store.GenerateID(remote.MessagesRoot)
	msg := Message{
		ID:        id,
		Subject:   d.Subject,
		Body:      d.Body,
		Timestamp: time.Now().UnixMilli(),
		Note:      d.Note,
	}
	if d.HasReminder {
		msg.HasReminder = true
		msg.ReminderAt = d.ReminderAt
	}

	updates := make(map[string]any, 3)
	if d.Note {
		updates[remote.MailboxEntryPath(ident.UID, remote.MailboxNotes, id)] = true
	} else {
		msg.SenderID = ident.UID
		msg.SenderEmail = ident.Email
		msg.RecipientEmail = d.RecipientEmail
		msg.RecipientID = e.RecipientResolver(d.RecipientEmail)
		updates[remote.MailboxEntryPath(ident.UID, remote.MailboxOutbox, id)] = true
		updates[remote.MailboxEntryPath(msg.RecipientID, remote.MailboxInbox, id)] = true
	}
	updates[remote.MessagePath(id)] = msg

	if err := e.store.MultiWrite(ctx, updates); err != nil {
		return Message{}, e.fail(remote.AsUnavailable(err), "send message: atomic write")
	}

	e.logger.Info("message sent", zap.String("id", id), zap.Bool("note", d.Note))
	e.bus.Publish(bus.Event{Kind: bus.MessageSendAck, Timestamp: time.Now(), Payload: id})
	return msg, nil
}

// MarkRead flips the read flag. Advisory: failures are logged, never
// surfaced to the caller.
func (e *SendEngine) MarkRead(ctx context.Context, messageID string) {
	e.setFields(ctx, messageID, map[string]any{"read": true})
}

// Archive flips the archived flag. Advisory, like MarkRead.
func (e *SendEngine) Archive(ctx context.Context, messageID string) {
	e.setFields(ctx, messageID, map[string]any{"archived": true})
}

// ScheduleReminder attaches a reminder time to the message.
func (e *SendEngine) ScheduleReminder(ctx context.Context, messageID string, at int64) {
	e.setFields(ctx, messageID, map[string]any{
		"hasReminder":  true,
		"reminderTime": at,
	})
}

// ClearReminder removes a reminder; the stale time is deleted alongside the
// flag so the invariant "no reminder, no reminderTime" holds remotely too.
func (e *SendEngine) ClearReminder(ctx context.Context, messageID string) {
	e.setFields(ctx, messageID, map[string]any{
		"hasReminder":  false,
		"reminderTime": nil,
	})
}

func (e *SendEngine) setFields(ctx context.Context, messageID string, fields map[string]any) {
	if messageID == "" {
		return
	}
	base := remote.MessagePath(messageID)
	updates := make(map[string]any, len(fields))
	for field, v := range fields {
		updates[base+"/"+field] = v
	}
	if err := e.store.MultiWrite(ctx, updates); err != nil {
		e.logger.Warn("message flag update failed", zap.String("id", messageID), zap.Error(err))
	}
}

func (e *SendEngine) fail(kind error, msg string) error {
	e.logger.Warn(msg, zap.Error(kind))
	e.bus.Publish(bus.Event{
		Kind:      bus.MessageSendFailed,
		Timestamp: time.Now(),
		Payload:   bus.Failure{Err: kind, Message: msg},
	})
	return fmt.Errorf("%s: %w", msg, kind)
}
