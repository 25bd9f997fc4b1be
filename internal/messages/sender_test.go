package messages

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ckoliveira/courier/internal/bus"
	"github.com/ckoliveira/courier/internal/remote"
	"github.com/ckoliveira/courier/internal/remote/memstore"
	"github.com/ckoliveira/courier/internal/session"
)

func testSender(t *testing.T) (*SendEngine, *memstore.Store, *session.Session, *bus.Bus) {
	t.Helper()
	store := memstore.New()
	store.NextID = func(string) string { return "msg1" }
	sess := session.New()
	sess.Set(session.Identity{UID: "owner", Email: "owner@example.com"})
	b := bus.New()
	return NewSendEngine(store, sess, b, nil), store, sess, b
}

func pathExists(t *testing.T, store *memstore.Store, path string) bool {
	t.Helper()
	var v any
	err := store.GetOnce(context.Background(), path, &v)
	if err == nil {
		return true
	}
	if errors.Is(err, remote.ErrNotFound) {
		return false
	}
	t.Fatal(err)
	return false
}

func TestSendWritesMessageAndBothIndices(t *testing.T) {
	e, store, _, b := testSender(t)
	ch, unsub := b.Subscribe(bus.MessageSendAck, 4)
	defer unsub()

	msg, err := e.Send(context.Background(), Draft{
		RecipientEmail: "alice@example.com",
		Subject:        "hello",
		Body:           "first",
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "msg1" || msg.SenderID != "owner" || msg.RecipientID != "alice_example_com" {
		t.Fatalf("unexpected message identity: %+v", msg)
	}

	var stored Message
	if err := store.GetOnce(context.Background(), remote.MessagePath("msg1"), &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Subject != "hello" || stored.Body != "first" || stored.RecipientEmail != "alice@example.com" {
		t.Fatalf("stored message = %+v", stored)
	}
	if !pathExists(t, store, remote.MailboxEntryPath("owner", remote.MailboxOutbox, "msg1")) {
		t.Fatal("sender outbox entry missing")
	}
	if !pathExists(t, store, remote.MailboxEntryPath("alice_example_com", remote.MailboxInbox, "msg1")) {
		t.Fatal("recipient inbox entry missing")
	}

	evt := waitEvent(t, ch, bus.MessageSendAck)
	if evt.Payload.(string) != "msg1" {
		t.Fatalf("ack payload = %v", evt.Payload)
	}
}

func TestSendAtomicFailureLeavesNoPartialState(t *testing.T) {
	e, store, _, b := testSender(t)
	store.FailOp(memstore.OpMultiWrite, errors.New("backend down"))
	ch, unsub := b.Subscribe(bus.MessageSendFailed, 4)
	defer unsub()

	_, err := e.Send(context.Background(), Draft{RecipientEmail: "alice@example.com", Subject: "hi"})
	if !errors.Is(err, remote.ErrRemoteUnavailable) {
		t.Fatalf("got %v, want ErrRemoteUnavailable", err)
	}

	for _, path := range []string{
		remote.MessagePath("msg1"),
		remote.MailboxEntryPath("owner", remote.MailboxOutbox, "msg1"),
		remote.MailboxEntryPath("alice_example_com", remote.MailboxInbox, "msg1"),
	} {
		if pathExists(t, store, path) {
			t.Fatalf("partial state left at %s after failed send", path)
		}
	}
	waitEvent(t, ch, bus.MessageSendFailed)
}

func TestSendNoteTouchesOnlyNotesIndex(t *testing.T) {
	e, store, _, _ := testSender(t)

	msg, err := e.Send(context.Background(), Draft{Subject: "todo", Body: "buy milk", Note: true})
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Note || msg.SenderID != "" || msg.RecipientID != "" {
		t.Fatalf("a note must carry no sender or recipient: %+v", msg)
	}
	if !pathExists(t, store, remote.MailboxEntryPath("owner", remote.MailboxNotes, "msg1")) {
		t.Fatal("notes index entry missing")
	}
	if pathExists(t, store, remote.MailboxEntryPath("owner", remote.MailboxOutbox, "msg1")) {
		t.Fatal("a note must not touch the outbox")
	}
}

func TestSendNotAuthenticated(t *testing.T) {
	e, store, sess, _ := testSender(t)
	sess.Clear()

	_, err := e.Send(context.Background(), Draft{RecipientEmail: "alice@example.com"})
	if !errors.Is(err, remote.ErrNotAuthenticated) {
		t.Fatalf("got %v, want ErrNotAuthenticated", err)
	}
	if store.Writes() != 0 {
		t.Fatal("no remote write expected without a session")
	}
}

func TestSendMissingRecipient(t *testing.T) {
	e, _, _, _ := testSender(t)

	_, err := e.Send(context.Background(), Draft{Subject: "hi"})
	if !errors.Is(err, remote.ErrInvalidEmail) {
		t.Fatalf("got %v, want ErrInvalidEmail", err)
	}
}

func TestNormalizeEmailID(t *testing.T) {
	if got := NormalizeEmailID("Jane.Doe@mail.example.com"); got != "jane_doe_mail_example_com" {
		t.Fatalf("got %q", got)
	}
}

func TestCustomRecipientResolver(t *testing.T) {
	e, store, _, _ := testSender(t)
	e.RecipientResolver = func(string) string { return "uid-alice" }

	msg, err := e.Send(context.Background(), Draft{RecipientEmail: "alice@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.RecipientID != "uid-alice" {
		t.Fatalf("recipient id = %q", msg.RecipientID)
	}
	if !pathExists(t, store, remote.MailboxEntryPath("uid-alice", remote.MailboxInbox, "msg1")) {
		t.Fatal("inbox entry missing for resolved recipient id")
	}
}

func TestMarkReadIsPartialWrite(t *testing.T) {
	e, store, _, _ := testSender(t)
	if _, err := e.Send(context.Background(), Draft{RecipientEmail: "alice@example.com", Subject: "keep me"}); err != nil {
		t.Fatal(err)
	}

	e.MarkRead(context.Background(), "msg1")

	var stored Message
	if err := store.GetOnce(context.Background(), remote.MessagePath("msg1"), &stored); err != nil {
		t.Fatal(err)
	}
	if !stored.Read {
		t.Fatal("read flag not set")
	}
	if stored.Subject != "keep me" {
		t.Fatalf("partial write clobbered the document: %+v", stored)
	}
}

func TestScheduleAndClearReminder(t *testing.T) {
	e, store, _, _ := testSender(t)
	if _, err := e.Send(context.Background(), Draft{Subject: "note", Note: true}); err != nil {
		t.Fatal(err)
	}

	e.ScheduleReminder(context.Background(), "msg1", 4200)
	var stored Message
	if err := store.GetOnce(context.Background(), remote.MessagePath("msg1"), &stored); err != nil {
		t.Fatal(err)
	}
	if !stored.HasReminder || stored.ReminderAt != 4200 {
		t.Fatalf("reminder not scheduled: %+v", stored)
	}

	e.ClearReminder(context.Background(), "msg1")
	var doc map[string]json.RawMessage
	if err := store.GetOnce(context.Background(), remote.MessagePath("msg1"), &doc); err != nil {
		t.Fatal(err)
	}
	if string(doc["hasReminder"]) != "false" {
		t.Fatalf("hasReminder = %s", doc["hasReminder"])
	}
	if _, ok := doc["reminderTime"]; ok {
		t.Fatal("cleared reminder must remove the stale time")
	}
}
