package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ckoliveira/courier/internal/remote"
)

type doc struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func TestWriteGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Write(ctx, "users/u1", doc{Name: "Ana", Email: "ana@example.com"}); err != nil {
		t.Fatal(err)
	}

	var got doc
	if err := s.GetOnce(ctx, "users/u1", &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "Ana" || got.Email != "ana@example.com" {
		t.Errorf("got %+v", got)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := New()
	var got doc
	err := s.GetOnce(context.Background(), "users/nope", &got)
	if !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInteriorPathAssemblesChildren(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Write(ctx, "contacts/u1/c1", doc{Name: "one"})
	_ = s.Write(ctx, "contacts/u1/c2", doc{Name: "two"})

	var got map[string]doc
	if err := s.GetOnce(ctx, "contacts/u1", &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["c1"].Name != "one" || got["c2"].Name != "two" {
		t.Errorf("got %+v", got)
	}
}

func TestMultiWriteAtomicFailureLeavesNoPartialState(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")
	s.FailOp(OpMultiWrite, boom)

	err := s.MultiWrite(ctx, map[string]any{
		"messages/m1":              doc{Name: "body"},
		"user-mailboxes/a/outbox/m1": true,
		"user-mailboxes/b/inbox/m1":  true,
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want injected failure", err)
	}

	for _, path := range []string{"messages/m1", "user-mailboxes/a/outbox/m1", "user-mailboxes/b/inbox/m1"} {
		var v any
		if err := s.GetOnce(ctx, path, &v); !errors.Is(err, remote.ErrNotFound) {
			t.Errorf("path %s visible after failed multi-write: %v", path, err)
		}
	}
}

func TestMultiWriteAppliesAllPaths(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.MultiWrite(ctx, map[string]any{
		"messages/m1":              doc{Name: "body"},
		"user-mailboxes/a/outbox/m1": true,
		"user-mailboxes/b/inbox/m1":  true,
	}); err != nil {
		t.Fatal(err)
	}

	var idx map[string]bool
	if err := s.GetOnce(ctx, "user-mailboxes/b/inbox", &idx); err != nil {
		t.Fatal(err)
	}
	if !idx["m1"] {
		t.Errorf("inbox index = %+v, want m1", idx)
	}
}

func TestSubscribeChildReplaysAndStreams(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Write(ctx, "contacts/u1/c1", doc{Name: "existing"})

	ch, cancel, err := s.SubscribeChild("contacts/u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	evt := waitEvent(t, ch)
	if evt.Type != remote.ChildAdded || evt.Key != "c1" {
		t.Errorf("replay event = %+v", evt)
	}

	_ = s.Write(ctx, "contacts/u1/c2", doc{Name: "new"})
	evt = waitEvent(t, ch)
	if evt.Type != remote.ChildAdded || evt.Key != "c2" {
		t.Errorf("live add event = %+v", evt)
	}

	_ = s.Delete(ctx, "contacts/u1/c1")
	evt = waitEvent(t, ch)
	if evt.Type != remote.ChildRemoved || evt.Key != "c1" {
		t.Errorf("remove event = %+v", evt)
	}
}

// TestSubscribeChildSlowConsumerLosesNothing pins the no-loss guarantee of
// the change stream: with a buffer of one and a consumer that only starts
// reading after several mutations, every event still arrives in order. A
// dropped child-removed here would leave stream-fed caches holding the
// entry forever.
func TestSubscribeChildSlowConsumerLosesNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Write(ctx, "contacts/u1/a", doc{Name: "a"})

	ch, cancel, err := s.SubscribeChild("contacts/u1", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	_ = s.Write(ctx, "contacts/u1/b", doc{Name: "b"})
	_ = s.Write(ctx, "contacts/u1/c", doc{Name: "c"})
	_ = s.Delete(ctx, "contacts/u1/a")

	want := []struct {
		typ remote.ChildEventType
		key string
	}{
		{remote.ChildAdded, "a"},
		{remote.ChildAdded, "b"},
		{remote.ChildAdded, "c"},
		{remote.ChildRemoved, "a"},
	}
	for i, w := range want {
		evt := waitEvent(t, ch)
		if evt.Type != w.typ || evt.Key != w.key {
			t.Fatalf("event %d = %+v, want %s %s", i, evt, w.typ, w.key)
		}
	}
}

func TestSubscribeChildCancelIdempotent(t *testing.T) {
	s := New()
	_, cancel, err := s.SubscribeChild("contacts/u1", 1)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	cancel()
}

func TestQueryChildEqualTo(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Write(ctx, "users/u1", doc{Name: "Ana", Email: "ana@example.com"})
	_ = s.Write(ctx, "users/u2", doc{Name: "Bo", Email: "bo@example.com"})

	var got map[string]doc
	if err := s.QueryChildEqualTo(ctx, "users", "email", "bo@example.com", &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got["u2"].Name != "Bo" {
		t.Errorf("got %+v", got)
	}

	got = nil
	if err := s.QueryChildEqualTo(ctx, "users", "email", "none@example.com", &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %+v", got)
	}
}

func TestFailPathScopesToSubtree(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")
	s.FailPath("contacts/u1", boom)

	var v any
	if err := s.GetOnce(ctx, "contacts/u1/c1", &v); !errors.Is(err, boom) {
		t.Errorf("err = %v, want injected failure", err)
	}
	if err := s.Write(ctx, "users/u1", doc{Name: "ok"}); err != nil {
		t.Errorf("unrelated path failed: %v", err)
	}

	s.FailPath("contacts/u1", nil)
	if err := s.Write(ctx, "contacts/u1/c1", doc{Name: "ok"}); err != nil {
		t.Errorf("path still failing after clear: %v", err)
	}
}

func waitEvent(t *testing.T, ch <-chan remote.ChildEvent) remote.ChildEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for child event")
		return remote.ChildEvent{}
	}
}
