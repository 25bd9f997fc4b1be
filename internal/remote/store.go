package remote

import (
	"context"
	"encoding/json"
)

// ChildEventType identifies a change to one child of a subscribed path.
type ChildEventType int

const (
	ChildAdded ChildEventType = iota
	ChildChanged
	ChildRemoved
)

func (t ChildEventType) String() string {
	switch t {
	case ChildAdded:
		return "added"
	case ChildChanged:
		return "changed"
	case ChildRemoved:
		return "removed"
	}
	return "unknown"
}

// ChildEvent is one incremental change under a subscribed path. Data is the
// child's document after the change; nil for removals.
type ChildEvent struct {
	Type ChildEventType
	Key  string
	Data json.RawMessage
}

// ValueEvent is one aggregate snapshot of a subscribed path.
type ValueEvent struct {
	Data json.RawMessage
}

// CancelFunc stops a subscription. Safe to call more than once.
type CancelFunc func()

// Store is the key-path addressed document store the sync core runs against.
// Values are JSON documents; paths are slash-separated. A miss on a single
// read is ErrNotFound, which callers treat as a valid outcome distinct from
// transport failure (ErrRemoteUnavailable).
type Store interface {
	// GetOnce reads the document at path into v. Returns ErrNotFound on miss.
	GetOnce(ctx context.Context, path string, v any) error

	// Write stores v at path, replacing any existing document.
	Write(ctx context.Context, path string, v any) error

	// Delete removes the document at path. Deleting a missing path is not
	// an error.
	Delete(ctx context.Context, path string) error

	// MultiWrite applies every path→value entry atomically: either all
	// writes land or none do. A nil value deletes that path.
	MultiWrite(ctx context.Context, updates map[string]any) error

	// GenerateID returns a new unique child key under parentPath without
	// writing anything.
	GenerateID(parentPath string) string

	// QueryChildEqualTo reads all children of path whose field equals value
	// into dst (a pointer to a map keyed by child key). An empty result is
	// not an error.
	QueryChildEqualTo(ctx context.Context, path, field string, value any, dst any) error

	// SubscribeChild streams incremental child changes under path. Children
	// existing at subscription time are delivered as ChildAdded events.
	SubscribeChild(path string, buf int) (<-chan ChildEvent, CancelFunc, error)

	// SubscribeValue streams aggregate snapshots of path, starting with the
	// current value.
	SubscribeValue(path string, buf int) (<-chan ValueEvent, CancelFunc, error)
}
