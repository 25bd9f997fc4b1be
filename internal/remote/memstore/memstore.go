// Package memstore is an in-memory implementation of the remote store
// contract with real streaming subscriptions. It backs the test suite and
// the "memory" backend for local development.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ckoliveira/courier/internal/remote"
)

// Op names accepted by FailOp.
const (
	OpGet        = "get"
	OpWrite      = "write"
	OpDelete     = "delete"
	OpMultiWrite = "multiwrite"
	OpQuery      = "query"
	OpSubscribe  = "subscribe"
)

// Store holds documents in a flat path→JSON map. Children of a path are the
// entries one segment deeper; reads of interior paths assemble the subtree.
type Store struct {
	mu        sync.Mutex
	docs      map[string]json.RawMessage
	childSubs map[int]*stream[remote.ChildEvent]
	valueSubs map[int]*stream[remote.ValueEvent]
	nextSub   int

	failPaths map[string]error
	failOps   map[string]error

	reads  int
	writes int

	// NextID overrides id generation for deterministic tests.
	NextID func(parentPath string) string
}

// stream is one subscription's delivery pipe. Mutations enqueue events
// without bound and a pump goroutine drains them into the consumer channel:
// the change stream is the only eviction path for caches built on it, so a
// slow consumer delays delivery but never loses an event.
type stream[T any] struct {
	path string
	ch   chan T

	mu      sync.Mutex
	pending []T
	wake    chan struct{}
	done    chan struct{}
}

func newStream[T any](path string, buf int) *stream[T] {
	return &stream[T]{
		path: path,
		ch:   make(chan T, buf),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (st *stream[T]) enqueue(evt T) {
	st.mu.Lock()
	st.pending = append(st.pending, evt)
	st.mu.Unlock()
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events into the consumer channel in order until the
// stream is stopped, then closes the channel.
func (st *stream[T]) pump() {
	defer close(st.ch)
	for {
		select {
		case <-st.done:
			return
		case <-st.wake:
		}
		for {
			st.mu.Lock()
			if len(st.pending) == 0 {
				st.mu.Unlock()
				break
			}
			evt := st.pending[0]
			st.pending = st.pending[1:]
			st.mu.Unlock()
			select {
			case st.ch <- evt:
			case <-st.done:
				return
			}
		}
	}
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		docs:      make(map[string]json.RawMessage),
		childSubs: make(map[int]*stream[remote.ChildEvent]),
		valueSubs: make(map[int]*stream[remote.ValueEvent]),
		failPaths: make(map[string]error),
		failOps:   make(map[string]error),
	}
}

// FailPath makes every operation touching path (or anything under it) fail
// with err. Passing a nil err clears the injection.
func (s *Store) FailPath(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failPaths, path)
		return
	}
	s.failPaths[path] = err
}

// FailOp makes every operation of the named kind fail with err. Passing a
// nil err clears the injection.
func (s *Store) FailOp(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOps, op)
		return
	}
	s.failOps[op] = err
}

// Reads returns the number of read-style operations served.
func (s *Store) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Writes returns the number of successful mutating operations.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) injected(op, path string) error {
	if err, ok := s.failOps[op]; ok {
		return err
	}
	for p, err := range s.failPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return err
		}
	}
	return nil
}

// GetOnce implements remote.Store.
func (s *Store) GetOnce(_ context.Context, path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if err := s.injected(OpGet, path); err != nil {
		return err
	}
	raw, ok := s.snapshotLocked(path)
	if !ok {
		return remote.ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Write implements remote.Store.
func (s *Store) Write(_ context.Context, path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpWrite, path); err != nil {
		return err
	}
	if err := s.setLocked(path, v); err != nil {
		return err
	}
	s.writes++
	return nil
}

// Delete implements remote.Store.
func (s *Store) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpDelete, path); err != nil {
		return err
	}
	if err := s.setLocked(path, nil); err != nil {
		return err
	}
	s.writes++
	return nil
}

// MultiWrite implements remote.Store. All updates are validated before any
// of them is applied, so an injected failure leaves no partial state.
func (s *Store) MultiWrite(_ context.Context, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpMultiWrite, ""); err != nil {
		return err
	}
	encoded := make(map[string]json.RawMessage, len(updates))
	for path, v := range updates {
		if err := s.injected(OpMultiWrite, path); err != nil {
			return err
		}
		if v == nil {
			encoded[path] = nil
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		encoded[path] = raw
	}
	for path, raw := range encoded {
		s.applyLocked(path, raw)
	}
	s.writes++
	return nil
}

// GenerateID implements remote.Store.
func (s *Store) GenerateID(parentPath string) string {
	if s.NextID != nil {
		return s.NextID(parentPath)
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// QueryChildEqualTo implements remote.Store. dst must be a pointer to a map
// keyed by child key.
func (s *Store) QueryChildEqualTo(_ context.Context, path, field string, value any, dst any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if err := s.injected(OpQuery, path); err != nil {
		return err
	}
	want, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode query value: %w", err)
	}
	matches := make(map[string]json.RawMessage)
	for key, raw := range s.childrenLocked(path) {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		if got, ok := doc[field]; ok && string(got) == string(want) {
			matches[key] = raw
		}
	}
	out, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("encode query result: %w", err)
	}
	if err := json.Unmarshal(out, dst); err != nil {
		return fmt.Errorf("decode query result: %w", err)
	}
	return nil
}

// SubscribeChild implements remote.Store. Existing children are replayed as
// ChildAdded events before any live change is delivered.
func (s *Store) SubscribeChild(path string, buf int) (<-chan remote.ChildEvent, remote.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpSubscribe, path); err != nil {
		return nil, nil, err
	}
	st := newStream[remote.ChildEvent](path, buf)
	id := s.nextSub
	s.nextSub++
	s.childSubs[id] = st

	for key, raw := range s.childrenLocked(path) {
		st.enqueue(remote.ChildEvent{Type: remote.ChildAdded, Key: key, Data: raw})
	}
	go st.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.childSubs, id)
			s.mu.Unlock()
			close(st.done)
		})
	}
	return st.ch, cancel, nil
}

// ChildSubs returns the number of live child subscriptions.
func (s *Store) ChildSubs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.childSubs)
}

// SubscribeValue implements remote.Store. The current snapshot (or a nil
// document for a missing path) is delivered first.
func (s *Store) SubscribeValue(path string, buf int) (<-chan remote.ValueEvent, remote.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpSubscribe, path); err != nil {
		return nil, nil, err
	}
	st := newStream[remote.ValueEvent](path, buf)
	id := s.nextSub
	s.nextSub++
	s.valueSubs[id] = st

	raw, _ := s.snapshotLocked(path)
	st.enqueue(remote.ValueEvent{Data: raw})
	go st.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.valueSubs, id)
			s.mu.Unlock()
			close(st.done)
		})
	}
	return st.ch, cancel, nil
}

func (s *Store) setLocked(path string, v any) error {
	if v == nil {
		s.applyLocked(path, nil)
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	s.applyLocked(path, raw)
	return nil
}

// applyLocked mutates one path and notifies subscribers. A write replaces
// the whole subtree at path; a nil raw deletes it. Writes below an existing
// leaf document merge into it, so partial field updates behave like the
// real store's deep writes.
func (s *Store) applyLocked(path string, raw json.RawMessage) {
	if anc, ok := s.leafAncestorLocked(path); ok {
		s.mergeIntoLeafLocked(anc, path, raw)
		return
	}
	_, existed := s.snapshotLocked(path)

	for key := range s.docs {
		if strings.HasPrefix(key, path+"/") {
			delete(s.docs, key)
		}
	}
	if raw == nil {
		delete(s.docs, path)
	} else {
		s.docs[path] = raw
	}

	s.notifyLocked(path, raw, existed)
}

func (s *Store) notifyLocked(path string, raw json.RawMessage, existed bool) {
	for _, sub := range s.childSubs {
		rest, ok := childKey(sub.path, path)
		if !ok {
			continue
		}
		evt := remote.ChildEvent{Key: rest}
		switch {
		case raw == nil && existed:
			evt.Type = remote.ChildRemoved
		case raw == nil:
			continue
		case existed:
			evt.Type = remote.ChildChanged
			evt.Data = raw
		default:
			evt.Type = remote.ChildAdded
			evt.Data = raw
		}
		// Deeper mutations surface as a change of the top-level child.
		if strings.Contains(rest, "/") {
			evt.Key = rest[:strings.Index(rest, "/")]
			evt.Type = remote.ChildChanged
			if snap, ok := s.snapshotLocked(sub.path + "/" + evt.Key); ok {
				evt.Data = snap
			}
		}
		sub.enqueue(evt)
	}
	for _, sub := range s.valueSubs {
		if path != sub.path && !strings.HasPrefix(path, sub.path+"/") && !strings.HasPrefix(sub.path, path+"/") {
			continue
		}
		snap, _ := s.snapshotLocked(sub.path)
		sub.enqueue(remote.ValueEvent{Data: snap})
	}
}

// leafAncestorLocked finds the nearest proper ancestor of path stored as a
// leaf document.
func (s *Store) leafAncestorLocked(path string) (string, bool) {
	segs := strings.Split(path, "/")
	for i := len(segs) - 1; i >= 1; i-- {
		anc := strings.Join(segs[:i], "/")
		if _, ok := s.docs[anc]; ok {
			return anc, true
		}
	}
	return "", false
}

// mergeIntoLeafLocked applies a deep write by rewriting the ancestor leaf.
func (s *Store) mergeIntoLeafLocked(anc, path string, raw json.RawMessage) {
	var tree map[string]any
	if err := json.Unmarshal(s.docs[anc], &tree); err != nil {
		tree = make(map[string]any)
	}
	rest := strings.TrimPrefix(path, anc+"/")
	segs := strings.Split(rest, "/")
	node := tree
	for _, seg := range segs[:len(segs)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
	last := segs[len(segs)-1]
	if raw == nil {
		delete(node, last)
	} else {
		node[last] = raw
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return
	}
	s.docs[anc] = out
	s.notifyLocked(path, raw, true)
}

// childKey returns the sub-path of path relative to parent, if path lies
// strictly under parent.
func childKey(parent, path string) (string, bool) {
	if !strings.HasPrefix(path, parent+"/") {
		return "", false
	}
	return strings.TrimPrefix(path, parent+"/"), true
}

// snapshotLocked returns the JSON document at path, assembling interior
// paths from their descendants.
func (s *Store) snapshotLocked(path string) (json.RawMessage, bool) {
	if raw, ok := s.docs[path]; ok {
		return raw, true
	}
	tree := make(map[string]any)
	found := false
	for key, raw := range s.docs {
		rest, ok := childKey(path, key)
		if !ok {
			continue
		}
		found = true
		insert(tree, strings.Split(rest, "/"), raw)
	}
	if !found {
		return nil, false
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, false
	}
	return out, true
}

func insert(tree map[string]any, segs []string, raw json.RawMessage) {
	if len(segs) == 1 {
		tree[segs[0]] = raw
		return
	}
	sub, ok := tree[segs[0]].(map[string]any)
	if !ok {
		sub = make(map[string]any)
		tree[segs[0]] = sub
	}
	insert(sub, segs[1:], raw)
}

// childrenLocked returns the direct children of path as key→document.
func (s *Store) childrenLocked(path string) map[string]json.RawMessage {
	children := make(map[string]json.RawMessage)
	seen := make(map[string]bool)
	for key := range s.docs {
		rest, ok := childKey(path, key)
		if !ok {
			continue
		}
		top := rest
		if i := strings.Index(rest, "/"); i >= 0 {
			top = rest[:i]
		}
		if seen[top] {
			continue
		}
		seen[top] = true
		if snap, ok := s.snapshotLocked(path + "/" + top); ok {
			children[top] = snap
		}
	}
	return children
}

var _ remote.Store = (*Store)(nil)
