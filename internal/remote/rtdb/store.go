// Package rtdb adapts the Firebase Realtime Database Admin SDK to the
// remote store contract. The Go Admin SDK exposes no change listeners, so
// subscriptions are snapshot-poll-and-diff loops against the REST API.
package rtdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ckoliveira/courier/internal/remote"
)

// DefaultPollInterval is the subscription poll cadence when none is
// configured.
const DefaultPollInterval = 2 * time.Second

// Store is a remote.Store backed by Firebase Realtime Database.
type Store struct {
	client *db.Client
	logger *zap.Logger

	pollInterval time.Duration

	mu     sync.Mutex
	closed bool
	stops  map[int]chan struct{}
	nextID int
	wg     sync.WaitGroup
}

// Options configures the RTDB store.
type Options struct {
	CredentialsFile string
	DatabaseURL     string
	// PollInterval is the subscription poll cadence; zero means
	// DefaultPollInterval.
	PollInterval time.Duration
}

// New connects to the configured Realtime Database instance.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DatabaseURL == "" {
		return nil, fmt.Errorf("rtdb: database URL is required")
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: opts.DatabaseURL},
		option.WithCredentialsFile(opts.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("rtdb: initialize app: %w", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("rtdb: database client: %w", err)
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Store{
		client:       client,
		logger:       logger,
		pollInterval: interval,
		stops:        make(map[int]chan struct{}),
	}, nil
}

// Close stops every subscription poll loop and waits for them to exit.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, stop := range s.stops {
		close(stop)
	}
	s.stops = make(map[int]chan struct{})
	s.mu.Unlock()
	s.wg.Wait()
}

// GetOnce implements remote.Store. The database returns a JSON null for a
// missing path, which maps to ErrNotFound.
func (s *Store) GetOnce(ctx context.Context, path string, v any) error {
	var raw json.RawMessage
	if err := s.client.NewRef(path).Get(ctx, &raw); err != nil {
		return remote.AsUnavailable(err)
	}
	if isNull(raw) {
		return remote.ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("rtdb: decode %s: %w", path, err)
	}
	return nil
}

// Write implements remote.Store.
func (s *Store) Write(ctx context.Context, path string, v any) error {
	if err := s.client.NewRef(path).Set(ctx, v); err != nil {
		return remote.AsUnavailable(err)
	}
	return nil
}

// Delete implements remote.Store.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.client.NewRef(path).Delete(ctx); err != nil {
		return remote.AsUnavailable(err)
	}
	return nil
}

// MultiWrite implements remote.Store. The updates run as one root-ref
// Update call, which the database applies atomically.
func (s *Store) MultiWrite(ctx context.Context, updates map[string]any) error {
	rooted := make(map[string]any, len(updates))
	for path, v := range updates {
		rooted[strings.TrimPrefix(path, "/")] = v
	}
	if err := s.client.NewRef("/").Update(ctx, rooted); err != nil {
		return remote.AsUnavailable(err)
	}
	return nil
}

// GenerateID implements remote.Store. Ids are generated client-side, so no
// placeholder document is ever pushed.
func (s *Store) GenerateID(string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// QueryChildEqualTo implements remote.Store.
func (s *Store) QueryChildEqualTo(ctx context.Context, path, field string, value any, dst any) error {
	q := s.client.NewRef(path).OrderByChild(field).EqualTo(value)
	if err := q.Get(ctx, dst); err != nil {
		return remote.AsUnavailable(err)
	}
	return nil
}

// SubscribeChild implements remote.Store with a poll-and-diff loop: each
// tick reads the full collection and emits added/changed/removed events
// against the previous snapshot. The first tick replays existing children
// as ChildAdded.
func (s *Store) SubscribeChild(path string, buf int) (<-chan remote.ChildEvent, remote.CancelFunc, error) {
	ch := make(chan remote.ChildEvent, buf)
	stop, cancel, err := s.register()
	if err != nil {
		return nil, nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(ch)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		known := make(map[string]json.RawMessage)
		for {
			current, err := s.children(path)
			if err != nil {
				s.logger.Warn("child poll failed", zap.String("path", path), zap.Error(err))
			} else {
				for key, raw := range current {
					prev, ok := known[key]
					switch {
					case !ok:
						send(stop, ch, remote.ChildEvent{Type: remote.ChildAdded, Key: key, Data: raw})
					case !bytes.Equal(prev, raw):
						send(stop, ch, remote.ChildEvent{Type: remote.ChildChanged, Key: key, Data: raw})
					}
				}
				for key := range known {
					if _, ok := current[key]; !ok {
						send(stop, ch, remote.ChildEvent{Type: remote.ChildRemoved, Key: key})
					}
				}
				known = current
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, cancel, nil
}

// SubscribeValue implements remote.Store, polling the whole path and
// emitting a snapshot whenever it changes. The current value is delivered
// on the first tick.
func (s *Store) SubscribeValue(path string, buf int) (<-chan remote.ValueEvent, remote.CancelFunc, error) {
	ch := make(chan remote.ValueEvent, buf)
	stop, cancel, err := s.register()
	if err != nil {
		return nil, nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(ch)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		var last json.RawMessage
		first := true
		for {
			ctx, done := context.WithTimeout(context.Background(), s.pollInterval)
			var raw json.RawMessage
			err := s.client.NewRef(path).Get(ctx, &raw)
			done()
			if err != nil {
				s.logger.Warn("value poll failed", zap.String("path", path), zap.Error(err))
			} else if first || !bytes.Equal(last, raw) {
				first = false
				last = raw
				if isNull(raw) {
					raw = nil
				}
				send(stop, ch, remote.ValueEvent{Data: raw})
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, cancel, nil
}

// register books a stop channel for a poll loop. The loop owns its event
// channel and closes it on exit; cancel only signals the stop.
func (s *Store) register() (chan struct{}, remote.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, fmt.Errorf("rtdb: store closed: %w", remote.ErrRemoteUnavailable)
	}
	stop := make(chan struct{})
	id := s.nextID
	s.nextID++
	s.stops[id] = stop

	cancel := func() {
		s.mu.Lock()
		if existing, ok := s.stops[id]; ok {
			delete(s.stops, id)
			close(existing)
		}
		s.mu.Unlock()
	}
	return stop, cancel, nil
}

func (s *Store) children(path string) (map[string]json.RawMessage, error) {
	ctx, done := context.WithTimeout(context.Background(), s.pollInterval)
	defer done()
	var raw json.RawMessage
	if err := s.client.NewRef(path).Get(ctx, &raw); err != nil {
		return nil, err
	}
	if isNull(raw) {
		return map[string]json.RawMessage{}, nil
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(raw, &children); err != nil {
		return nil, fmt.Errorf("decode children of %s: %w", path, err)
	}
	return children, nil
}

// send blocks until the consumer takes the event or the subscription
// stops. The diff baseline advances past delivered events, so dropping one
// here would lose it for good; a slow consumer stalls its own poll loop
// instead.
func send[T any](stop <-chan struct{}, ch chan T, evt T) {
	select {
	case <-stop:
	case ch <- evt:
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
