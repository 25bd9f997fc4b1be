// Package messages loads mailbox views from the remote store and sends new
// messages. Loading fans out one concurrent fetch per indexed message id so
// mailbox latency tracks the slowest single fetch, not the message count.
package messages

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ckoliveira/courier/internal/bus"
	"github.com/ckoliveira/courier/internal/contacts"
	"github.com/ckoliveira/courier/internal/remote"
	"github.com/ckoliveira/courier/internal/session"
)

// Loader resolves one mailbox view per call, annotating each message with
// its counterpart's display identity via the contact manager.
type Loader struct {
	store    remote.Store
	contacts *contacts.Manager
	sess     *session.Session
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewLoader creates a mailbox loader. A nil logger is replaced with a no-op
// one.
func NewLoader(store remote.Store, cm *contacts.Manager, sess *session.Session, b *bus.Bus, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: store, contacts: cm, sess: sess, bus: b, logger: logger}
}

// LoadMailbox loads the full message set for one mailbox. The returned
// channel delivers at least one LoadResult and is closed when the load (and
// any follow-up contact resolution) settles. Individual message fetch
// failures are logged and their slots omitted; only auth failure, index
// read failure and ctx expiry are terminal. If the ctx deadline fires, a
// single TimedOut result is delivered and in-flight fetches land silently.
func (l *Loader) LoadMailbox(ctx context.Context, mailbox remote.Mailbox, sortBy SortField, ascending bool) <-chan LoadResult {
	out := make(chan LoadResult, 4)
	go func() {
		defer close(out)
		l.load(ctx, mailbox, sortBy, ascending, out)
	}()
	return out
}

func (l *Loader) load(ctx context.Context, mailbox remote.Mailbox, sortBy SortField, ascending bool, out chan<- LoadResult) {
	uid, err := l.sess.UID()
	if err != nil {
		l.deliverErr(out, mailbox, err, "load mailbox: no authenticated session")
		return
	}
	if !mailbox.Valid() {
		l.deliverErr(out, mailbox, remote.ErrNotFound, "load mailbox: unknown mailbox")
		return
	}

	var index map[string]bool
	err = l.store.GetOnce(ctx, remote.MailboxPath(uid, mailbox), &index)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		if ctx.Err() != nil {
			l.deliverErr(out, mailbox, remote.ErrTimedOut, "load mailbox: index read timed out")
			return
		}
		l.deliverErr(out, mailbox, remote.AsUnavailable(err), "load mailbox: read index")
		return
	}
	if len(index) == 0 {
		// An empty mailbox is a valid result, not an error.
		l.deliver(out, LoadResult{Mailbox: mailbox, Messages: []ResolvedMessage{}})
		return
	}

	fetched := l.fanOut(ctx, index)
	if ctx.Err() != nil {
		l.deliverErr(out, mailbox, remote.ErrTimedOut, "load mailbox: fetch batch timed out")
		return
	}

	sortMessages(fetched, sortBy, ascending)

	resolved, missing := l.resolve(mailbox, fetched)
	l.deliver(out, LoadResult{Mailbox: mailbox, Messages: resolved})

	if len(missing) == 0 {
		return
	}
	// Fetch-and-create the unknown counterparts, then re-deliver the full
	// result with the names filled in. Consumers treat every delivery as
	// the latest authoritative state.
	if l.fetchMissing(ctx, missing) {
		updated, _ := l.resolve(mailbox, fetched)
		l.deliver(out, LoadResult{Mailbox: mailbox, Messages: updated})
	}
}

// fanOut fetches every indexed message body concurrently and waits for all
// of them to settle. A failed fetch is logged and its slot omitted; it
// never aborts the batch.
func (l *Loader) fanOut(ctx context.Context, index map[string]bool) []Message {
	var (
		mu      sync.Mutex
		fetched []Message
		wg      sync.WaitGroup
	)
	for id := range index {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			var msg Message
			if err := l.store.GetOnce(ctx, remote.MessagePath(id), &msg); err != nil {
				l.logger.Warn("message fetch failed, slot omitted", zap.String("id", id), zap.Error(err))
				return
			}
			if msg.ID == "" {
				msg.ID = id
			}
			mu.Lock()
			fetched = append(fetched, msg)
			mu.Unlock()
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	mu.Lock()
	defer mu.Unlock()
	return fetched
}

// resolve annotates each message with its counterpart identity and returns
// the ids that missed the contact cache.
func (l *Loader) resolve(mailbox remote.Mailbox, msgs []Message) ([]ResolvedMessage, []string) {
	resolved := make([]ResolvedMessage, 0, len(msgs))
	seen := make(map[string]bool)
	var missing []string
	for _, msg := range msgs {
		rm := ResolvedMessage{Message: msg}
		if id := counterpartID(mailbox, msg); id != "" {
			if ct, ok := l.contacts.Contact(id); ok {
				rm.CounterpartName = ct.DisplayName
			} else {
				// Id stands in until the contact resolves.
				rm.CounterpartName = id
				if !seen[id] {
					seen[id] = true
					missing = append(missing, id)
				}
			}
		}
		resolved = append(resolved, rm)
	}
	return resolved, missing
}

// fetchMissing resolves unknown counterparts concurrently and reports
// whether at least one of them landed in the cache.
func (l *Loader) fetchMissing(ctx context.Context, ids []string) bool {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved bool
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := l.contacts.FetchAndCreateContact(ctx, id); err != nil {
				l.logger.Debug("counterpart unresolved", zap.String("id", id), zap.Error(err))
				return
			}
			mu.Lock()
			resolved = true
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return resolved && ctx.Err() == nil
}

func counterpartID(mailbox remote.Mailbox, msg Message) string {
	if msg.Note {
		return ""
	}
	switch mailbox {
	case remote.MailboxInbox:
		return msg.SenderID
	case remote.MailboxOutbox:
		return msg.RecipientID
	}
	return ""
}

// deliver hands a result to the consumer. The channel buffer covers the at
// most two deliveries a load produces, so the send never blocks on a
// consumer that stopped reading.
func (l *Loader) deliver(out chan<- LoadResult, res LoadResult) {
	l.bus.Publish(bus.Event{Kind: bus.MessageLoaded, Timestamp: time.Now(), Payload: res})
	select {
	case out <- res:
	default:
	}
}

func (l *Loader) deliverErr(out chan<- LoadResult, mailbox remote.Mailbox, kind error, msg string) {
	l.logger.Warn(msg, zap.String("mailbox", string(mailbox)), zap.Error(kind))
	l.bus.Publish(bus.Event{
		Kind:      bus.MessageLoadFailed,
		Timestamp: time.Now(),
		Payload:   bus.Failure{Err: kind, Message: msg},
	})
	select {
	case out <- LoadResult{Mailbox: mailbox, Err: kind}:
	default:
	}
}

// sortMessages orders by the message's own field, never by fetch-completion
// order: fan-out completion is non-deterministic, so descending views sort
// ascending first and then reverse.
func sortMessages(msgs []Message, sortBy SortField, ascending bool) {
	switch sortBy {
	case SortBySubject:
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Subject < msgs[j].Subject })
	default:
		sort.SliceStable(msgs, func(i, j int) bool {
			if msgs[i].Timestamp != msgs[j].Timestamp {
				return msgs[i].Timestamp < msgs[j].Timestamp
			}
			return msgs[i].ID < msgs[j].ID
		})
	}
	if !ascending {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
}
