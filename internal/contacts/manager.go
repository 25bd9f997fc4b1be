// Package contacts keeps a local contact cache consistent with the remote
// change stream and fans updates out to bus subscribers. The manager is the
// single source of truth for the session user's contact list and the only
// writer of the cache.
package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ckoliveira/courier/internal/bus"
	"github.com/ckoliveira/courier/internal/remote"
	"github.com/ckoliveira/courier/internal/session"
)

const subscriptionBuffer = 256

// userDoc is the slice of a remote user profile the manager needs when
// resolving contacts.
type userDoc struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Manager mediates between the remote contact subscription and bus
// observers. All cache mutations and fan-outs are serialized under one
// mutex, so observers never see a mid-mutation cache even though the
// triggers (stream events, write acks) arrive on independent goroutines.
type Manager struct {
	store  remote.Store
	sess   *session.Session
	bus    *bus.Bus
	logger *zap.Logger

	cache *Cache

	mu        sync.Mutex
	subCancel remote.CancelFunc
	subUID    string
	gen       int
}

// NewManager creates a contact sync manager. A nil logger is replaced with
// a no-op one.
func NewManager(store remote.Store, sess *session.Session, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		sess:   sess,
		bus:    b,
		logger: logger,
		cache:  NewCache(),
	}
}

// Watch subscribes to contact events. If the cache is already warm, the
// current snapshot is seeded into the new subscription as a contact.loaded
// event before Watch returns, so an observer attaching after the initial
// fetch sees data immediately instead of a loading gap. Existing observers
// are not re-notified. The returned func cancels the subscription and is
// safe to call more than once.
func (m *Manager) Watch(buf int) (<-chan bus.Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.Len() > 0 {
		seed := bus.Event{Kind: bus.ContactLoaded, Timestamp: time.Now(), Payload: m.cache.Snapshot()}
		return m.bus.SubscribeSeeded("contact.", buf, seed)
	}
	return m.bus.Subscribe("contact.", buf)
}

// Initialize opens the remote contact subscription for the session user.
// Idempotent: if a subscription is already active for this user the cache
// is re-delivered and no second subscription is created.
func (m *Manager) Initialize(ctx context.Context) error {
	uid, err := m.sess.UID()
	if err != nil {
		return m.fail(err, "initialize contacts: no authenticated session")
	}

	m.mu.Lock()
	if m.subCancel != nil {
		if m.subUID == uid {
			m.publishLoaded()
			m.mu.Unlock()
			return nil
		}
		// Session switched under us: tear down the old user's stream and
		// cache before subscribing for the new one.
		m.logger.Info("contact subscription replaced", zap.String("old", m.subUID), zap.String("new", uid))
		m.subCancel()
		m.subCancel = nil
		m.subUID = ""
		m.gen++
		m.cache.Clear()
	}
	gen := m.gen
	m.mu.Unlock()

	path := remote.ContactsPath(uid)
	var docs map[string]Contact
	if err := m.store.GetOnce(ctx, path, &docs); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return m.fail(remote.AsUnavailable(err), "initialize contacts: read collection")
	}

	ch, cancel, err := m.store.SubscribeChild(path, subscriptionBuffer)
	if err != nil {
		return m.fail(remote.AsUnavailable(err), "initialize contacts: subscribe")
	}

	m.mu.Lock()
	if m.gen != gen || m.subCancel != nil {
		// Lost a race with a concurrent initialize or cleanup.
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.subCancel = cancel
	m.subUID = uid
	for key, ct := range docs {
		ct.Key = key
		m.cache.Put(ct)
	}
	m.publishLoaded()
	m.mu.Unlock()

	go m.pump(ch, gen)
	m.logger.Info("contact subscription opened", zap.String("uid", uid), zap.Int("cached", len(docs)))
	return nil
}

// AddContact adds a contact for the session user. With an empty explicitID
// this is an invite by email: a cached contact with the same email (case-
// insensitive) is re-announced without a write, otherwise the user directory
// is queried for a profile with that email. With explicitID set, that user's
// profile sources the display name unless displayName is supplied, which
// takes precedence and marks the name custom.
func (m *Manager) AddContact(ctx context.Context, explicitID, displayName, email string) error {
	if !validEmail(email) {
		return m.fail(remote.ErrInvalidEmail, fmt.Sprintf("add contact: %q", email))
	}
	uid, err := m.sess.UID()
	if err != nil {
		return m.fail(err, "add contact: no authenticated session")
	}
	if explicitID == "" {
		return m.addByEmail(ctx, uid, displayName, email)
	}
	return m.addByID(ctx, uid, explicitID, displayName, email)
}

func (m *Manager) addByEmail(ctx context.Context, uid, displayName, email string) error {
	if existing, ok := m.cache.GetByEmail(email); ok {
		// Duplicate invite: no write, re-announce the existing record.
		m.publish(bus.ContactAdded, existing)
		return nil
	}

	var matches map[string]userDoc
	if err := m.store.QueryChildEqualTo(ctx, remote.UsersRoot, "email", email, &matches); err != nil {
		return m.fail(remote.AsUnavailable(err), "add contact: query user by email")
	}
	if len(matches) == 0 {
		return m.fail(remote.ErrUserNotFound, fmt.Sprintf("add contact: no user with email %q", email))
	}
	contactID, doc := firstMatch(matches)

	name := displayName
	custom := name != ""
	if !custom {
		name = doc.DisplayName
		if name == "" {
			name = emailLocalPart(email)
		}
	}
	ct := Contact{
		Key:         m.store.GenerateID(remote.ContactsPath(uid)),
		OwnerID:     uid,
		ContactID:   contactID,
		DisplayName: name,
		Email:       email,
		CreatedAt:   time.Now().UnixMilli(),
		CustomName:  custom,
	}
	return m.writeAndAnnounce(ctx, ct)
}

func (m *Manager) addByID(ctx context.Context, uid, explicitID, displayName, email string) error {
	var doc userDoc
	err := m.store.GetOnce(ctx, remote.UserPath(explicitID), &doc)
	if errors.Is(err, remote.ErrNotFound) {
		return m.fail(remote.ErrUserNotFound, fmt.Sprintf("add contact: no user %q", explicitID))
	}
	if err != nil {
		return m.fail(remote.AsUnavailable(err), "add contact: read user profile")
	}

	name := displayName
	custom := name != ""
	if !custom {
		name = doc.DisplayName
		if name == "" {
			name = emailLocalPart(email)
		}
	}
	ct := Contact{
		Key:         explicitID,
		OwnerID:     uid,
		ContactID:   explicitID,
		DisplayName: name,
		Email:       email,
		CreatedAt:   time.Now().UnixMilli(),
		CustomName:  custom,
	}
	return m.writeAndAnnounce(ctx, ct)
}

// writeAndAnnounce persists the record, then caches and announces it unless
// the stream's child-added event got there first. This keeps one announce
// per contact even though the write ack and the stream event both fire for
// the same write.
func (m *Manager) writeAndAnnounce(ctx context.Context, ct Contact) error {
	if err := m.store.Write(ctx, remote.ContactPath(ct.OwnerID, ct.Key), ct); err != nil {
		return m.fail(remote.AsUnavailable(err), "add contact: write record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, known := m.cache.Get(ct.ContactID); known {
		return nil
	}
	m.cache.Put(ct)
	m.publish(bus.ContactAdded, ct)
	return nil
}

// UpdateContactName issues an optimistic partial write of exactly the two
// name fields, without reading the current record first. Blank arguments
// make it a no-op.
func (m *Manager) UpdateContactName(ctx context.Context, contactID, name string, custom bool) error {
	if strings.TrimSpace(contactID) == "" || strings.TrimSpace(name) == "" {
		return nil
	}
	uid, err := m.sess.UID()
	if err != nil {
		return m.fail(err, "update contact name: no authenticated session")
	}
	key := contactID
	if ct, ok := m.cache.Get(contactID); ok {
		key = ct.Key
	}
	base := remote.ContactPath(uid, key)
	updates := map[string]any{
		base + "/displayName":  name,
		base + "/isCustomName": custom,
	}
	if err := m.store.MultiWrite(ctx, updates); err != nil {
		return m.fail(remote.AsUnavailable(err), "update contact name: write")
	}
	return nil
}

// FetchAndCreateContact resolves a remote user id to a contact, creating
// the record if needed. A cache hit returns immediately with no remote
// read; this is the fallback path for messages referencing an unknown
// counterpart.
func (m *Manager) FetchAndCreateContact(ctx context.Context, remoteUID string) (Contact, error) {
	if ct, ok := m.cache.Get(remoteUID); ok {
		return ct, nil
	}
	uid, err := m.sess.UID()
	if err != nil {
		return Contact{}, m.fail(err, "fetch contact: no authenticated session")
	}

	var doc userDoc
	err = m.store.GetOnce(ctx, remote.UserPath(remoteUID), &doc)
	if errors.Is(err, remote.ErrNotFound) {
		return Contact{}, m.fail(remote.ErrUserNotFound, fmt.Sprintf("fetch contact: no user %q", remoteUID))
	}
	if err != nil {
		return Contact{}, m.fail(remote.AsUnavailable(err), "fetch contact: read user profile")
	}
	if doc.Email == "" {
		return Contact{}, m.fail(remote.ErrUserHasNoEmail, fmt.Sprintf("fetch contact: user %q has no email", remoteUID))
	}

	name := doc.DisplayName
	if name == "" {
		name = emailLocalPart(doc.Email)
	}
	ct := Contact{
		Key:         remoteUID,
		OwnerID:     uid,
		ContactID:   remoteUID,
		DisplayName: name,
		Email:       doc.Email,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := m.writeAndAnnounce(ctx, ct); err != nil {
		return Contact{}, err
	}
	if got, ok := m.cache.Get(remoteUID); ok {
		return got, nil
	}
	return ct, nil
}

// RemoveContact requests deletion of a cached contact. The cache entry and
// the removal fan-out happen only when the stream's child-removed event
// arrives, keeping the stream the single mutation path.
func (m *Manager) RemoveContact(ctx context.Context, contactID string) error {
	uid, err := m.sess.UID()
	if err != nil {
		return m.fail(err, "remove contact: no authenticated session")
	}
	ct, ok := m.cache.Get(contactID)
	if !ok {
		return m.fail(remote.ErrContactNotFound, fmt.Sprintf("remove contact: %q not cached", contactID))
	}
	if err := m.store.Delete(ctx, remote.ContactPath(uid, ct.Key)); err != nil {
		return m.fail(remote.AsUnavailable(err), "remove contact: delete record")
	}
	return nil
}

// Cleanup cancels the remote subscription, clears the cache and drops any
// in-flight stream events. Safe to call repeatedly.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subCancel != nil {
		m.subCancel()
		m.subCancel = nil
	}
	m.subUID = ""
	m.gen++
	m.cache.Clear()
}

// Contact returns a copy of the cached contact with the given remote user
// id.
func (m *Manager) Contact(contactID string) (Contact, bool) {
	return m.cache.Get(contactID)
}

// ContactByEmail returns a copy of the cached contact with the given email,
// matched case-insensitively.
func (m *Manager) ContactByEmail(email string) (Contact, bool) {
	return m.cache.GetByEmail(email)
}

// Snapshot returns a sorted copy of the cached contact list.
func (m *Manager) Snapshot() []Contact {
	return m.cache.Snapshot()
}

func (m *Manager) pump(ch <-chan remote.ChildEvent, gen int) {
	for evt := range ch {
		m.handleChild(evt, gen)
	}
}

func (m *Manager) handleChild(evt remote.ChildEvent, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	switch evt.Type {
	case remote.ChildAdded, remote.ChildChanged:
		var ct Contact
		if err := json.Unmarshal(evt.Data, &ct); err != nil {
			m.logger.Warn("contact stream: undecodable record", zap.String("key", evt.Key), zap.Error(err))
			return
		}
		ct.Key = evt.Key
		_, known := m.cache.Get(ct.ContactID)
		m.cache.Put(ct)
		switch {
		case evt.Type == remote.ChildAdded && !known:
			m.publish(bus.ContactAdded, ct)
		case evt.Type == remote.ChildChanged:
			m.publishLoaded()
		}
	case remote.ChildRemoved:
		if ct, ok := m.cache.Remove(evt.Key); ok {
			m.publish(bus.ContactRemoved, ct)
		}
	}
}

func (m *Manager) publish(kind string, ct Contact) {
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: ct})
}

func (m *Manager) publishLoaded() {
	m.bus.Publish(bus.Event{Kind: bus.ContactLoaded, Timestamp: time.Now(), Payload: m.cache.Snapshot()})
}

func (m *Manager) fail(kind error, msg string) error {
	m.logger.Warn(msg, zap.Error(kind))
	m.bus.Publish(bus.Event{
		Kind:      bus.ContactFailed,
		Timestamp: time.Now(),
		Payload:   bus.Failure{Err: kind, Message: msg},
	})
	return fmt.Errorf("%s: %w", msg, kind)
}

// firstMatch picks the match with the lowest key so duplicate-email
// directories resolve deterministically.
func firstMatch(matches map[string]userDoc) (string, userDoc) {
	keys := make([]string, 0, len(matches))
	for k := range matches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0], matches[keys[0]]
}
