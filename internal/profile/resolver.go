// Package profile maintains the authenticated user's remote profile
// document and fills in missing identity fields with sensible fallbacks.
package profile

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ckoliveira/courier/internal/bus"
	"github.com/ckoliveira/courier/internal/remote"
	"github.com/ckoliveira/courier/internal/session"
)

// Profile is one user document under the users collection. UID is the
// document key and never changes once written.
type Profile struct {
	UID         string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	LastSeen    int64  `json:"lastSeen"`
	Online      bool   `json:"online"`
}

// Resolver upserts profile documents. Concurrent writers are not
// coordinated: the profile is last-writer-wins on purpose, the same way
// presence beacons are.
type Resolver struct {
	store  remote.Store
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewResolver creates a profile resolver. A nil logger is replaced with a
// no-op one.
func NewResolver(store remote.Store, b *bus.Bus, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, bus: b, logger: logger, now: time.Now}
}

// CreateOrUpdate merges the given fields into the stored profile. Non-empty
// arguments win over stored values; empty arguments leave stored values
// alone. Every call stamps LastSeen and marks the user online.
func (r *Resolver) CreateOrUpdate(ctx context.Context, uid, email, displayName string) (Profile, error) {
	if uid == "" {
		return Profile{}, r.fail(remote.ErrUserNotFound, "update profile: empty uid")
	}

	var current Profile
	err := r.store.GetOnce(ctx, remote.UserPath(uid), &current)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return Profile{}, r.fail(remote.AsUnavailable(err), "update profile: read")
	}

	current.UID = uid
	if email != "" {
		current.Email = email
	}
	if displayName != "" {
		current.DisplayName = displayName
	}
	current.LastSeen = r.now().UnixMilli()
	current.Online = true

	if err := r.store.Write(ctx, remote.UserPath(uid), current); err != nil {
		return Profile{}, r.fail(remote.AsUnavailable(err), "update profile: write")
	}

	r.logger.Debug("profile upserted", zap.String("uid", uid))
	r.bus.Publish(bus.Event{Kind: bus.ProfileUpdated, Timestamp: time.Now(), Payload: current})
	return current, nil
}

// ResolveMissing upserts the profile for ident, synthesizing a display name
// when the identity has none: the email local part when the email is
// well-formed, otherwise a generic placeholder.
func (r *Resolver) ResolveMissing(ctx context.Context, ident session.Identity) (Profile, error) {
	name := ident.DisplayName
	if name == "" {
		name = fallbackName(ident.Email)
	}
	return r.CreateOrUpdate(ctx, ident.UID, ident.Email, name)
}

// SetPresence flips the online flag and refreshes LastSeen without touching
// the rest of the document.
func (r *Resolver) SetPresence(ctx context.Context, uid string, online bool) error {
	if uid == "" {
		return r.fail(remote.ErrUserNotFound, "set presence: empty uid")
	}
	base := remote.UserPath(uid)
	err := r.store.MultiWrite(ctx, map[string]any{
		base + "/online":   online,
		base + "/lastSeen": r.now().UnixMilli(),
	})
	if err != nil {
		return r.fail(remote.AsUnavailable(err), "set presence: write")
	}
	return nil
}

func fallbackName(email string) string {
	if addr, err := mail.ParseAddress(email); err == nil && addr.Address == email {
		if i := strings.Index(email, "@"); i > 0 {
			return email[:i]
		}
	}
	return "User"
}

func (r *Resolver) fail(kind error, msg string) error {
	r.logger.Warn(msg, zap.Error(kind))
	r.bus.Publish(bus.Event{
		Kind:      bus.ProfileUpdateFailed,
		Timestamp: time.Now(),
		Payload:   bus.Failure{Err: kind, Message: msg},
	})
	return fmt.Errorf("%s: %w", msg, kind)
}
