// Package app composes the sync core into a runnable fx application.
package app

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ckoliveira/courier/internal/bus"
	"github.com/ckoliveira/courier/internal/config"
	"github.com/ckoliveira/courier/internal/contacts"
	"github.com/ckoliveira/courier/internal/lock"
	"github.com/ckoliveira/courier/internal/logging"
	"github.com/ckoliveira/courier/internal/messages"
	"github.com/ckoliveira/courier/internal/profile"
	"github.com/ckoliveira/courier/internal/remote"
	"github.com/ckoliveira/courier/internal/remote/memstore"
	"github.com/ckoliveira/courier/internal/remote/rtdb"
	"github.com/ckoliveira/courier/internal/session"
	"github.com/ckoliveira/courier/internal/status"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the sync core, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("courier",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSession,
			provideContactManager,
			provideLoader,
			provideSender,
			provideProfileResolver,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.LogPath, p.Config.SessionUID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.Config.DataDir))
	l, err := lock.Acquire(p.Config.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (remote.Store, error) {
	switch p.Config.Backend {
	case config.BackendRTDB:
		return rtdb.New(context.Background(), rtdb.Options{
			CredentialsFile: p.Config.CredentialsFile,
			DatabaseURL:     p.Config.DatabaseURL,
			PollInterval:    time.Duration(p.Config.PollInterval) * time.Millisecond,
		}, logger)
	default:
		logger.Info("using in-memory store")
		return memstore.New(), nil
	}
}

func provideSession(p Params) *session.Session {
	s := session.New()
	if p.Config.SessionUID != "" {
		s.Set(session.Identity{
			UID:         p.Config.SessionUID,
			Email:       p.Config.SessionEmail,
			DisplayName: p.Config.SessionName,
		})
	}
	return s
}

func provideContactManager(store remote.Store, sess *session.Session, b *bus.Bus, logger *zap.Logger) *contacts.Manager {
	return contacts.NewManager(store, sess, b, logger)
}

func provideLoader(store remote.Store, cm *contacts.Manager, sess *session.Session, b *bus.Bus, logger *zap.Logger) *messages.Loader {
	return messages.NewLoader(store, cm, sess, b, logger)
}

func provideSender(store remote.Store, sess *session.Session, b *bus.Bus, logger *zap.Logger) *messages.SendEngine {
	return messages.NewSendEngine(store, sess, b, logger)
}

func provideProfileResolver(store remote.Store, b *bus.Bus, logger *zap.Logger) *profile.Resolver {
	return profile.NewResolver(store, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, store remote.Store, sess *session.Session, cm *contacts.Manager, pr *profile.Resolver, machine *status.Machine, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ident, ok := sess.Current()
			if !ok {
				logger.Info("no session identity configured, auth required")
				return machine.Transition(status.AuthRequired)
			}
			if err := machine.Transition(status.Connecting); err != nil {
				return err
			}

			if _, err := pr.ResolveMissing(ctx, ident); err != nil {
				logger.Error("profile upsert failed", zap.Error(err))
				_ = machine.Transition(status.Error)
				return err
			}

			_ = machine.Transition(status.Syncing)
			if err := cm.Initialize(ctx); err != nil {
				logger.Error("contact sync failed", zap.Error(err))
				_ = machine.Transition(status.Error)
				return err
			}
			return machine.Transition(status.Ready)
		},
		OnStop: func(ctx context.Context) error {
			if uid, err := sess.UID(); err == nil {
				if err := pr.SetPresence(ctx, uid, false); err != nil {
					logger.Warn("presence off failed", zap.Error(err))
				}
			}
			cm.Cleanup()
			if closer, ok := store.(*rtdb.Store); ok {
				closer.Close()
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing data dir lock", zap.Error(err))
			}
			logger.Info("sync core stopped")
			return nil
		},
	})
}
