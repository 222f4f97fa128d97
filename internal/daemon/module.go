// Package daemon composes the session components into a running process:
// logger, config, credential store, backend client, realtime connection and
// the stores fed by it, wired through fx with lifecycle hooks.
package daemon

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/wtfteams/wtfsync/internal/backend"
	"github.com/wtfteams/wtfsync/internal/bus"
	"github.com/wtfteams/wtfsync/internal/config"
	"github.com/wtfteams/wtfsync/internal/credstore"
	"github.com/wtfteams/wtfsync/internal/directory"
	"github.com/wtfteams/wtfsync/internal/lock"
	"github.com/wtfteams/wtfsync/internal/logging"
	"github.com/wtfteams/wtfsync/internal/message"
	"github.com/wtfteams/wtfsync/internal/presence"
	"github.com/wtfteams/wtfsync/internal/profile"
	"github.com/wtfteams/wtfsync/internal/realtime"
	"github.com/wtfteams/wtfsync/internal/status"
	"github.com/wtfteams/wtfsync/internal/transport"
	"github.com/wtfteams/wtfsync/internal/typing"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCredStore,
			provideBackend,
			provideRegistry,
			provideDialer,
			provideConn,
			provideDirectory,
			provideTyping,
			provideSynchronizer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCredStore(p Params, cfg *config.Config, logger *zap.Logger) (*credstore.SQLiteStore, error) {
	dbPath := profile.CredentialDBPath(p.Profile)
	store, err := credstore.Open(dbPath, cfg.Connection.CredentialTimeout())
	if err != nil {
		return nil, err
	}
	result, err := store.Migrate()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("credential store migrated", zap.Uint("version", result.Version))
	} else {
		logger.Info("credential store up to date", zap.Uint("version", result.Version))
	}
	logger.Info("credential store opened", zap.String("path", dbPath))
	return store, nil
}

func provideBackend(cfg *config.Config, store *credstore.SQLiteStore, logger *zap.Logger) *backend.Client {
	token := func() string {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Connection.CredentialTimeout())
		defer cancel()
		t, err := store.GetItem(ctx, credstore.KeyToken)
		if err != nil {
			logger.Warn("token read failed", zap.Error(err))
			return ""
		}
		return t
	}
	return backend.New(cfg.Server.APIURL, token, 0, logger)
}

func provideRegistry(b *bus.Bus, logger *zap.Logger) *presence.Registry {
	return presence.NewRegistry(b, logger)
}

func provideDialer(cfg *config.Config, logger *zap.Logger) transport.Dialer {
	return transport.NewDialer(cfg.Server.SocketURL, cfg.Connection.SendTimeout(), logger)
}

func provideConn(cfg *config.Config, store *credstore.SQLiteStore, dialer transport.Dialer,
	registry *presence.Registry, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *realtime.Conn {
	return realtime.New(cfg, store, dialer, registry, machine, b, logger)
}

func provideDirectory(client *backend.Client, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(client, b, logger)
}

func provideTyping(cfg *config.Config, conn *realtime.Conn, b *bus.Bus, logger *zap.Logger) *typing.Coordinator {
	return typing.NewCoordinator(conn, b, cfg.Typing.Debounce(), cfg.Typing.Expiry(), logger)
}

func provideSynchronizer(client *backend.Client, dir *directory.Directory, conn *realtime.Conn,
	b *bus.Bus, logger *zap.Logger) *message.Synchronizer {
	return message.NewSynchronizer(client, dir, conn, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, store *credstore.SQLiteStore,
	conn *realtime.Conn, coordinator *typing.Coordinator, synchronizer *message.Synchronizer,
	dir *directory.Directory, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Bus consumers first, so nothing inbound is missed.
			coordinator.Start(context.Background())
			synchronizer.Start(context.Background())

			if err := conn.Start(ctx); err != nil {
				switch {
				case errors.Is(err, credstore.ErrCredentialsUnavailable):
					logger.Info("no credentials stored, login required")
				case errors.Is(err, realtime.ErrAuthRejected):
					logger.Warn("stored credentials rejected, login required")
				default:
					return err
				}
				return nil
			}

			self := conn.UserID()
			coordinator.SetSelf(self)
			synchronizer.SetSelf(self)
			dir.SetSelf(self)

			go func() {
				if err := dir.Refresh(context.Background()); err != nil {
					logger.Warn("initial conversation refresh failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			conn.Stop()
			coordinator.Close()
			synchronizer.Stop()
			if err := store.Close(); err != nil {
				logger.Warn("error closing credential store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
