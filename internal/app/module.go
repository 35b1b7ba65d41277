// Package app composes the chat client: configuration, logging, the
// conversation store, both ingestion paths (streaming transport and polling
// fallback), the local history cache and the terminal UI.
package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matborges/lojachat/internal/bus"
	"github.com/matborges/lojachat/internal/config"
	"github.com/matborges/lojachat/internal/history"
	"github.com/matborges/lojachat/internal/lock"
	"github.com/matborges/lojachat/internal/logging"
	"github.com/matborges/lojachat/internal/poll"
	"github.com/matborges/lojachat/internal/presence"
	"github.com/matborges/lojachat/internal/profile"
	"github.com/matborges/lojachat/internal/rest"
	"github.com/matborges/lojachat/internal/status"
	"github.com/matborges/lojachat/internal/store"
	"github.com/matborges/lojachat/internal/transport"
	"github.com/matborges/lojachat/internal/tui"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Profile
}

// Module returns the fx module for the chat client, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("lojachat",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideHistory,
			provideREST,
			providePresence,
			provideTransport,
			provideStore,
			providePoller,
			provideTUI,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideHistory(p Params, logger *zap.Logger) (*history.DB, error) {
	dbPath := profile.HistoryDBPath(p.ProfileName)
	db, err := history.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("history cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideREST(p Params) *rest.Client {
	return rest.New(p.Config.ServerURL, p.Config.Token)
}

func providePresence() *presence.Tracker {
	return presence.NewTracker()
}

func provideTransport(p Params, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*transport.Client, error) {
	return transport.New(transport.Config{
		URL:            p.Config.WebSocketURL(),
		Token:          p.Config.Token,
		Machine:        machine,
		Bus:            b,
		Logger:         logger,
		ReconnectDelay: p.Config.ReconnectDelay(),
	})
}

func provideStore(p Params, tc *transport.Client, api *rest.Client, db *history.DB, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(store.Config{
		SelfID:   p.Config.UserID,
		PageSize: p.Config.MessagePageSize(),
		Sender:   tc,
		API:      api,
		Cache:    db,
		Presence: tracker,
		Bus:      b,
		Logger:   logger,
	})
}

func providePoller(p Params, s *store.Store, machine *status.Machine, logger *zap.Logger) *poll.Poller {
	return poll.New(poll.Config{
		Target:   s,
		Machine:  machine,
		Interval: p.Config.PollInterval(),
		Logger:   logger,
	})
}

func provideTUI(p Params, s *store.Store, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *tui.App {
	return tui.New(tui.Config{
		Store:   s,
		Bus:     b,
		Machine: machine,
		Logger:  logger,
		Profile: p.ProfileName,
	})
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, p Params, ui *tui.App, s *store.Store, tc *transport.Client, poller *poll.Poller, db *history.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Seed from the local cache so the first frame is not blank.
			convs, err := db.LoadConversations()
			if err != nil {
				logger.Warn("cache seed failed", zap.Error(err))
			}
			msgs, err := db.LoadAllMessages(p.Config.MessagePageSize())
			if err != nil {
				logger.Warn("cache seed failed", zap.Error(err))
			}
			if len(convs) > 0 || len(msgs) > 0 {
				s.Seed(convs, msgs)
			}

			// Store first: it must be listening before the transport can
			// deliver the first frame.
			s.Start(context.Background())

			go func() {
				if err := tc.Connect(context.Background()); err != nil {
					logger.Error("streaming connection failed", zap.Error(err))
				}
			}()

			poller.Start(context.Background())

			go func() {
				if err := ui.Run(); err != nil {
					logger.Error("ui error", zap.Error(err))
				}
				_ = shutdowner.Shutdown()
			}()

			return nil
		},
		OnStop: func(_ context.Context) error {
			ui.Stop()
			poller.Stop()
			_ = tc.Close()
			s.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing history cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
