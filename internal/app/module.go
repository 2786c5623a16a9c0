package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"peerchat/internal/archive"
	"peerchat/internal/bus"
	"peerchat/internal/cache"
	"peerchat/internal/channel"
	"peerchat/internal/config"
	"peerchat/internal/lock"
	"peerchat/internal/logging"
	"peerchat/internal/outbox"
	"peerchat/internal/profile"
	"peerchat/internal/session"
	"peerchat/internal/status"
	"peerchat/internal/store"
	intsync "peerchat/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the client core, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("peerchat",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideConfig,
			provideStore,
			provideCache,
			provideChannel,
			provideConversations,
			provideMessages,
			providePipeline,
			provideRecorder,
			provideProfileClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(session.ConfigPath(p.ProfileName))
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.ArchiveDBPath(p.ProfileName)
	db, err := store.Open(dbPath)
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
	logger.Info("archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache(b *bus.Bus) *cache.Cache {
	return cache.New(b)
}

func provideChannel(cfg *config.Config, m *status.Machine, logger *zap.Logger) *channel.Channel {
	return channel.New(channel.Options{
		URL:           cfg.ServerURL,
		AuthKey:       cfg.AuthKey,
		AutoReconnect: !cfg.DisableReconnect,
		ReconnectBase: cfg.ReconnectBase(),
		ReconnectMax:  cfg.ReconnectMax(),
		MaxRetries:    cfg.ReconnectRetries,
	}, m, logger)
}

func provideConversations(p Params, ch *channel.Channel, c *cache.Cache, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Conversations {
	return intsync.NewConversations(ch, c, b, intsync.ConversationsOptions{
		RequestTimeout: cfg.RequestTimeout(),
		PersistActive: func(cid string) error {
			cfg.ActiveConversation = cid
			return config.Save(session.ConfigPath(p.ProfileName), cfg)
		},
	}, logger)
}

func provideMessages(ch *channel.Channel, c *cache.Cache, cfg *config.Config, logger *zap.Logger) *intsync.Messages {
	return intsync.NewMessages(ch, c, intsync.MessagesOptions{
		Window:         cfg.MessageWindow,
		Increment:      cfg.WindowIncrement,
		RequestTimeout: cfg.RequestTimeout(),
	}, logger)
}

func providePipeline(ch *channel.Channel, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *outbox.Pipeline {
	return outbox.New(ch, c, b, logger)
}

func provideRecorder(db *store.DB, b *bus.Bus, logger *zap.Logger) *archive.Recorder {
	return archive.NewRecorder(db, b, logger)
}

func provideProfileClient(cfg *config.Config, logger *zap.Logger) *profile.Client {
	return profile.NewClient(cfg.ServerURL, cfg.AuthKey, logger)
}

func registerLifecycle(lc fx.Lifecycle, ch *channel.Channel, convs *intsync.Conversations, msgs *intsync.Messages, pipe *outbox.Pipeline, recorder *archive.Recorder, lk *lock.Lock, cfg *config.Config, logger *zap.Logger) {
	// Subscriptions registered before a disconnect are stale afterwards, so
	// they are (re)established from scratch around every connect.
	ch.OnConnect(func() {
		convs.Listen()
		msgs.Listen()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
			defer cancel()
			if err := convs.FetchAll(ctx); err != nil {
				logger.Error("initial conversation sync failed", zap.Error(err))
				return
			}
			convs.InformPeers()
			if cid := cfg.ActiveConversation; cid != "" {
				convs.SetActive(cid)
				if err := msgs.Open(ctx, cid); err != nil {
					logger.Warn("restoring active conversation failed",
						zap.String("cid", cid), zap.Error(err))
				}
			}
		}()
	})
	ch.OnDisconnect(func() {
		convs.StopListening()
		msgs.StopListening()
	})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start the archive recorder (subscribes to cache bus events).
			recorder.Start(context.Background())

			// Start the outbound pipeline reconciler.
			pipe.Start()

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
				defer cancel()
				if err := ch.Connect(ctx); err != nil {
					logger.Error("connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			ch.Disconnect()
			pipe.Stop()
			recorder.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
