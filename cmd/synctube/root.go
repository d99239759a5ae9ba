package main

import (
	"context"

	"github.com/mossy-p/synctube/config"
	"github.com/mossy-p/synctube/internal/logging"
	"github.com/mossy-p/synctube/internal/playback"
	"github.com/mossy-p/synctube/internal/redis"
	"github.com/mossy-p/synctube/internal/store"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "synctube",
	Short:         "Watch-party server and headless participant",
	Long:          `Synchronized video playback rooms with live peer video. Commands: serve, join.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(joinCmd)
}

// app is what every command needs: configuration, a logger and the
// store-backed playback service.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	rdb   *goredis.Client
	store store.Store
	svc   *playback.Service
}

func setup(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	log.Info("redis connection established", zap.String("host", cfg.Redis.Host), zap.String("port", cfg.Redis.Port))

	st := store.NewRedisStore(rdb, log,
		store.WithTTL(cfg.Sync.RoomTTL),
		store.WithMaxRetries(cfg.Sync.TxMaxRetries),
		store.WithStreamMaxLen(cfg.Sync.SignalRetention),
	)

	return &app{
		cfg:   cfg,
		log:   log,
		rdb:   rdb,
		store: st,
		svc:   playback.NewService(st, log),
	}, nil
}

func (a *app) close() {
	if err := a.rdb.Close(); err != nil {
		a.log.Warn("closing redis", zap.Error(err))
	}
	_ = a.log.Sync()
}
