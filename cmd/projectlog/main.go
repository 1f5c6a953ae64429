// Package main contains the entrypoint for the projectlog service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/edgard/projectlog/internal/app"
	"github.com/edgard/projectlog/internal/app/tasks"
	"github.com/edgard/projectlog/internal/broker"
	"github.com/edgard/projectlog/internal/chatlog"
	"github.com/edgard/projectlog/internal/config"
	"github.com/edgard/projectlog/internal/database"
	"github.com/edgard/projectlog/internal/export"
	"github.com/edgard/projectlog/internal/logger"
	"github.com/edgard/projectlog/internal/metrics"
	"github.com/edgard/projectlog/internal/presence"
	"github.com/edgard/projectlog/internal/server"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "projectlog",
		Short:         "Per-project conversation log with live streaming",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, stream broker and scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if code := run(ctx, configPath); code != 0 {
				return fmt.Errorf("exited with code %d", code)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			slog.SetDefault(logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON))
			db, err := database.NewDB(dbOptions(cfg))
			if err != nil {
				return err
			}
			database.CloseDB(db)
			return nil
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("projectlog failed", "error", err)
		os.Exit(1)
	}
}

func dbOptions(cfg *config.Config) database.Options {
	return database.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

// run initializes every component (config, logger, db, broker, presence, exporter, server,
// scheduler), runs them until ctx is cancelled and returns an exit code.
func run(ctx context.Context, configPath string) int {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(dbOptions(cfg))
	if err != nil {
		log.Error("Failed to connect to database", "driver", cfg.Database.Driver, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	m := metrics.New()

	var chat *chatlog.Service
	// Replay goes through the service so deleted bodies stay redacted.
	b := broker.New(broker.SourceFunc(func(ctx context.Context, projectID string, afterSeq int64, limit int, includeInternal bool) ([]database.Message, error) {
		return chat.MessagesAfter(ctx, projectID, afterSeq, limit, includeInternal)
	}), broker.Options{
		BufferSize:        cfg.Stream.BufferSize,
		MaxStrikes:        cfg.Stream.MaxStrikes,
		KeepaliveInterval: cfg.Stream.KeepaliveInterval,
		ReplayPageSize:    cfg.Stream.ReplayPageSize,
		InboundRate:       cfg.Stream.InboundRate,
		InboundBurst:      cfg.Stream.InboundBurst,
	}, log, broker.WithMetrics(m))

	publishers := []chatlog.Publisher{b}
	var exporter *export.Exporter
	if cfg.Export.Enabled {
		exportOpts := export.Options{
			Servers:       cfg.Export.Servers,
			Name:          cfg.Export.Name,
			SubjectPrefix: cfg.Export.SubjectPrefix,
			QueueSize:     cfg.Export.QueueSize,
		}
		nc, err := export.Connect(exportOpts, log)
		if err != nil {
			log.Error("Failed to connect to NATS", "servers", cfg.Export.Servers, "error", err)
			return 1
		}
		defer nc.Close()
		exporter = export.New(nc, exportOpts, log, m)
		publishers = append(publishers, exporter)
	}

	chat = chatlog.New(store, chatlog.Options{
		MaxBodyBytes:        cfg.Chat.MaxBodyBytes,
		SubmitRetries:       cfg.Chat.SubmitRetries,
		RetryBackoff:        cfg.Chat.RetryBackoff,
		HistoryDefaultLimit: cfg.Chat.HistoryDefaultLimit,
	}, log, chatlog.WithPublishers(publishers...), chatlog.WithMetrics(m))

	var backend presence.Backend = presence.NewMemoryBackend()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("Error closing redis client", "error", err)
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("Failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
			return 1
		}
		backend = presence.NewRedisBackend(rdb, cfg.Redis.KeyPrefix)
	}
	reg := presence.NewRegistry(backend, b, presence.Options{
		PresenceTTL:       cfg.Presence.PresenceTTL,
		TypingTTL:         cfg.Presence.TypingTTL,
		BroadcastInterval: cfg.Presence.BroadcastInterval,
	}, log, presence.WithMetrics(m))
	defer reg.Close()

	srv := server.New(chat, reg, b, m, server.Options{
		Addr:              cfg.HTTP.Addr,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.HTTP.ShutdownTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		MaxRequestBytes:   int64(cfg.Chat.MaxBodyBytes) * 4,
	}, log)

	taskMap := tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger:   log,
		Store:    store,
		Driver:   cfg.Database.Driver,
		Presence: reg,
	})
	sched, err := app.NewScheduler(log, &cfg.Scheduler, taskMap)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	var exportRunner app.Runner
	if exporter != nil {
		exportRunner = exporter
	}
	if err := app.New(log, srv, sched, exportRunner).Run(ctx); err != nil {
		return 1
	}
	return 0
}
