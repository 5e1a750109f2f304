package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/backup"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/config"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/notify"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/scheduler"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/server"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/transport/telegram"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram transport, admin server, maintenance and rules watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	cfg, log := c.cfg, c.logger

	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}()

	a, err := buildApp(cfg, store, log)
	if err != nil {
		return err
	}

	// Workers outlive the signal so replies still in flight get persisted.
	if err := a.persister.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start persister: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Persistence.ShutdownTimeout+time.Second)
		defer cancel()
		if err := a.persister.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("persister shutdown incomplete")
		}
	}()

	if cfg.RulesFile != "" {
		watcher := notify.NewRulesWatcher(cfg.RulesFile, a.classifier, a.extractor, log)
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("rules file not applied, using built-in rules")
		}
		defer watcher.Stop()
	}

	var maint *scheduler.Maintenance
	if cfg.Maintenance.Schedule != "" {
		maint, err = scheduler.New(store, cfg.Storage.RetentionPolicy(), cfg.Maintenance.Schedule, log)
		if err != nil {
			return err
		}
		if cfg.Maintenance.Backup.Dir != "" {
			snaps, err := backup.New(cfg.Storage.DSN, cfg.Maintenance.Backup, log)
			if err != nil {
				return err
			}
			maint.WithSnapshots(snaps)
		}
		if err := maint.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = maint.Stop(stopCtx)
		}()
	}

	var serverDone <-chan error
	if cfg.Server.Port != 0 {
		opts := server.Options{
			Store:             store,
			Clearer:           a.pipeline,
			Queue:             a.persister,
			Breakers:          a.breakers,
			RequireAuth:       cfg.Server.SecurityMode == config.SecurityProduction,
			APIToken:          cfg.Server.APIToken,
			RequestsPerSecond: cfg.Server.RequestsPerSecond,
			Burst:             cfg.Server.Burst,
		}
		if maint != nil {
			opts.Maintenance = maint
		}
		srv, err := server.New(opts, log)
		if err != nil {
			return err
		}
		if _, serverDone, err = srv.Start(ctx, cfg.Server.Addr()); err != nil {
			return err
		}
	}

	if cfg.Telegram.Token == "" {
		log.Warn().Msg("telegram token not configured, transport disabled")
		<-ctx.Done()
	} else {
		bot, err := telegram.Connect(cfg.Telegram.Token, nil)
		if err != nil {
			return err
		}
		log.Info().Str("bot", bot.Self.UserName).Msg("telegram authorized")
		tr := telegram.New(bot, a.pipeline, telegram.Config{
			PollTimeout:     cfg.Telegram.PollTimeout,
			MaxDocumentSize: maxAttachmentBytes,
		}, log)
		if err := tr.Run(ctx); err != nil {
			return err
		}
	}

	log.Info().Msg("shutting down")
	if serverDone != nil {
		if err := <-serverDone; err != nil {
			log.Warn().Err(err).Msg("admin server error")
		}
	}
	return nil
}
