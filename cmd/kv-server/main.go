package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/loganszeto/linekv/internal/admission"
	"github.com/loganszeto/linekv/internal/config"
	"github.com/loganszeto/linekv/internal/gateway"
	"github.com/loganszeto/linekv/internal/logging"
	"github.com/loganszeto/linekv/internal/server"
	"github.com/loganszeto/linekv/internal/stats"
	"github.com/loganszeto/linekv/internal/store"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "kv-server",
	Short: "in-memory key-value server speaking a line protocol",
	Long: `kv-server keeps keys in memory with optional per-key expiry and serves
them over a newline-terminated text protocol.

Every flag can also be set through the environment as KV_<FLAG>, e.g.
KV_MAX_CONNS=64. Variables in .env and .env.local are loaded first.`,
	SilenceUsage: true,
	PreRunE:      processConfig,
	RunE:         run,
}

func init() {
	config.BindFlags(rootCmd.Flags())
}

func processConfig(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	config.InitEnv(v)
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	c, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	logger, err := logging.New("kv", cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	logger.Info("starting" + cfg.String())

	adm, err := admission.New(cfg.MaxConns)
	if err != nil {
		return err
	}
	st := store.New(store.Options{})
	m := stats.New()
	m.TrackKeys(st.Len)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	srv := server.New(cfg, st, adm, m, logger)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if cfg.HTTPAddr != "" {
		gw := gateway.New(cfg, st, adm, m, logger)
		g.Go(func() error {
			if err := gw.ListenAndServe(gctx); err != nil {
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		})
	}

	if cfg.ReapInterval > 0 {
		reaper := store.NewReaper(st, cfg.ReapInterval, logger.Named("reaper"))
		reaper.OnReap = m.RecordReaped
		g.Go(func() error {
			reaper.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error("server stopped", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
