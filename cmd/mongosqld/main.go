// Package main is the entry point for mongosqld.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dot-do/mongosqld/internal/backend"
	"github.com/dot-do/mongosqld/internal/command"
	"github.com/dot-do/mongosqld/internal/config"
	"github.com/dot-do/mongosqld/internal/cursor"
	"github.com/dot-do/mongosqld/internal/dispatch"
	"github.com/dot-do/mongosqld/internal/log"
	"github.com/dot-do/mongosqld/internal/server"
)

var version = "dev"

var cfgFile string

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mongosqld",
		Short:         "A MongoDB-wire-compatible server backed by a relational store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file")
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mongosqld version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var host string
	var port uint32

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mongosqld server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Host = host
			}
			if port != 0 {
				cfg.Port = port
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen address (overrides config)")
	cmd.Flags().Uint32Var(&port, "port", 0, "listen port (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := log.New(cfg.LogLevel, cfg.LogPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := config.EnsureDataDir(afero.NewOsFs(), cfg); err != nil {
		return err
	}

	dbPath := cfg.DataDir + "/mongosqld.db"
	store, err := backend.Open(dbPath, cfg.FacetConcurrency)
	if err != nil {
		return err
	}
	defer store.Close()

	cursors := cursor.NewManager(cfg.IdleCursorTimeout)
	registry := dispatch.NewRegistry()
	cmdServer := command.NewServer(store, cursors)
	cmdServer.Register(registry)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &server.Server{
		Addr:                addr,
		MaxMessageSizeBytes: cfg.MaxMessageSizeBytes,
		Registry:            registry,
		Cursors:             cursors,
		Log:                 logger,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting mongosqld", zap.String("addr", addr), zap.String("dataDir", cfg.DataDir))
	return srv.ListenAndServe(ctx)
}
