package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type serveOptions struct {
	config string
}

// commandServe builds the "serve" subcommand: one positional
// config-file argument; RunE silences cobra's own usage/error
// printing in favor of the logger.
func commandServe() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Run identityd until terminated",
		Example: "identityd serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.config = args[0]
			return runServe(opts)
		},
	}
	return cmd
}

// runServe loads config, wires the App, and keeps its background
// loops (key rotation, cache sweep) running until SIGINT/SIGTERM. No
// HTTP listener is started here: wiring a transport on top of App's
// methods belongs to the deployment.
func runServe(opts serveOptions) error {
	cfg, err := LoadConfig(opts.config)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app.RunKeyRotation(ctx)
	app.RunCacheSweep(ctx)

	log.WithField("issuer", cfg.Issuer).Info("identityd: wired and ready")
	<-ctx.Done()
	log.Info("identityd: shutting down")
	return nil
}
