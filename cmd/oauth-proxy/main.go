// Package main provides the entry point for the oauth-proxy server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/txn2/oauth-proxy/internal/server"
	"github.com/txn2/oauth-proxy/pkg/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serveOptions struct {
	configPath string
	address    string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "oauth-proxy",
		Short:         "OAuth 2.0 authorization server in front of an upstream API",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "oauth-proxy version %s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server and proxy",
		Long: `Run the authorization server and proxy.

Configuration is read from the optional --config file and then from the
environment (OAUTH2_CLIENT_ID, OAUTH2_CLIENT_SECRET, UPSTREAM_URL, PORT, ...).
Flags override both.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to configuration file")
	cmd.Flags().StringVar(&opts.address, "address", "", "Listen address (overrides PORT and config)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "oauth-proxy version %s\n", server.Version)
		},
	}
}

func runServe(ctx context.Context, opts serveOptions, logOut io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg, opts)

	logger, err := newLogger(logOut, cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

func applyFlagOverrides(cfg *config.Config, opts serveOptions) {
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}
}

func newLogger(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}
