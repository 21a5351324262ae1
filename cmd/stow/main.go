// Package main provides the stow CLI: list, copy, move and sync artefacts
// across local directories, in-memory trees and S3 buckets.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/stow/internal/config"
	"github.com/fruitsalade/stow/internal/logging"
	"github.com/fruitsalade/stow/internal/metrics"
	"github.com/fruitsalade/stow/pkg/connect"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app carries what every command needs.
type app struct {
	cfg      *config.Config
	resolver *connect.Resolver
	logger   *zap.Logger
	stdout   io.Writer
	stderr   io.Writer
}

// globalFlags are accepted by every command and override the loaded config.
type globalFlags struct {
	logLevel string
	workers  int
	checksum bool
	timeout  time.Duration
}

func (g *globalFlags) register(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&g.logLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVarP(&g.workers, "workers", "w", cfg.Workers, "concurrent file transfers")
	fs.BoolVar(&g.checksum, "checksum", cfg.Checksum, "compare digests when sizes match")
	fs.DurationVar(&g.timeout, "timeout", cfg.Timeout, "per backend call timeout (0 disables)")
}

func (g *globalFlags) apply(cfg *config.Config) {
	cfg.LogLevel = g.logLevel
	cfg.Workers = g.workers
	cfg.Checksum = g.checksum
	cfg.Timeout = g.timeout
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}
	name, args := args[0], args[1:]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage(stdout)
		return exitOK
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "stow: unknown command %q\n\n", name)
		printUsage(stderr)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "stow: %v\n", err)
		return exitFailure
	}

	var global globalFlags
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: stow %s %s\n\n%s\n\nFlags:\n", name, cmd.usage, cmd.summary)
		fs.PrintDefaults()
	}
	global.register(fs, cfg)
	exec := cmd.setup(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() < cmd.minArgs || (cmd.maxArgs >= 0 && fs.NArg() > cmd.maxArgs) {
		fs.Usage()
		return exitUsage
	}
	global.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "stow: %v\n", err)
		return exitUsage
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(stderr, "stow: %v\n", err)
		return exitFailure
	}
	defer logging.Sync()
	logger := logging.L()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	a := &app{
		cfg:      cfg,
		resolver: connect.NewResolver(cfg, logger),
		logger:   logger,
		stdout:   stdout,
		stderr:   stderr,
	}
	defer func() {
		if err := a.resolver.Close(); err != nil {
			logging.Warn("close backends", zap.Error(err))
		}
	}()

	if err := exec(ctx, a, fs.Args()); err != nil {
		reportError(stderr, name, err)
		return exitFailure
	}
	return exitOK
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `stow moves artefacts between storage backends.

Usage: stow <command> [flags] [args]

Locations:
  /path, rel/path, file:///path   local filesystem
  osfs:///path                    local filesystem through go-billy
  mem://name/path                 in-memory tree (lives for one invocation)
  s3://bucket/key                 S3 bucket (S3_ENDPOINT, S3_REGION, S3_ACCESS_KEY, S3_SECRET_KEY)

Commands:
`)
	for _, name := range commandOrder {
		cmd := commands[name]
		fmt.Fprintf(w, "  %-7s %-28s %s\n", name, cmd.usage, cmd.summary)
	}
	fmt.Fprint(w, `
Run "stow <command> --help" for command flags.
Configuration is read from STOW_CONFIG (YAML) and STOW_* environment variables.
`)
}
