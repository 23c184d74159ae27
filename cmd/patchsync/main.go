package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/schaermu/patchsync/internal/config"
	"github.com/schaermu/patchsync/internal/fingerprint"
	"github.com/schaermu/patchsync/internal/ignore"
	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/metrics"
	"github.com/schaermu/patchsync/internal/progress"
	"github.com/schaermu/patchsync/internal/scan"
	"github.com/schaermu/patchsync/internal/sync"
	"github.com/schaermu/patchsync/internal/transport"
	"github.com/schaermu/patchsync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool

	// manifest command flags
	manifestOutput   string
	manifestFormat   string
	manifestCompress bool
	manifestVersion  string
	manifestHash     string
	manifestIgnore   []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchsync",
	Short: "Keep a local file tree in sync with a published content pack",
	Long: `patchsync keeps a local directory tree (a game client, a modpack, an asset
bundle) identical to a remote manifest. Only files whose content changed are
downloaded; every download is verified against its hash before it replaces
anything on disk.

It can run as a oneshot sync (via systemd timer) or as a long-running daemon
that syncs whenever the content host sends a signed notification.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time update of the target tree",
	Long: `Sync scans the target tree, fetches the remote manifest, downloads and
verifies every file that differs and then applies all changes in one commit
step. Files that fail are reported and retried on the next run.`,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show installed and available versions and pending changes",
	RunE:  runStatus,
}

var manifestCmd = &cobra.Command{
	Use:   "manifest <dir>",
	Short: "Generate a manifest for a directory",
	Long: `Manifest scans a directory and writes a manifest describing it, ready to be
published next to the content. The output format follows the file extension
of --output (.json, .yaml, optionally with .zst) unless --format is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runManifest,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the notification server",
	Long: `Serve performs an initial sync and then starts a long-running HTTP server
that accepts HMAC-signed notifications from the content host and triggers a
sync for each of them. Bursts of notifications are debounced.

The server uses a socket passed by systemd socket activation if present.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "patchsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/patchsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Manifest command flags
	manifestCmd.Flags().StringVarP(&manifestOutput, "output", "o", "", "write the manifest to this file instead of stdout")
	manifestCmd.Flags().StringVar(&manifestFormat, "format", "", "output format (json, yaml)")
	manifestCmd.Flags().BoolVar(&manifestCompress, "compress", false, "compress the output with zstd")
	manifestCmd.Flags().StringVar(&manifestVersion, "release", "", "semantic version label to embed")
	manifestCmd.Flags().StringVar(&manifestHash, "hash", string(fingerprint.Default), "hash algorithm")
	manifestCmd.Flags().StringArrayVar(&manifestIgnore, "ignore", nil, "ignore pattern (repeatable)")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	t, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}
	if !dryRun {
		if err := ensureTargetRoot(cfg); err != nil {
			return err
		}
	}
	recorder := metrics.New()
	sink := progress.Multi(progress.NewLog(logger, 5*time.Second), recorder)

	engine := sync.NewEngine(cfg, targetFor(cfg), t, logger, dryRun)

	logger.Info("starting sync operation")
	sess, err := engine.Run(ctx, sink)
	writeMetrics(cfg, recorder, logger)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	if sess.State == sync.CompletedWithErrors {
		return fmt.Errorf("sync completed with %d failed paths", len(sess.Failed))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	t, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}

	target := targetFor(cfg)
	installed, err := sync.ReadVersion(target, cfg.Paths.VersionFile)
	if err != nil {
		return err
	}

	sess, err := sync.NewEngine(cfg, target, t, logger, true).Run(ctx, nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	counts := sess.Plan.Counts()
	_, _ = fmt.Fprintf(out, "installed: %s\n", orNone(installed))
	_, _ = fmt.Fprintf(out, "available: %s\n", orNone(sess.Remote.Version))
	_, _ = fmt.Fprintf(out, "pending:   %d add, %d replace, %d delete, %d unchanged (%s to download)\n",
		counts[manifest.OpAdd], counts[manifest.OpReplace], counts[manifest.OpDelete], counts[manifest.OpSkip],
		progress.FormatBytes(sess.Plan.TransferBytes()))

	if versionDrift(installed, sess.Remote.Version) < 0 {
		_, _ = fmt.Fprintf(out, "warning: available version %s is older than installed %s\n",
			sess.Remote.Version, installed)
	}
	return nil
}

func runManifest(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	alg, err := fingerprint.Parse(manifestHash)
	if err != nil {
		return err
	}
	if manifestVersion != "" {
		if _, err := semver.NewVersion(manifestVersion); err != nil {
			return fmt.Errorf("invalid release version %q: %w", manifestVersion, err)
		}
	}
	rules, err := ignore.New(manifestIgnore)
	if err != nil {
		return fmt.Errorf("invalid ignore pattern: %w", err)
	}

	format, compress := manifest.FormatJSON, manifestCompress
	if manifestOutput != "" {
		var detected bool
		format, detected = manifest.DetectFormat(manifestOutput)
		compress = compress || detected
	}
	if manifestFormat != "" {
		format = manifest.Format(manifestFormat)
		if format != manifest.FormatJSON && format != manifest.FormatYAML {
			return fmt.Errorf("unsupported format %q", manifestFormat)
		}
	}

	dir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	snap, err := scan.New(osfs.New(dir), alg, rules, logger).Scan(ctx, "")
	if err != nil {
		return err
	}
	snap.Version = manifestVersion
	logger.Info("scanned directory", "dir", dir, "files", snap.Len(), "size", progress.FormatBytes(snap.TotalSize()))

	var out io.Writer = cmd.OutOrStdout()
	if manifestOutput != "" {
		f, err := os.Create(manifestOutput)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	return writeManifest(out, snap, format, compress)
}

func writeManifest(w io.Writer, snap *manifest.Snapshot, format manifest.Format, compress bool) error {
	if !compress {
		return manifest.Encode(w, snap, format)
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := manifest.Encode(zw, snap, format); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return errors.New("serve is not enabled in the configuration")
	}

	t, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}
	if err := ensureTargetRoot(cfg); err != nil {
		return err
	}
	recorder := metrics.New()
	sink := progress.Multi(
		progress.NewLog(logger, 5*time.Second),
		recorder,
		progress.Funcs{OnFinished: func(progress.Summary) { writeMetrics(cfg, recorder, logger) }},
	)

	server, err := webhook.NewServer(cfg, targetFor(cfg), t, sink, logger)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

// buildTransport wires every configured scheme and, with mirrors
// configured, content failover.
func buildTransport(cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	accessKey, secretKey, err := cfg.S3Credentials()
	if err != nil {
		return nil, err
	}
	mux, err := transport.New(transport.Options{
		Timeout:            cfg.Remote.Timeout,
		Headers:            cfg.Remote.Headers,
		InsecureSkipVerify: cfg.Remote.InsecureSkipVerify,
		UserAgent:          "patchsync/" + version,
		S3: transport.S3Options{
			Endpoint:  cfg.Remote.S3.Endpoint,
			Region:    cfg.Remote.S3.Region,
			AccessKey: accessKey,
			SecretKey: secretKey,
			Insecure:  cfg.Remote.S3.Insecure,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up transport: %w", err)
	}
	if len(cfg.Remote.Mirrors) == 0 {
		return mux, nil
	}
	base, err := cfg.ContentBaseURL()
	if err != nil {
		return nil, err
	}
	return transport.NewFailover(mux, base, cfg.Remote.Mirrors, logger), nil
}

func targetFor(cfg *config.Config) sync.Target {
	return sync.Target{FS: osfs.New(cfg.Paths.TargetRoot)}
}

// ensureTargetRoot creates the target tree on first install.
func ensureTargetRoot(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Paths.TargetRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create target root: %w", err)
	}
	return nil
}

func writeMetrics(cfg *config.Config, recorder *metrics.Recorder, logger *slog.Logger) {
	if cfg.Metrics.Textfile == "" {
		return
	}
	if err := recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Warn("failed to write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
	}
}

// versionDrift compares two version labels: negative when available is
// older than installed, positive when newer, zero when equal or when
// either is missing or not semver.
func versionDrift(installed, available string) int {
	if installed == "" || available == "" {
		return 0
	}
	iv, err := semver.NewVersion(installed)
	if err != nil {
		return 0
	}
	av, err := semver.NewVersion(available)
	if err != nil {
		return 0
	}
	return av.Compare(iv)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr so that manifest and status output stay clean
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "patchsync", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"manifest", transport.Redact(cfg.Remote.ManifestURL),
		"mirrors", len(cfg.Remote.Mirrors),
		"target_root", cfg.Paths.TargetRoot,
		"concurrency", cfg.Sync.Concurrency,
		"hash", cfg.Sync.HashAlgorithm)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
