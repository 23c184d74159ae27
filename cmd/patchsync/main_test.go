package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/schaermu/patchsync/internal/config"
	"github.com/schaermu/patchsync/internal/fingerprint"
	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/testutil"
)

// execute runs the root command with fresh flag state.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	origCfgFile, origLevel, origFormat := cfgFile, logLevel, logFormat
	t.Cleanup(func() {
		cfgFile, logLevel, logFormat = origCfgFile, origLevel, origFormat
		dryRun = false
		manifestOutput, manifestFormat, manifestCompress = "", "", false
		manifestVersion, manifestHash, manifestIgnore = "", string(fingerprint.Default), nil
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	dryRun = false
	manifestOutput, manifestFormat, manifestCompress = "", "", false
	manifestVersion, manifestHash, manifestIgnore = "", string(fingerprint.Default), nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, manifestURL, targetRoot, extra string) string {
	t.Helper()
	content := `remote:
  manifest_url: "` + manifestURL + `"
paths:
  target_root: "` + targetRoot + `"
sync:
  concurrency: 2
  retry_limit: 1
  retry_backoff: 1ms
  max_retry_backoff: 5ms
` + extra
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
		want      slog.Level
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text", want: slog.LevelDebug},
		{name: "info/json", logLevel: "info", logFormat: "json", want: slog.LevelInfo},
		{name: "warn/text", logLevel: "warn", logFormat: "text", want: slog.LevelWarn},
		{name: "error/text", logLevel: "error", logFormat: "text", want: slog.LevelError},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text", want: slog.LevelInfo},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
			if !logger.Enabled(t.Context(), tc.want) {
				t.Errorf("expected level %v to be enabled", tc.want)
			}
			if tc.want > slog.LevelDebug && logger.Enabled(t.Context(), tc.want-4) {
				t.Errorf("expected level below %v to be disabled", tc.want)
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	targetRoot := filepath.Join(t.TempDir(), "game")
	cfgFile = writeConfig(t, "https://cdn.example.com/pack/manifest.json", targetRoot, "")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg, err := loadConfig(logger)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Paths.TargetRoot != targetRoot {
		t.Errorf("expected target root %q, got %q", targetRoot, cfg.Paths.TargetRoot)
	}
	if cfg.Paths.StagingDir != config.DefaultStagingDir {
		t.Errorf("expected default staging dir, got %q", cfg.Paths.StagingDir)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := loadConfig(logger)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	_, err := loadConfig(logger)
	// Expect error because the default config file doesn't exist
	if err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version returned error: %v", err)
	}
	if !strings.HasPrefix(out, "patchsync dev\n") {
		t.Errorf("unexpected version output: %q", out)
	}
}

func TestVersionDrift(t *testing.T) {
	tests := []struct {
		installed, available string
		want                 int
	}{
		{"", "1.0.0", 0},
		{"1.0.0", "", 0},
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.1.0", 1},
		{"1.10.0", "1.9.0", -1},
		{"v2.0.0", "1.99.0", -1},
		{"garbage", "1.0.0", 0},
	}
	for _, tt := range tests {
		if got := versionDrift(tt.installed, tt.available); got != tt.want {
			t.Errorf("versionDrift(%q, %q) = %d, want %d", tt.installed, tt.available, got, tt.want)
		}
	}
}

func TestSyncCmd(t *testing.T) {
	files := map[string]string{"a.txt": "one", "mods/b.jar": "two"}
	pack := testutil.NewPack(t, "1.0.0", files)

	targetRoot := filepath.Join(t.TempDir(), "game")
	testutil.WriteTree(t, targetRoot, map[string]string{"stale.txt": "old"})
	textfile := filepath.Join(t.TempDir(), "patchsync.prom")
	cfgPath := writeConfig(t, pack.ManifestURL(), targetRoot, "metrics:\n  textfile: \""+textfile+"\"\n")

	if _, err := execute(t, "--config", cfgPath, "sync"); err != nil {
		t.Fatalf("sync returned error: %v", err)
	}

	got := testutil.ReadTree(t, targetRoot)
	want := map[string]string{"a.txt": "one", "mods/b.jar": "two", config.DefaultVersionFile: "1.0.0\n"}
	if len(got) != len(want) {
		t.Fatalf("unexpected tree after sync: %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("file %s = %q, want %q", k, got[k], v)
		}
	}

	prom, err := os.ReadFile(textfile)
	if err != nil {
		t.Fatalf("metrics textfile not written: %v", err)
	}
	if !strings.Contains(string(prom), `patchsync_sessions_total{state="Completed"} 1`) {
		t.Errorf("unexpected metrics:\n%s", prom)
	}
}

func TestSyncCmd_DryRun(t *testing.T) {
	pack := testutil.NewPack(t, "", map[string]string{"a.txt": "one"})
	targetRoot := t.TempDir()
	cfgPath := writeConfig(t, pack.ManifestURL(), targetRoot, "")

	if _, err := execute(t, "--config", cfgPath, "sync", "--dry-run"); err != nil {
		t.Fatalf("sync --dry-run returned error: %v", err)
	}
	if got := testutil.ReadTree(t, targetRoot); len(got) != 0 {
		t.Errorf("dry run changed the target: %v", got)
	}
	if reqs := pack.Requests(); len(reqs) != 0 {
		t.Errorf("dry run downloaded content: %v", reqs)
	}
}

func TestSyncCmd_PartialFailure(t *testing.T) {
	pack := testutil.NewPack(t, "", map[string]string{"a.txt": "one", "b.txt": "two"})
	pack.Fail("b.txt", 10)
	targetRoot := t.TempDir()
	cfgPath := writeConfig(t, pack.ManifestURL(), targetRoot, "")

	_, err := execute(t, "--config", cfgPath, "sync")
	if err == nil || !strings.Contains(err.Error(), "1 failed paths") {
		t.Fatalf("expected partial failure error, got %v", err)
	}
	if got := testutil.ReadTree(t, targetRoot); got["a.txt"] != "one" || len(got) != 1 {
		t.Errorf("unexpected tree after partial failure: %v", got)
	}
}

func TestStatusCmd(t *testing.T) {
	pack := testutil.NewPack(t, "1.0.0", map[string]string{"a.txt": "one", "b.txt": "two"})
	targetRoot := t.TempDir()
	testutil.WriteTree(t, targetRoot, map[string]string{
		"a.txt":                   "one",
		"c.txt":                   "three",
		config.DefaultVersionFile: "1.2.0\n",
	})
	cfgPath := writeConfig(t, pack.ManifestURL(), targetRoot, "")

	out, err := execute(t, "--config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status returned error: %v", err)
	}
	for _, want := range []string{
		"installed: 1.2.0",
		"available: 1.0.0",
		"1 add, 0 replace, 1 delete, 1 unchanged (3 B to download)",
		"warning: available version 1.0.0 is older than installed 1.2.0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestManifestCmd(t *testing.T) {
	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"a.txt":          "one",
		"mods/b.jar":     "two",
		"logs/debug.log": "noise",
	})

	out := filepath.Join(t.TempDir(), "manifest.yaml")
	if _, err := execute(t, "manifest", src, "-o", out, "--release", "2.1.0", "--ignore", "logs/"); err != nil {
		t.Fatalf("manifest returned error: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	snap, err := manifest.Parse(data, manifest.FormatYAML, fingerprint.SHA256, out)
	if err != nil {
		t.Fatalf("generated manifest does not parse: %v", err)
	}
	if snap.Version != "2.1.0" {
		t.Errorf("expected version 2.1.0, got %q", snap.Version)
	}
	if got := snap.Paths(); len(got) != 2 || got[0] != "a.txt" || got[1] != "mods/b.jar" {
		t.Errorf("unexpected manifest paths: %v", got)
	}
}

func TestManifestCmd_Compressed(t *testing.T) {
	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{"a.txt": "one"})

	out := filepath.Join(t.TempDir(), "manifest.json.zst")
	if _, err := execute(t, "manifest", src, "-o", out, "--hash", "blake2b"); err != nil {
		t.Fatalf("manifest returned error: %v", err)
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		t.Fatalf("output is not zstd compressed: %v", err)
	}
	if _, err := manifest.Parse(data, manifest.FormatJSON, fingerprint.BLAKE2b, out); err != nil {
		t.Fatalf("generated manifest does not parse: %v", err)
	}
}

func TestManifestCmd_InvalidRelease(t *testing.T) {
	if _, err := execute(t, "manifest", t.TempDir(), "--release", "not-a-version"); err == nil {
		t.Fatal("expected error for invalid release version")
	}
}

func TestServeCmd_Disabled(t *testing.T) {
	cfgPath := writeConfig(t, "https://cdn.example.com/pack/manifest.json", t.TempDir(), "")
	_, err := execute(t, "--config", cfgPath, "serve")
	if err == nil || !strings.Contains(err.Error(), "not enabled") {
		t.Fatalf("expected serve disabled error, got %v", err)
	}
}
