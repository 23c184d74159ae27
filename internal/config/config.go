package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/patchsync/internal/fingerprint"
	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/transport"
)

// Defaults applied to unset fields.
const (
	DefaultTimeout         = 7 * time.Second
	DefaultStagingDir      = ".patchsync-staging"
	DefaultVersionFile     = ".patchsync-version"
	DefaultConcurrency     = 4
	DefaultRetryLimit      = 3
	DefaultRetryBackoff    = 500 * time.Millisecond
	DefaultMaxRetryBackoff = 10 * time.Second
	DefaultDebounce        = 2 * time.Second

	maxConcurrency = 64
	maxRetryLimit  = 100
)

// Config represents the complete patchsync configuration
type Config struct {
	Remote  RemoteConfig  `yaml:"remote" toml:"remote"`
	Paths   PathsConfig   `yaml:"paths" toml:"paths"`
	Sync    SyncConfig    `yaml:"sync" toml:"sync"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Serve   ServeConfig   `yaml:"serve" toml:"serve"`
}

// RemoteConfig configures where content comes from
type RemoteConfig struct {
	ManifestURL string `yaml:"manifest_url" toml:"manifest_url"`
	// ContentBaseURL defaults to the directory containing the manifest.
	ContentBaseURL     string            `yaml:"content_base_url" toml:"content_base_url"`
	Mirrors            []string          `yaml:"mirrors" toml:"mirrors"`
	Headers            map[string]string `yaml:"headers" toml:"headers"`
	Timeout            time.Duration     `yaml:"timeout" toml:"timeout"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	S3                 S3Config          `yaml:"s3" toml:"s3"`
}

// S3Config configures the s3:// transport
type S3Config struct {
	Endpoint      string `yaml:"endpoint" toml:"endpoint"`
	Region        string `yaml:"region" toml:"region"`
	AccessKeyFile string `yaml:"access_key_file" toml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file" toml:"secret_key_file"`
	Insecure      bool   `yaml:"insecure" toml:"insecure"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	TargetRoot string `yaml:"target_root" toml:"target_root"`
	// StagingDir and VersionFile are relative to TargetRoot.
	StagingDir  string `yaml:"staging_dir" toml:"staging_dir"`
	VersionFile string `yaml:"version_file" toml:"version_file"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Ignore        []string `yaml:"ignore" toml:"ignore"`
	Force         []string `yaml:"force" toml:"force"`
	Concurrency   int      `yaml:"concurrency" toml:"concurrency"`
	HashAlgorithm string   `yaml:"hash_algorithm" toml:"hash_algorithm"`
	// RetryLimit counts retries after the first attempt; nil means the default.
	RetryLimit      *int          `yaml:"retry_limit" toml:"retry_limit"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff" toml:"max_retry_backoff"`
	RedownloadAll   bool          `yaml:"redownload_all" toml:"redownload_all"`
}

// MetricsConfig configures Prometheus output
type MetricsConfig struct {
	Textfile string `yaml:"textfile" toml:"textfile"`
}

// ServeConfig configures the notification server
type ServeConfig struct {
	Enabled    bool          `yaml:"enabled" toml:"enabled"`
	ListenAddr string        `yaml:"listen_addr" toml:"listen_addr"`
	SecretFile string        `yaml:"secret_file" toml:"secret_file"`
	Debounce   time.Duration `yaml:"debounce" toml:"debounce"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = decodeTOML(data, &cfg)
	} else {
		err = decodeYAML(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.ManifestURL = os.ExpandEnv(c.Remote.ManifestURL)
	c.Remote.ContentBaseURL = os.ExpandEnv(c.Remote.ContentBaseURL)
	for i, m := range c.Remote.Mirrors {
		c.Remote.Mirrors[i] = os.ExpandEnv(m)
	}
	for k, v := range c.Remote.Headers {
		c.Remote.Headers[k] = os.ExpandEnv(v)
	}
	c.Remote.S3.Endpoint = os.ExpandEnv(c.Remote.S3.Endpoint)
	c.Remote.S3.Region = os.ExpandEnv(c.Remote.S3.Region)
	c.Remote.S3.AccessKeyFile = os.ExpandEnv(c.Remote.S3.AccessKeyFile)
	c.Remote.S3.SecretKeyFile = os.ExpandEnv(c.Remote.S3.SecretKeyFile)
	c.Paths.TargetRoot = os.ExpandEnv(c.Paths.TargetRoot)
	c.Paths.StagingDir = os.ExpandEnv(c.Paths.StagingDir)
	c.Paths.VersionFile = os.ExpandEnv(c.Paths.VersionFile)
	c.Metrics.Textfile = os.ExpandEnv(c.Metrics.Textfile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = DefaultTimeout
	}
	if c.Paths.StagingDir == "" {
		c.Paths.StagingDir = DefaultStagingDir
	}
	if c.Paths.VersionFile == "" {
		c.Paths.VersionFile = DefaultVersionFile
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = DefaultConcurrency
	}
	if c.Sync.HashAlgorithm == "" {
		c.Sync.HashAlgorithm = string(fingerprint.Default)
	}
	if c.Sync.RetryLimit == nil {
		n := DefaultRetryLimit
		c.Sync.RetryLimit = &n
	}
	if c.Sync.RetryBackoff == 0 {
		c.Sync.RetryBackoff = DefaultRetryBackoff
	}
	if c.Sync.MaxRetryBackoff == 0 {
		c.Sync.MaxRetryBackoff = DefaultMaxRetryBackoff
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = DefaultDebounce
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Remote.ManifestURL == "" {
		return fmt.Errorf("remote.manifest_url is required")
	}
	if err := c.validateURL("remote.manifest_url", c.Remote.ManifestURL); err != nil {
		return err
	}
	if c.Remote.ContentBaseURL != "" {
		if err := c.validateURL("remote.content_base_url", c.Remote.ContentBaseURL); err != nil {
			return err
		}
	}
	for i, m := range c.Remote.Mirrors {
		if err := c.validateURL(fmt.Sprintf("remote.mirrors[%d]", i), m); err != nil {
			return err
		}
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}

	if c.Paths.TargetRoot == "" {
		return fmt.Errorf("paths.target_root is required")
	}
	if !filepath.IsAbs(c.Paths.TargetRoot) {
		return fmt.Errorf("paths.target_root must be an absolute path: %s", c.Paths.TargetRoot)
	}
	if err := manifest.ValidatePath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir must be relative to the target root: %w", err)
	}
	if err := manifest.ValidatePath(c.Paths.VersionFile); err != nil {
		return fmt.Errorf("paths.version_file must be relative to the target root: %w", err)
	}

	if c.Sync.Concurrency < 1 || c.Sync.Concurrency > maxConcurrency {
		return fmt.Errorf("sync.concurrency must be between 1 and %d, got %d", maxConcurrency, c.Sync.Concurrency)
	}
	if _, err := fingerprint.Parse(c.Sync.HashAlgorithm); err != nil {
		return fmt.Errorf("sync.hash_algorithm: %w", err)
	}
	if r := c.Retries(); r < 0 || r > maxRetryLimit {
		return fmt.Errorf("sync.retry_limit must be between 0 and %d, got %d", maxRetryLimit, r)
	}
	if c.Sync.RetryBackoff < 0 || c.Sync.MaxRetryBackoff < 0 {
		return fmt.Errorf("sync retry backoff durations must not be negative")
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return fmt.Errorf("serve.secret_file is required when serve is enabled")
		}
	}

	return nil
}

var supportedSchemes = map[string]bool{
	"http": true, "https": true, "webdav": true, "webdavs": true, "s3": true,
}

func (c *Config) validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !supportedSchemes[scheme] {
		return fmt.Errorf("%s: unsupported scheme %q (must be http, https, webdav, webdavs or s3)", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", field)
	}
	if scheme == "s3" && c.Remote.S3.Endpoint == "" {
		return fmt.Errorf("%s: s3 urls require remote.s3.endpoint", field)
	}
	return nil
}

// Algorithm returns the configured hash algorithm.
func (c *Config) Algorithm() fingerprint.Algorithm {
	alg, err := fingerprint.Parse(c.Sync.HashAlgorithm)
	if err != nil {
		return fingerprint.Default
	}
	return alg
}

// Retries returns the configured retry limit.
func (c *Config) Retries() int {
	if c.Sync.RetryLimit == nil {
		return DefaultRetryLimit
	}
	return *c.Sync.RetryLimit
}

// ContentBaseURL returns the base URL content paths are resolved against.
func (c *Config) ContentBaseURL() (string, error) {
	if c.Remote.ContentBaseURL != "" {
		return c.Remote.ContentBaseURL, nil
	}
	return transport.BaseURL(c.Remote.ManifestURL)
}

// S3Credentials reads the configured key files. Both are empty for
// anonymous access.
func (c *Config) S3Credentials() (accessKey, secretKey string, err error) {
	if c.Remote.S3.AccessKeyFile != "" {
		if accessKey, err = ReadSecret(c.Remote.S3.AccessKeyFile); err != nil {
			return "", "", fmt.Errorf("failed to read s3 access key: %w", err)
		}
	}
	if c.Remote.S3.SecretKeyFile != "" {
		if secretKey, err = ReadSecret(c.Remote.S3.SecretKeyFile); err != nil {
			return "", "", fmt.Errorf("failed to read s3 secret key: %w", err)
		}
	}
	return accessKey, secretKey, nil
}

// ReadSecret reads a secret from a file, trimming surrounding whitespace.
func ReadSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
