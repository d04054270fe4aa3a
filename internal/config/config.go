// Package config provides configuration management for safedrop.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rescale/safedrop/internal/constants"
)

// Storage backends
const (
	BackendS3    = "s3"
	BackendAzure = "azure"
	BackendLocal = "local"
)

// Conflict handling modes for the CLI (--on-conflict / [upload] on_conflict)
const (
	OnConflictPrompt    = "prompt"
	OnConflictSkip      = "skip"
	OnConflictOverwrite = "overwrite"
	OnConflictAbort     = "abort"
)

// Abandonment policies ([upload] on_abandon)
const (
	OnAbandonDecline = "decline"
	OnAbandonAbort   = "abort"
)

// Proxy modes
const (
	ProxyModeNone   = "no-proxy"
	ProxyModeSystem = "system"
	ProxyModeNTLM   = "ntlm"
	ProxyModeBasic  = "basic"
)

// Config is the full safedrop configuration.
//
// Config file location:
//   - Windows: %USERPROFILE%\.config\safedrop\config
//   - Unix: ~/.config/safedrop/config
//
// INI format:
//
//	[storage]
//	backend = s3
//	prefix = uploads/
//
//	[s3]
//	bucket = my-bucket
//	region = us-east-1
//
//	[upload]
//	max_concurrent = 4
//	on_conflict = prompt
type Config struct {
	Storage StorageConfig
	S3      S3Config
	Azure   AzureConfig
	Local   LocalConfig
	Upload  UploadConfig
	Proxy   ProxyConfig
	Server  ServerConfig
}

// StorageConfig selects the backend.
type StorageConfig struct {
	// Backend is one of "s3", "azure", "local". Default: local
	Backend string `ini:"backend"`

	// Prefix is prepended to every object key.
	Prefix string `ini:"prefix"`
}

// S3Config holds AWS S3 (or S3-compatible) settings.
// Empty credentials fall back to the default AWS credential chain.
type S3Config struct {
	Bucket          string `ini:"bucket"`
	Region          string `ini:"region"`
	Endpoint        string `ini:"endpoint"` // S3-compatible stores (MinIO, Ceph)
	UsePathStyle    bool   `ini:"use_path_style"`
	AccessKeyID     string `ini:"access_key_id"`
	SecretAccessKey string `ini:"secret_access_key"`
	SessionToken    string `ini:"session_token"`
}

// AzureConfig holds Azure Blob settings. Either ContainerURL (with SAS token)
// or ConnectionString + Container must be set.
type AzureConfig struct {
	ContainerURL     string `ini:"container_url"`
	ConnectionString string `ini:"connection_string"`
	Container        string `ini:"container"`
}

// LocalConfig holds the local directory backend settings.
type LocalConfig struct {
	Root string `ini:"root"`
}

// UploadConfig tunes the batch engine.
type UploadConfig struct {
	// MaxConcurrent bounds parallel writes per batch.
	// Minimum: 1, Maximum: 32, Default: 4
	MaxConcurrent int `ini:"max_concurrent"`

	// ProbeConcurrency bounds parallel existence checks per batch.
	// Minimum: 1, Maximum: 128, Default: 16
	ProbeConcurrency int `ini:"probe_concurrency"`

	// ProbeRatePerSec throttles existence checks across the process. 0 disables.
	ProbeRatePerSec float64 `ini:"probe_rate_per_sec"`
	ProbeBurst      float64 `ini:"probe_burst"`

	// OnConflict is the CLI default for --on-conflict.
	OnConflict string `ini:"on_conflict"`

	// OnAbandon decides what happens to a batch whose conflict decision never arrives.
	OnAbandon string `ini:"on_abandon"`
}

// ProxyConfig configures the outbound HTTP transport used by the cloud backends.
type ProxyConfig struct {
	Mode     string `ini:"mode"` // no-proxy, system, ntlm, basic
	Host     string `ini:"host"`
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"-"` // never persisted
	NoProxy  string `ini:"no_proxy"`
}

// ServerConfig configures 'safedrop serve'.
type ServerConfig struct {
	Addr           string `ini:"addr"`
	MaxUploadBytes int64  `ini:"max_upload_bytes"`
}

// Validation errors
var (
	ErrUnknownBackend           = errors.New("storage backend must be one of s3, azure, local")
	ErrMissingBucket            = errors.New("s3 bucket is required")
	ErrMissingAzureTarget       = errors.New("azure container_url or connection_string with container is required")
	ErrMissingLocalRoot         = errors.New("local root directory is required")
	ErrInvalidMaxConcurrent     = fmt.Errorf("max_concurrent must be between %d and %d", constants.MinMaxConcurrent, constants.MaxMaxConcurrent)
	ErrInvalidProbeConcurrency  = fmt.Errorf("probe_concurrency must be between 1 and %d", constants.MaxProbeConcurrency)
	ErrInvalidOnConflict        = errors.New("on_conflict must be one of prompt, skip, overwrite, abort")
	ErrInvalidOnAbandon         = errors.New("on_abandon must be one of decline, abort")
	ErrInvalidProxyMode         = errors.New("proxy mode must be one of no-proxy, system, ntlm, basic")
	ErrInvalidServerUploadLimit = errors.New("server max_upload_bytes must be positive")
)

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: BackendLocal,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Local: LocalConfig{
			Root: defaultLocalRoot(),
		},
		Upload: UploadConfig{
			MaxConcurrent:    constants.DefaultWriteConcurrency,
			ProbeConcurrency: constants.DefaultProbeConcurrency,
			ProbeRatePerSec:  constants.DefaultProbeRatePerSec,
			ProbeBurst:       constants.DefaultProbeBurst,
			OnConflict:       OnConflictPrompt,
			OnAbandon:        OnAbandonDecline,
		},
		Proxy: ProxyConfig{
			Mode: ProxyModeNone,
			Port: 8080,
		},
		Server: ServerConfig{
			Addr:           constants.DefaultServerAddr,
			MaxUploadBytes: constants.DefaultMaxUploadBytes,
		},
	}
}

// Validate checks if the configuration is usable.
// Returns nil if valid, or an error describing what's wrong.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendS3:
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return ErrMissingBucket
		}
	case BackendAzure:
		if strings.TrimSpace(c.Azure.ContainerURL) == "" &&
			(strings.TrimSpace(c.Azure.ConnectionString) == "" || strings.TrimSpace(c.Azure.Container) == "") {
			return ErrMissingAzureTarget
		}
	case BackendLocal:
		if strings.TrimSpace(c.Local.Root) == "" {
			return ErrMissingLocalRoot
		}
	default:
		return ErrUnknownBackend
	}

	if c.Upload.MaxConcurrent < constants.MinMaxConcurrent || c.Upload.MaxConcurrent > constants.MaxMaxConcurrent {
		return ErrInvalidMaxConcurrent
	}
	if c.Upload.ProbeConcurrency < 1 || c.Upload.ProbeConcurrency > constants.MaxProbeConcurrency {
		return ErrInvalidProbeConcurrency
	}

	switch c.Upload.OnConflict {
	case OnConflictPrompt, OnConflictSkip, OnConflictOverwrite, OnConflictAbort:
	default:
		return ErrInvalidOnConflict
	}

	switch c.Upload.OnAbandon {
	case OnAbandonDecline, OnAbandonAbort:
	default:
		return ErrInvalidOnAbandon
	}

	switch strings.ToLower(c.Proxy.Mode) {
	case ProxyModeNone, "", ProxyModeSystem, ProxyModeNTLM, ProxyModeBasic:
	default:
		return ErrInvalidProxyMode
	}

	if c.Server.MaxUploadBytes <= 0 {
		return ErrInvalidServerUploadLimit
	}

	return nil
}

// Masked returns a copy with secrets replaced, for display.
func (c *Config) Masked() *Config {
	m := *c
	m.S3.SecretAccessKey = mask(c.S3.SecretAccessKey)
	m.S3.SessionToken = mask(c.S3.SessionToken)
	m.Azure.ConnectionString = mask(c.Azure.ConnectionString)
	if i := strings.Index(c.Azure.ContainerURL, "?"); i >= 0 {
		m.Azure.ContainerURL = c.Azure.ContainerURL[:i] + "?" + mask(c.Azure.ContainerURL[i+1:])
	}
	m.Proxy.Password = mask(c.Proxy.Password)
	return &m
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", 8)
}

// NeedsProxyPassword returns true if the proxy configuration requires a password
// but one has not been provided. Used by CLI to determine if interactive prompt is needed.
func (p ProxyConfig) NeedsProxyPassword() bool {
	mode := strings.ToLower(p.Mode)
	if mode != ProxyModeBasic && mode != ProxyModeNTLM {
		return false
	}
	return p.User != "" && p.Password == ""
}

// DefaultConfigPath returns the default path for the config file.
// - Windows: %USERPROFILE%\.config\safedrop\config
// - Unix: ~/.config/safedrop/config
func DefaultConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config"), nil
}

func configDir() (string, error) {
	if runtime.GOOS == "windows" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", errors.New("USERPROFILE environment variable not set")
		}
		return filepath.Join(userProfile, ".config", "safedrop"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "safedrop"), nil
}

func defaultLocalRoot() string {
	dir, err := configDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "safedrop-store")
	}
	return filepath.Join(dir, "store")
}
