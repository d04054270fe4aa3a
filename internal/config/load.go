package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Load loads configuration from an INI file.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil // Return defaults if we can't determine path
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	storage := iniFile.Section("storage")
	cfg.Storage.Backend = storage.Key("backend").MustString(cfg.Storage.Backend)
	cfg.Storage.Prefix = storage.Key("prefix").String()

	s3 := iniFile.Section("s3")
	cfg.S3.Bucket = s3.Key("bucket").String()
	cfg.S3.Region = s3.Key("region").MustString(cfg.S3.Region)
	cfg.S3.Endpoint = s3.Key("endpoint").String()
	cfg.S3.UsePathStyle = s3.Key("use_path_style").MustBool(false)
	cfg.S3.AccessKeyID = s3.Key("access_key_id").String()
	cfg.S3.SecretAccessKey = s3.Key("secret_access_key").String()
	cfg.S3.SessionToken = s3.Key("session_token").String()

	azure := iniFile.Section("azure")
	cfg.Azure.ContainerURL = azure.Key("container_url").String()
	cfg.Azure.ConnectionString = azure.Key("connection_string").String()
	cfg.Azure.Container = azure.Key("container").String()

	local := iniFile.Section("local")
	cfg.Local.Root = local.Key("root").MustString(cfg.Local.Root)

	upload := iniFile.Section("upload")
	cfg.Upload.MaxConcurrent = upload.Key("max_concurrent").MustInt(cfg.Upload.MaxConcurrent)
	cfg.Upload.ProbeConcurrency = upload.Key("probe_concurrency").MustInt(cfg.Upload.ProbeConcurrency)
	cfg.Upload.ProbeRatePerSec = upload.Key("probe_rate_per_sec").MustFloat64(cfg.Upload.ProbeRatePerSec)
	cfg.Upload.ProbeBurst = upload.Key("probe_burst").MustFloat64(cfg.Upload.ProbeBurst)
	cfg.Upload.OnConflict = upload.Key("on_conflict").MustString(cfg.Upload.OnConflict)
	cfg.Upload.OnAbandon = upload.Key("on_abandon").MustString(cfg.Upload.OnAbandon)

	proxy := iniFile.Section("proxy")
	cfg.Proxy.Mode = proxy.Key("mode").MustString(cfg.Proxy.Mode)
	cfg.Proxy.Host = proxy.Key("host").String()
	cfg.Proxy.Port = proxy.Key("port").MustInt(cfg.Proxy.Port)
	cfg.Proxy.User = proxy.Key("user").String()
	cfg.Proxy.NoProxy = proxy.Key("no_proxy").String()

	server := iniFile.Section("server")
	cfg.Server.Addr = server.Key("addr").MustString(cfg.Server.Addr)
	cfg.Server.MaxUploadBytes = server.Key("max_upload_bytes").MustInt64(cfg.Server.MaxUploadBytes)

	return cfg, nil
}

// Save writes configuration to an INI file.
// Creates parent directories if they don't exist.
// Cloud credentials are stored in the file (mode 0600); the proxy password never is.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile, err := toINI(cfg)
	if err != nil {
		return err
	}

	// Use temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Write renders cfg in INI form to w. Pass cfg.Masked() for display.
func Write(cfg *Config, w io.Writer) error {
	iniFile, err := toINI(cfg)
	if err != nil {
		return err
	}
	_, err = iniFile.WriteTo(w)
	return err
}

func toINI(cfg *Config) (*ini.File, error) {
	iniFile := ini.Empty()

	sections := []struct {
		name   string
		values [][2]string
	}{
		{"storage", [][2]string{
			{"backend", cfg.Storage.Backend},
			{"prefix", cfg.Storage.Prefix},
		}},
		{"s3", [][2]string{
			{"bucket", cfg.S3.Bucket},
			{"region", cfg.S3.Region},
			{"endpoint", cfg.S3.Endpoint},
			{"use_path_style", strconv.FormatBool(cfg.S3.UsePathStyle)},
			{"access_key_id", cfg.S3.AccessKeyID},
			{"secret_access_key", cfg.S3.SecretAccessKey},
			{"session_token", cfg.S3.SessionToken},
		}},
		{"azure", [][2]string{
			{"container_url", cfg.Azure.ContainerURL},
			{"connection_string", cfg.Azure.ConnectionString},
			{"container", cfg.Azure.Container},
		}},
		{"local", [][2]string{
			{"root", cfg.Local.Root},
		}},
		{"upload", [][2]string{
			{"max_concurrent", strconv.Itoa(cfg.Upload.MaxConcurrent)},
			{"probe_concurrency", strconv.Itoa(cfg.Upload.ProbeConcurrency)},
			{"probe_rate_per_sec", strconv.FormatFloat(cfg.Upload.ProbeRatePerSec, 'f', -1, 64)},
			{"probe_burst", strconv.FormatFloat(cfg.Upload.ProbeBurst, 'f', -1, 64)},
			{"on_conflict", cfg.Upload.OnConflict},
			{"on_abandon", cfg.Upload.OnAbandon},
		}},
		{"proxy", [][2]string{
			{"mode", cfg.Proxy.Mode},
			{"host", cfg.Proxy.Host},
			{"port", strconv.Itoa(cfg.Proxy.Port)},
			{"user", cfg.Proxy.User},
			{"no_proxy", cfg.Proxy.NoProxy},
		}},
		{"server", [][2]string{
			{"addr", cfg.Server.Addr},
			{"max_upload_bytes", strconv.FormatInt(cfg.Server.MaxUploadBytes, 10)},
		}},
	}

	for _, s := range sections {
		section, err := iniFile.NewSection(s.name)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s section: %w", s.name, err)
		}
		for _, kv := range s.values {
			section.Key(kv[0]).SetValue(kv[1])
		}
	}
	return iniFile, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Missing files are ignored; variables already set are kept.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides file settings from the environment.
// Priority (highest to lowest): flags > environment > config file > defaults.
func (c *Config) ApplyEnv() error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}

	setString(&c.Storage.Backend, "SAFEDROP_BACKEND")
	setString(&c.Storage.Prefix, "SAFEDROP_PREFIX")

	setString(&c.S3.Bucket, "SAFEDROP_S3_BUCKET")
	setString(&c.S3.Endpoint, "SAFEDROP_S3_ENDPOINT", "AWS_ENDPOINT_URL_S3", "AWS_ENDPOINT_URL")
	setString(&c.S3.Region, "AWS_REGION", "AWS_DEFAULT_REGION")
	setString(&c.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setString(&c.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setString(&c.S3.SessionToken, "AWS_SESSION_TOKEN")

	setString(&c.Azure.ContainerURL, "SAFEDROP_AZURE_CONTAINER_URL")
	setString(&c.Azure.ConnectionString, "AZURE_STORAGE_CONNECTION_STRING")
	setString(&c.Azure.Container, "SAFEDROP_AZURE_CONTAINER", "AZURE_STORAGE_CONTAINER")

	setString(&c.Local.Root, "SAFEDROP_LOCAL_ROOT")

	setString(&c.Upload.OnConflict, "SAFEDROP_ON_CONFLICT")
	setString(&c.Upload.OnAbandon, "SAFEDROP_ON_ABANDON")
	if v := os.Getenv("SAFEDROP_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SAFEDROP_MAX_CONCURRENT %q: %w", v, err)
		}
		c.Upload.MaxConcurrent = n
	}
	if v := os.Getenv("SAFEDROP_PROBE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SAFEDROP_PROBE_CONCURRENCY %q: %w", v, err)
		}
		c.Upload.ProbeConcurrency = n
	}

	setString(&c.Proxy.Password, "SAFEDROP_PROXY_PASSWORD")
	if envProxy := os.Getenv("HTTPS_PROXY"); envProxy != "" && c.Proxy.Host == "" {
		c.parseProxyURL(envProxy)
	}

	setString(&c.Server.Addr, "SAFEDROP_SERVER_ADDR")

	return nil
}

// parseProxyURL parses a proxy URL from environment variable
func (c *Config) parseProxyURL(proxyURL string) {
	proxyURL = strings.TrimPrefix(proxyURL, "http://")
	proxyURL = strings.TrimPrefix(proxyURL, "https://")
	proxyURL = strings.TrimSuffix(proxyURL, "/")

	parts := strings.Split(proxyURL, ":")
	if len(parts) >= 1 {
		c.Proxy.Host = parts[0]
	}
	if len(parts) >= 2 {
		if port, err := strconv.Atoi(parts[1]); err == nil {
			c.Proxy.Port = port
		}
	}
	if c.Proxy.Host != "" && (c.Proxy.Mode == ProxyModeNone || c.Proxy.Mode == "") {
		c.Proxy.Mode = ProxyModeSystem
	}
}
