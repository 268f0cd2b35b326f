// Package config loads and persists the server settings file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerlink/transfer"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerlink"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "PEERLINK_DATA_DIR"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Defaults for the transfer tunables.
const (
	DefaultSocketBufferSize             = 64 * 1024
	DefaultSocketTimeoutMs              = 5000
	DefaultListenBacklogSize            = 16
	DefaultFileTransferStalledTimeoutMs = 5000
	DefaultTransferUpdateInterval       = 0.01
	DefaultTransferRetryLimit           = 3
	DefaultRetryLimitLockoutMs          = 10 * 60 * 1000
	DefaultLogLevel                     = "info"
)

// ServerConfig contains persistent local-server settings.
type ServerConfig struct {
	ServerID       string `json:"server_id"`
	ServerName     string `json:"server_name"`
	SessionIP      string `json:"session_ip"`
	PublicIP       string `json:"public_ip,omitempty"`
	PortMode       string `json:"port_mode"`
	ListeningPort  int    `json:"listening_port"`
	TransferFolder string `json:"transfer_folder"`

	SocketBufferSize             int     `json:"socket_buffer_size"`
	SocketTimeoutMs              int     `json:"socket_timeout_ms"`
	ListenBacklogSize            int     `json:"listen_backlog_size"`
	FileTransferStalledTimeoutMs int     `json:"file_transfer_stalled_timeout_ms"`
	TransferUpdateInterval       float64 `json:"transfer_update_interval"`
	TransferRetryLimit           int     `json:"transfer_retry_limit"`
	RetryLimitLockoutMs          int     `json:"retry_limit_lockout_ms"`

	AutoAcceptTransfers bool   `json:"auto_accept_transfers"`
	AutoProcessRequests bool   `json:"auto_process_requests"`
	AutoRetryTransfers  bool   `json:"auto_retry_transfers"`
	LogLevel            string `json:"log_level"`
}

// TransferSettings converts the tunables to the transfer controller config.
func (c *ServerConfig) TransferSettings() transfer.Config {
	return transfer.Config{
		BufferSize:      c.SocketBufferSize,
		SocketTimeout:   millis(c.SocketTimeoutMs),
		StallTimeout:    millis(c.FileTransferStalledTimeoutMs),
		UpdateInterval:  c.TransferUpdateInterval,
		RetryLimit:      c.TransferRetryLimit,
		LockoutDuration: millis(c.RetryLimitLockoutMs),
	}
}

// SocketTimeout returns the socket timeout as a duration.
func (c *ServerConfig) SocketTimeout() time.Duration {
	return millis(c.SocketTimeoutMs)
}

// LogrusLevel parses LogLevel, falling back to info.
func (c *ServerConfig) LogrusLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ServerConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*ServerConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
		logrus.WithFields(logrus.Fields{
			"function": "LoadOrCreate",
			"path":     cfgPath,
		}).Info("Created default configuration")

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultServerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "peerlink"
}

func defaultConfig(dataDir string) *ServerConfig {
	cfg := &ServerConfig{
		TransferRetryLimit:  DefaultTransferRetryLimit,
		AutoProcessRequests: true,
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *ServerConfig, dataDir string) bool {
	updated := false

	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
		updated = true
	}

	if cfg.ServerName == "" {
		cfg.ServerName = defaultServerName()
		updated = true
	}

	if cfg.SessionIP == "" {
		cfg.SessionIP = "127.0.0.1"
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.TransferFolder == "" {
		cfg.TransferFolder = filepath.Join(dataDir, "files")
		updated = true
	}

	updated = defaultInt(&cfg.SocketBufferSize, DefaultSocketBufferSize) || updated
	updated = defaultInt(&cfg.SocketTimeoutMs, DefaultSocketTimeoutMs) || updated
	updated = defaultInt(&cfg.ListenBacklogSize, DefaultListenBacklogSize) || updated
	updated = defaultInt(&cfg.FileTransferStalledTimeoutMs, DefaultFileTransferStalledTimeoutMs) || updated
	updated = defaultInt(&cfg.RetryLimitLockoutMs, DefaultRetryLimitLockoutMs) || updated

	if cfg.TransferUpdateInterval <= 0 || cfg.TransferUpdateInterval > 1 {
		cfg.TransferUpdateInterval = DefaultTransferUpdateInterval
		updated = true
	}
	if cfg.TransferRetryLimit < 0 {
		cfg.TransferRetryLimit = DefaultTransferRetryLimit
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func defaultInt(field *int, value int) bool {
	if *field > 0 {
		return false
	}
	*field = value
	return true
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
