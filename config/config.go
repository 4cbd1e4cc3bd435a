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

	"lanxfer/crypto"
	"lanxfer/network"
	"lanxfer/storage"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanxfer"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "LANXFER_DATA_DIR"
	// DefaultTransferPort is the TCP port the transfer listener binds.
	DefaultTransferPort = 40818
	// DefaultTransferTimeoutSeconds bounds each blocking network operation.
	DefaultTransferTimeoutSeconds = 30
	// DefaultMonitorAddress is the loopback address of the event monitor.
	DefaultMonitorAddress = "127.0.0.1:40819"
	// DefaultHistoryRetentionDays is how long finished transfers stay in history.
	DefaultHistoryRetentionDays = 30
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// fallbackDeviceName is used when the host name is unavailable.
	fallbackDeviceName = "lanxfer device"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID                string `json:"device_id"`
	DeviceName              string `json:"device_name"`
	TransferPort            int    `json:"transfer_port"`
	TransferBuffer          int    `json:"transfer_buffer"`
	TransferTimeout         int    `json:"transfer_timeout"`
	TransferDirectory       string `json:"transfer_directory"`
	OverwriteExisting       bool   `json:"overwrite_existing"`
	TLSEnabled              bool   `json:"tls_enabled"`
	TLSCACertificate        string `json:"tls_ca_certificate"`
	TLSCertificate          string `json:"tls_certificate"`
	TLSPrivateKey           string `json:"tls_private_key"`
	TLSPrivateKeyPassphrase string `json:"tls_private_key_passphrase"`
	MonitorAddress          string `json:"monitor_address"`
	HistoryRetentionDays    int    `json:"history_retention_days"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANXFER_DATA_DIR is set, its value is used as an explicit override.
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
		filepath.Join(dataDir, "certs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes config.json through a temporary file and a rename.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config
// and the data directory it lives in.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

// TransferSettings resolves the config into an engine settings snapshot,
// loading TLS material when TLS is enabled.
func (c *DeviceConfig) TransferSettings() (network.Settings, error) {
	settings := network.Settings{
		DeviceName: c.DeviceName,
		BufferSize: c.TransferBuffer,
		Timeout:    time.Duration(c.TransferTimeout) * time.Second,
		Directory:  c.TransferDirectory,
		Overwrite:  c.OverwriteExisting,
	}
	if !c.TLSEnabled {
		return settings, nil
	}

	tlsConfig, err := crypto.BuildTLSConfig(crypto.TLSFiles{
		CACertificate: c.TLSCACertificate,
		Certificate:   c.TLSCertificate,
		PrivateKey:    c.TLSPrivateKey,
		Passphrase:    c.TLSPrivateKeyPassphrase,
	})
	if err != nil {
		return network.Settings{}, fmt.Errorf("load tls material: %w", err)
	}
	settings.TLS = tlsConfig
	return settings, nil
}

// HistoryOptions returns the transfer history maintenance settings.
func (c *DeviceConfig) HistoryOptions() storage.Options {
	return storage.Options{
		Retention: time.Duration(c.HistoryRetentionDays) * 24 * time.Hour,
	}
}

func defaultConfig(dataDir string) *DeviceConfig {
	// An empty monitor address in an existing file disables the monitor.
	cfg := &DeviceConfig{MonitorAddress: DefaultMonitorAddress}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	certsDir := filepath.Join(dataDir, "certs")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.TransferPort <= 0 || cfg.TransferPort > 65535 {
		cfg.TransferPort = DefaultTransferPort
		updated = true
	}

	if cfg.TransferBuffer <= 0 || cfg.TransferBuffer > network.MaxPacketSize {
		cfg.TransferBuffer = network.DefaultBufferSize
		updated = true
	}

	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeoutSeconds
		updated = true
	}

	if cfg.TransferDirectory == "" {
		cfg.TransferDirectory = defaultTransferDirectory(dataDir)
		updated = true
	}

	if cfg.HistoryRetentionDays <= 0 {
		cfg.HistoryRetentionDays = DefaultHistoryRetentionDays
		updated = true
	}

	if cfg.TLSCACertificate == "" {
		cfg.TLSCACertificate = filepath.Join(certsDir, "ca.pem")
		updated = true
	}
	if cfg.TLSCertificate == "" {
		cfg.TLSCertificate = filepath.Join(certsDir, "device.pem")
		updated = true
	}
	if cfg.TLSPrivateKey == "" {
		cfg.TLSPrivateKey = filepath.Join(certsDir, "device.key")
		updated = true
	}

	return updated
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackDeviceName
}

func defaultTransferDirectory(dataDir string) string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, "Downloads")
	}
	return filepath.Join(dataDir, "received")
}
