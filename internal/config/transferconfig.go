// Package config provides configuration management for stagexfer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/ini.v1"

	"github.com/rescale/stagexfer/internal/constants"
)

// EnvPrefix is the prefix of every environment override, e.g. STAGEXFER_PARALLEL.
const EnvPrefix = "STAGEXFER"

// TransferConfig holds the tunables read by the transfer core.
//
// Config file location:
//   - Windows: %APPDATA%\stagexfer\stagexfer.conf
//   - Unix: ~/.config/stagexfer/stagexfer.conf
//
// INI format:
//
//	[transfer]
//	parallel = 4
//	upload_threshold = 67108864
//	upload_part_size = 8388608
//	download_threshold = 5242880
//	download_part_size = 5242880
//	max_file_retries = 2
//	max_bandwidth_mbps = 0
//
//	[network]
//	ca_bundle_file =
//	proxy_mode = system
//	proxy_host =
//	proxy_port = 8080
//	proxy_user =
//	no_proxy = localhost,127.0.0.1
//
// Every value may be overridden by an environment variable named
// STAGEXFER_<TAG>. The CA bundle is resolved separately, see ResolveCABundleFile.
type TransferConfig struct {
	// Parallel is the number of chunk workers per storage client.
	// Capped at the CPU count at runtime. Default: 4
	Parallel int `envconfig:"PARALLEL"`

	// UploadThreshold: payloads above this many bytes use multipart upload
	UploadThreshold int64 `envconfig:"UPLOAD_THRESHOLD"`
	UploadPartSize  int64 `envconfig:"UPLOAD_PART_SIZE"`

	// DownloadThreshold: objects above this many bytes are fetched as ranged parts
	DownloadThreshold int64 `envconfig:"DOWNLOAD_THRESHOLD"`
	DownloadPartSize  int64 `envconfig:"DOWNLOAD_PART_SIZE"`

	// MaxFileRetries is the number of whole-file retries after a failed transfer
	MaxFileRetries int `envconfig:"MAX_FILE_RETRIES"`

	// MaxBandwidthMbps caps part throughput in megabits per second. 0 = unlimited
	MaxBandwidthMbps float64 `envconfig:"MAX_BANDWIDTH_MBPS"`

	// CABundleFile is an explicit PEM bundle for TLS verification
	CABundleFile string `ignored:"true"`

	// Proxy settings. ProxyMode is one of no-proxy, system, basic, ntlm.
	ProxyMode     string `envconfig:"PROXY_MODE"`
	ProxyHost     string `envconfig:"PROXY_HOST"`
	ProxyPort     int    `envconfig:"PROXY_PORT"`
	ProxyUser     string `envconfig:"PROXY_USER"`
	ProxyPassword string `envconfig:"PROXY_PASSWORD"` // never saved to disk
	NoProxy       string `envconfig:"NO_PROXY"`
}

// TransferConfig validation errors
var (
	ErrInvalidParallel  = fmt.Errorf("parallel must be between 1 and %d", constants.AbsoluteMaxParallel)
	ErrInvalidPartSize  = errors.New("part sizes must be positive multiples of 16 bytes")
	ErrInvalidThreshold = errors.New("thresholds must be positive")
	ErrPartTooSmall     = fmt.Errorf("upload_part_size must be at least %d bytes", constants.MinPartSize)
	ErrInvalidRetries   = errors.New("max_file_retries must be between 0 and 10")
	ErrInvalidBandwidth = errors.New("max_bandwidth_mbps must not be negative")
	ErrInvalidProxyMode = errors.New("proxy_mode must be one of no-proxy, system, basic, ntlm")
	ErrMissingProxyHost = errors.New("proxy_host is required for basic and ntlm proxy modes")
)

// DefaultConfigPath returns the default path for the stagexfer.conf file.
func DefaultConfigPath() (string, error) {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", errors.New("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "stagexfer", "stagexfer.conf"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "stagexfer", "stagexfer.conf"), nil
}

// NewTransferConfig creates a TransferConfig with default values.
func NewTransferConfig() *TransferConfig {
	return &TransferConfig{
		Parallel:          constants.DefaultParallel,
		UploadThreshold:   constants.UploadThreshold,
		UploadPartSize:    constants.UploadPartSize,
		DownloadThreshold: constants.DownloadThreshold,
		DownloadPartSize:  constants.DownloadPartSize,
		MaxFileRetries:    constants.DefaultFileRetries,
		ProxyMode:         "system",
		ProxyPort:         8080,
	}
}

// LoadTransferConfig loads configuration from path and applies environment overrides.
// If path is empty, uses the default path.
// A missing file yields the defaults; an unreadable or invalid file is an error.
func LoadTransferConfig(path string) (*TransferConfig, error) {
	cfg := NewTransferConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			path = ""
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.loadFile(path); err != nil {
				return nil, err
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *TransferConfig) loadFile(path string) error {
	iniFile, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	transferSection := iniFile.Section("transfer")
	cfg.Parallel = transferSection.Key("parallel").MustInt(cfg.Parallel)
	cfg.UploadThreshold = transferSection.Key("upload_threshold").MustInt64(cfg.UploadThreshold)
	cfg.UploadPartSize = transferSection.Key("upload_part_size").MustInt64(cfg.UploadPartSize)
	cfg.DownloadThreshold = transferSection.Key("download_threshold").MustInt64(cfg.DownloadThreshold)
	cfg.DownloadPartSize = transferSection.Key("download_part_size").MustInt64(cfg.DownloadPartSize)
	cfg.MaxFileRetries = transferSection.Key("max_file_retries").MustInt(cfg.MaxFileRetries)
	cfg.MaxBandwidthMbps = transferSection.Key("max_bandwidth_mbps").MustFloat64(cfg.MaxBandwidthMbps)

	networkSection := iniFile.Section("network")
	cfg.CABundleFile = networkSection.Key("ca_bundle_file").String()
	cfg.ProxyMode = networkSection.Key("proxy_mode").MustString(cfg.ProxyMode)
	cfg.ProxyHost = networkSection.Key("proxy_host").String()
	cfg.ProxyPort = networkSection.Key("proxy_port").MustInt(cfg.ProxyPort)
	cfg.ProxyUser = networkSection.Key("proxy_user").String()
	cfg.NoProxy = networkSection.Key("no_proxy").String()
	return nil
}

// SaveTransferConfig writes cfg to path, or the default path when empty.
// The proxy password is never written.
func SaveTransferConfig(cfg *TransferConfig, path string) error {
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

	iniFile := ini.Empty()

	transferSection, err := iniFile.NewSection("transfer")
	if err != nil {
		return fmt.Errorf("failed to create transfer section: %w", err)
	}
	transferSection.Key("parallel").SetValue(fmt.Sprintf("%d", cfg.Parallel))
	transferSection.Key("upload_threshold").SetValue(fmt.Sprintf("%d", cfg.UploadThreshold))
	transferSection.Key("upload_part_size").SetValue(fmt.Sprintf("%d", cfg.UploadPartSize))
	transferSection.Key("download_threshold").SetValue(fmt.Sprintf("%d", cfg.DownloadThreshold))
	transferSection.Key("download_part_size").SetValue(fmt.Sprintf("%d", cfg.DownloadPartSize))
	transferSection.Key("max_file_retries").SetValue(fmt.Sprintf("%d", cfg.MaxFileRetries))
	transferSection.Key("max_bandwidth_mbps").SetValue(fmt.Sprintf("%g", cfg.MaxBandwidthMbps))

	networkSection, err := iniFile.NewSection("network")
	if err != nil {
		return fmt.Errorf("failed to create network section: %w", err)
	}
	networkSection.Key("ca_bundle_file").SetValue(cfg.CABundleFile)
	networkSection.Key("proxy_mode").SetValue(cfg.ProxyMode)
	networkSection.Key("proxy_host").SetValue(cfg.ProxyHost)
	networkSection.Key("proxy_port").SetValue(fmt.Sprintf("%d", cfg.ProxyPort))
	networkSection.Key("proxy_user").SetValue(cfg.ProxyUser)
	networkSection.Key("no_proxy").SetValue(cfg.NoProxy)

	// temp file + rename so a crash never leaves a truncated config
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

// Validate checks if the configuration is usable.
func (cfg *TransferConfig) Validate() error {
	if cfg.Parallel < 1 || cfg.Parallel > constants.AbsoluteMaxParallel {
		return ErrInvalidParallel
	}
	if cfg.UploadThreshold <= 0 || cfg.DownloadThreshold <= 0 {
		return ErrInvalidThreshold
	}
	for _, size := range []int64{cfg.UploadPartSize, cfg.DownloadPartSize} {
		if size <= 0 || size%16 != 0 {
			return ErrInvalidPartSize
		}
	}
	if cfg.UploadPartSize < constants.MinPartSize {
		return ErrPartTooSmall
	}
	if cfg.MaxFileRetries < 0 || cfg.MaxFileRetries > 10 {
		return ErrInvalidRetries
	}
	if cfg.MaxBandwidthMbps < 0 {
		return ErrInvalidBandwidth
	}

	switch strings.ToLower(cfg.ProxyMode) {
	case "", "no-proxy", "system":
	case "basic", "ntlm":
		if strings.TrimSpace(cfg.ProxyHost) == "" {
			return ErrMissingProxyHost
		}
	default:
		return ErrInvalidProxyMode
	}
	return nil
}

// MaxBytesPerSecond converts MaxBandwidthMbps to bytes per second.
func (cfg *TransferConfig) MaxBytesPerSecond() int64 {
	if cfg.MaxBandwidthMbps <= 0 {
		return 0
	}
	return int64(cfg.MaxBandwidthMbps * 1_000_000 / 8)
}
