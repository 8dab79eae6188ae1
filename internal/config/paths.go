package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// LogDirectory returns the directory for stagexfer log files.
//
// Locations:
//   - Windows: %LOCALAPPDATA%\stagexfer\logs
//   - Unix: ~/.config/stagexfer/logs
func LogDirectory() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), "stagexfer-logs")
			}
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "stagexfer", "logs")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "stagexfer-logs")
		}
		return filepath.Join(homeDir, ".config", "stagexfer", "logs")
	}
	return filepath.Join(configDir, "stagexfer", "logs")
}

// DefaultLogFile returns the log file used when --log-file is given without a path.
func DefaultLogFile() string {
	return filepath.Join(LogDirectory(), "stagexfer.log")
}

// EnsureLogDirectory creates the log directory with owner-only permissions.
func EnsureLogDirectory() error {
	return os.MkdirAll(LogDirectory(), 0700)
}
