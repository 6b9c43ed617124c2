package app

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - STASIS_CONFIG_PATH: config file location (default: $XDG_CONFIG_HOME/stasis/client.toml)
//   - STASIS_HOME: base directory for client data (default: $XDG_DATA_HOME/stasis)
func GetDefaults() map[string]string {
	configPath := getConfigPath()
	baseDir := getBaseDir()

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}
}

func getConfigPath() string {
	if path := os.Getenv("STASIS_CONFIG_PATH"); path != "" {
		return path
	}
	return filepath.Join(xdg.ConfigHome, "stasis", "client.toml")
}

func getBaseDir() string {
	if path := os.Getenv("STASIS_HOME"); path != "" {
		return path
	}
	return filepath.Join(xdg.DataHome, "stasis")
}
