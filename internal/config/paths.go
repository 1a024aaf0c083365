package config

import (
	"os"
	"path/filepath"
)

// GetTetherHome returns TETHER_HOME or ~/.tether default
func GetTetherHome() string {
	tetherHome := os.Getenv("TETHER_HOME")
	if tetherHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ".tether"
		}
		return filepath.Join(homeDir, ".tether")
	}
	return ExpandPath(tetherHome)
}

// GetDBPath returns $TETHER_HOME/history.db
func GetDBPath() string {
	return filepath.Join(GetTetherHome(), "history.db")
}

// GetSettingsPath returns $TETHER_HOME/settings.json
func GetSettingsPath() string {
	return filepath.Join(GetTetherHome(), "settings.json")
}

// GetHostKeyPath returns $TETHER_HOME/ssh/id_ed25519
func GetHostKeyPath() string {
	return filepath.Join(GetTetherHome(), "ssh", "id_ed25519")
}

// GetAuthorizedKeysPath returns ~/.ssh/authorized_keys
func GetAuthorizedKeysPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ssh", "authorized_keys")
	}
	return filepath.Join(homeDir, ".ssh", "authorized_keys")
}

// ExpandPath expands ~ to home directory
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			if len(path) == 1 {
				return homeDir
			}
			return filepath.Join(homeDir, path[1:])
		}
	}
	return path
}
