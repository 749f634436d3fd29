package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	// MaxBackups is the number of user config backups kept.
	MaxBackups = 3

	// BackupSuffix precedes the timestamp in backup file names.
	BackupSuffix = ".bak"

	backupTimeLayout = "20060102-150405.000000"

	lockFileName = ".config.lock"
)

// ErrUserConfigExists is returned by WriteUserConfig when a user config is
// present and overwriting was not requested.
var ErrUserConfigExists = errors.New("user config already exists")

// lockUserConfig takes the cross-process lock guarding the user config
// and its backups. The returned func releases it.
func lockUserConfig() (func(), error) {
	dir := GetUserConfigDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	fl := flock.New(filepath.Join(dir, lockFileName))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock user config: %w", err)
	}
	return func() { _ = fl.Unlock() }, nil
}

// BackupUserConfig copies the user config to config.yaml.bak.<timestamp>
// and prunes all but the newest MaxBackups copies. It returns "" when there
// is no user config.
func BackupUserConfig() (string, error) {
	unlock, err := lockUserConfig()
	if err != nil {
		return "", err
	}
	defer unlock()
	return backupUserConfig()
}

func backupUserConfig() (string, error) {
	configPath := GetUserConfigPath()
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config for backup: %w", err)
	}

	backupPath := configPath + BackupSuffix + "." + time.Now().UTC().Format(backupTimeLayout)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	// pruning is best effort
	_ = pruneBackups()
	return backupPath, nil
}

// ListUserConfigBackups returns the user config backups, newest first.
func ListUserConfigBackups() ([]string, error) {
	configPath := GetUserConfigPath()
	dir := filepath.Dir(configPath)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list config directory: %w", err)
	}

	prefix := filepath.Base(configPath) + BackupSuffix + "."
	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, entry.Name()))
		}
	}
	// timestamps sort lexically
	slices.Sort(backups)
	slices.Reverse(backups)
	return backups, nil
}

func pruneBackups() error {
	backups, err := ListUserConfigBackups()
	if err != nil {
		return err
	}
	for _, old := range backups[min(len(backups), MaxBackups):] {
		_ = os.Remove(old)
	}
	return nil
}

// RestoreUserConfig replaces the user config with backupPath after
// backing up the current one.
func RestoreUserConfig(backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}

	var probe Config
	if err := yamlUnmarshal(data, &probe); err != nil {
		return fmt.Errorf("backup %s is not a valid config: %w", backupPath, err)
	}

	unlock, err := lockUserConfig()
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := backupUserConfig(); err != nil {
		return fmt.Errorf("failed to backup current config before restore: %w", err)
	}
	if err := os.WriteFile(GetUserConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write restored config: %w", err)
	}
	return nil
}

// WriteUserConfig writes cfg as the user config. An existing config is
// only replaced when overwrite is set, and is backed up first; the backup
// path is returned ("" when nothing was replaced).
func WriteUserConfig(cfg *Config, overwrite bool) (string, error) {
	unlock, err := lockUserConfig()
	if err != nil {
		return "", err
	}
	defer unlock()

	var backup string
	if UserConfigExists() {
		if !overwrite {
			return "", ErrUserConfigExists
		}
		if backup, err = backupUserConfig(); err != nil {
			return "", err
		}
	}
	if err := cfg.WriteYAML(GetUserConfigPath()); err != nil {
		return backup, err
	}
	return backup, nil
}
