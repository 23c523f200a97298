package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/d-kuro/identityhttp/pkg/constants"
	"github.com/d-kuro/identityhttp/pkg/types"
)

// getDefaultStorageDir returns the default directory for storing credentials.
func getDefaultStorageDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, constants.DefaultStorageDir), nil
}

// ensureDir creates the directory if it doesn't exist.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// loadTokensFromFile loads a token bundle from a JSON file.
func loadTokensFromFile(path string) (*types.TokenBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("token file does not exist at %s: %w", path, ErrStorageNotFound)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("failed to read token file at %s: %w", path, ErrStoragePermission)
		}
		return nil, fmt.Errorf("failed to read token file at %s: %w", path, err)
	}

	var tokens types.TokenBundle
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token JSON at %s: %w", path, ErrStorageCorrupted)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return nil, fmt.Errorf("incomplete token bundle at %s: %w", path, ErrStorageCorrupted)
	}

	return &tokens, nil
}

// storeTokensToFile writes the bundle through a temporary file so a crash
// never leaves a half-written token file behind.
func storeTokensToFile(path string, tokens *types.TokenBundle) error {
	if tokens == nil {
		return fmt.Errorf("refusing to store nil token bundle at %s", path)
	}

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokens to JSON for %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := ensureDir(dir); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, constants.FilePermissions); err != nil {
		return fmt.Errorf("failed to write token file at %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move token file into place at %s: %w", path, err)
	}

	return nil
}

// removeFile removes a file.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token file at %s: %w", path, err)
	}
	return nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
