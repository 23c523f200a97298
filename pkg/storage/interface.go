// Package storage provides interfaces for persisting session token bundles.
package storage

import (
	"errors"
	"path/filepath"

	"github.com/d-kuro/identityhttp/pkg/constants"
	"github.com/d-kuro/identityhttp/pkg/types"
)

// CredentialStore defines the interface for storing and retrieving the token
// bundle of a session. The storage format is owned by the implementation.
type CredentialStore interface {
	// LoadTokens loads the stored token bundle.
	// Returns ErrStorageNotFound if nothing is stored.
	LoadTokens() (*types.TokenBundle, error)

	// StoreTokens stores the token bundle, replacing any previous one.
	StoreTokens(tokens *types.TokenBundle) error

	// ClearTokens removes the stored token bundle.
	// This is used during logout operations.
	ClearTokens() error

	// HasTokens checks if a bundle is stored without loading it.
	HasTokens() bool

	// GetStoragePath returns where credentials are stored.
	// This is used for informational purposes and debugging.
	GetStoragePath() string
}

// FileSystemStore implements CredentialStore using a JSON file.
type FileSystemStore struct {
	baseDir string
}

// NewFileSystemStore creates a new filesystem-based credential store.
// If baseDir is empty, it will use the default directory (~/.identityhttp).
func NewFileSystemStore(baseDir string) (*FileSystemStore, error) {
	if baseDir == "" {
		var err error
		baseDir, err = getDefaultStorageDir()
		if err != nil {
			return nil, err
		}
	}

	if err := ensureDir(baseDir); err != nil {
		return nil, err
	}

	return &FileSystemStore{
		baseDir: baseDir,
	}, nil
}

// LoadTokens implements CredentialStore.LoadTokens.
func (fs *FileSystemStore) LoadTokens() (*types.TokenBundle, error) {
	return loadTokensFromFile(fs.getTokenPath())
}

// StoreTokens implements CredentialStore.StoreTokens.
func (fs *FileSystemStore) StoreTokens(tokens *types.TokenBundle) error {
	return storeTokensToFile(fs.getTokenPath(), tokens)
}

// ClearTokens implements CredentialStore.ClearTokens.
func (fs *FileSystemStore) ClearTokens() error {
	return removeFile(fs.getTokenPath())
}

// HasTokens implements CredentialStore.HasTokens.
func (fs *FileSystemStore) HasTokens() bool {
	return fileExists(fs.getTokenPath())
}

// GetStoragePath implements CredentialStore.GetStoragePath.
func (fs *FileSystemStore) GetStoragePath() string {
	return fs.baseDir
}

func (fs *FileSystemStore) getTokenPath() string {
	return filepath.Join(fs.baseDir, constants.TokenFileName)
}

// Sentinel errors for storage operations
var (
	ErrStorageNotFound   = errors.New("storage item not found")
	ErrStorageCorrupted  = errors.New("storage data corrupted")
	ErrStoragePermission = errors.New("storage permission denied")
)
