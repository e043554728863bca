// Package keycache stores persistable content keys in a private directory,
// one sealed file per content id.
package keycache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cesargomez89/offlinevault/internal/constants"
	"github.com/cesargomez89/offlinevault/internal/domain"
	"github.com/cesargomez89/offlinevault/internal/storage"
)

var (
	ErrNotCached  = errors.New("key not cached")
	ErrInvalidKey = errors.New("cached key is unreadable")
)

type Cache struct {
	sealer  Sealer
	dir     string
	dirOnce sync.Once
	dirErr  error
}

func New(dir string, sealer Sealer) *Cache {
	return &Cache{dir: dir, sealer: sealer}
}

func (c *Cache) Dir() string {
	return c.dir
}

// Path returns where the key for contentID lives, whether or not it exists.
func (c *Cache) Path(contentID string) (string, error) {
	if err := storage.ValidateName(contentID); err != nil {
		return "", fmt.Errorf("content id: %w", err)
	}
	return filepath.Join(c.dir, contentID+constants.KeyFileSuffix), nil
}

func (c *Cache) Exists(contentID string) bool {
	path, err := c.Path(contentID)
	if err != nil {
		return false
	}
	ok, err := storage.Exists(path)
	return err == nil && ok
}

// Read returns the plain key bytes. A missing file is ErrNotCached; a file
// that cannot be unsealed is ErrInvalidKey.
func (c *Cache) Read(contentID string) ([]byte, error) {
	path, err := c.Path(contentID)
	if err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(path)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", contentID, ErrNotCached)
		}
		return nil, &domain.StorageError{Op: "read key", Path: path, Err: err}
	}

	key, err := c.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", contentID, ErrInvalidKey, err)
	}
	return key, nil
}

// Write seals key and atomically replaces the file for contentID. It
// returns the path written.
func (c *Cache) Write(contentID string, key []byte) (string, error) {
	path, err := c.Path(contentID)
	if err != nil {
		return "", err
	}
	if err := c.ensureDir(); err != nil {
		return "", err
	}

	sealed, err := c.sealer.Seal(key)
	if err != nil {
		return "", fmt.Errorf("sealing key %s: %w", contentID, err)
	}

	if err := storage.WriteFileAtomic(path, sealed, constants.KeyFilePermissions); err != nil {
		return "", &domain.StorageError{Op: "write key", Path: path, Err: err}
	}
	return path, nil
}

func (c *Cache) Remove(contentID string) error {
	path, err := c.Path(contentID)
	if err != nil {
		return err
	}
	if err := storage.RemoveFile(path); err != nil && !storage.IsNotExist(err) {
		return &domain.StorageError{Op: "remove key", Path: path, Err: err}
	}
	return nil
}

// EnsureDir creates the key directory on first use.
func (c *Cache) EnsureDir() error {
	return c.ensureDir()
}

func (c *Cache) ensureDir() error {
	c.dirOnce.Do(func() {
		if err := storage.EnsureDir(c.dir, constants.KeyDirPermissions); err != nil {
			c.dirErr = &domain.StorageError{Op: "create key dir", Path: c.dir, Err: err}
		}
	})
	return c.dirErr
}
