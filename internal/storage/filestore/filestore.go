package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ErrTooLarge is returned by Store when the content exceeds the size limit.
var ErrTooLarge = errors.New("blob exceeds maximum size")

// Blob describes content written by Store.
type Blob struct {
	Path     string // relative to the store base path
	Checksum string // SHA-256, hex
	Size     int64
	Created  bool // false when identical content was already stored
}

// FileStore keeps attachments and large raw messages on disk, addressed by
// the SHA-256 of their content under <base>/<userID>/<aa>/<checksum>.
type FileStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileStore creates a new FileStore and its base directory.
func NewFileStore(basePath string) (*FileStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("basePath cannot be empty")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// Store streams r to disk for the given user. maxSize <= 0 disables the limit.
// Uses atomic write (temp file + rename) to prevent corruption.
func (fs *FileStore) Store(userID int64, r io.Reader, maxSize int64) (*Blob, error) {
	userPath := filepath.Join(fs.basePath, strconv.FormatInt(userID, 10))

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(userPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create user directory: %w", err)
	}

	tempFile, err := os.CreateTemp(userPath, ".tmp_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	// Clean up temp file on error
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	h := sha256.New()
	src := r
	if maxSize > 0 {
		src = io.LimitReader(r, maxSize+1)
	}
	written, err := io.Copy(io.MultiWriter(tempFile, h), src)
	if err != nil {
		return nil, fmt.Errorf("failed to write data: %w", err)
	}
	if maxSize > 0 && written > maxSize {
		return nil, ErrTooLarge
	}

	if err := tempFile.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	closed := tempPath
	tempFile = nil

	checksum := hexSum(h)
	relPath := filepath.Join(strconv.FormatInt(userID, 10), checksum[:2], checksum)
	finalPath := filepath.Join(fs.basePath, relPath)

	if _, err := os.Stat(finalPath); err == nil {
		os.Remove(closed)
		return &Blob{Path: relPath, Checksum: checksum, Size: written}, nil
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		os.Remove(closed)
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.Rename(closed, finalPath); err != nil {
		os.Remove(closed)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return &Blob{Path: relPath, Checksum: checksum, Size: written, Created: true}, nil
}

// Read opens the blob at relPath. Caller is responsible for closing it.
func (fs *FileStore) Read(relPath string) (io.ReadCloser, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	fullPath, err := fs.resolve(relPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s: %w", relPath, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes the blob at relPath. Missing blobs are not an error.
func (fs *FileStore) Delete(relPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fullPath, err := fs.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists reports whether a blob is present at relPath.
func (fs *FileStore) Exists(relPath string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	fullPath, err := fs.resolve(relPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(fullPath)
	return err == nil
}

// TotalSize returns the total size of all stored blobs in bytes.
func (fs *FileStore) TotalSize() (int64, error) {
	return fs.size(fs.basePath)
}

// UserSize returns the total size of one user's blobs.
func (fs *FileStore) UserSize(userID int64) (int64, error) {
	return fs.size(filepath.Join(fs.basePath, strconv.FormatInt(userID, 10)))
}

func (fs *FileStore) size(root string) (int64, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() && !strings.HasPrefix(info.Name(), ".tmp_") {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to calculate size: %w", err)
	}
	return total, nil
}

// CleanupOrphanedFiles removes blobs not present in validPaths, along with
// temp files left behind by interrupted writes. Returns the number of files
// deleted and the bytes freed.
func (fs *FileStore) CleanupOrphanedFiles(validPaths map[string]bool) (int, int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	deletedCount := 0
	var deletedSize int64

	err := filepath.Walk(fs.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(fs.basePath, path)
		if err != nil {
			return err
		}
		if validPaths[relPath] {
			return nil
		}
		size := info.Size()
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to delete orphaned file %s: %w", relPath, err)
		}
		deletedCount++
		deletedSize += size
		return nil
	})
	if err != nil {
		return deletedCount, deletedSize, fmt.Errorf("cleanup failed: %w", err)
	}
	return deletedCount, deletedSize, nil
}

// BasePath returns the base path of the file store
func (fs *FileStore) BasePath() string {
	return fs.basePath
}

func (fs *FileStore) resolve(relPath string) (string, error) {
	// Validate path (prevent directory traversal)
	if relPath == "" || strings.Contains(relPath, "..") || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("invalid path: %q", relPath)
	}
	return filepath.Join(fs.basePath, relPath), nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
