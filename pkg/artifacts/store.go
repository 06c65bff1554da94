// Package artifacts is a content-addressed store for module binaries.
// Blobs are keyed by the same "sha256:<hex>" digest a manifest's checksum
// field carries.
package artifacts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

var ErrNotFound = errors.New("artifacts: not found")

// Store persists module binaries by content digest.
type Store interface {
	// Put stores data and returns its digest. Storing the same bytes twice
	// is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// blobName validates digest and returns the object name it maps to.
func blobName(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, "sha256:")
	if !ok {
		return "", fmt.Errorf("artifacts: invalid digest format: %s", digest)
	}
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("artifacts: invalid digest hex: %s", digest)
	}
	return strings.ToLower(raw) + ".blob", nil
}

// Fetch loads the binary a manifest points at and checks it against the
// manifest checksum.
func Fetch(ctx context.Context, s Store, m manifest.Manifest) ([]byte, error) {
	if m.Checksum == "" {
		return nil, kerr.New(kerr.ManifestInvalid, "artifacts.Fetch", "%s has no checksum to fetch by", m.ModuleID)
	}
	bin, err := s.Get(ctx, m.Checksum)
	if err != nil {
		return nil, err
	}
	if err := m.VerifyChecksum(bin); err != nil {
		return nil, err
	}
	return bin, nil
}

// FileStore keeps blobs as files in one directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	digest := manifest.Checksum(data)
	name, _ := blobName(digest)
	path := filepath.Join(s.baseDir, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(_ context.Context, digest string) ([]byte, error) {
	name, err := blobName(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := os.ReadFile(filepath.Join(s.baseDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	return b, err
}

func (s *FileStore) Exists(_ context.Context, digest string) (bool, error) {
	name, err := blobName(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(filepath.Join(s.baseDir, name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(_ context.Context, digest string) error {
	name, err := blobName(digest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = os.Remove(filepath.Join(s.baseDir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("artifacts: delete: %w", err)
	}
	return nil
}
