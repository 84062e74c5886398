package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// tempRoot holds one temp directory per host, inside the output root so a
// rename into place never crosses a filesystem.
const tempRoot = ".tmp"

// LocalStore implements ArtifactStore on a local directory tree. Artifacts are
// written to a temp file under {root}/.tmp/{host}, fsynced and renamed into
// place, so a crash never leaves a truncated file under a final name.
type LocalStore struct {
	root    string
	tempDir string
}

// NewLocalStore creates a store rooted at root for this host.
func NewLocalStore(root string) (*LocalStore, error) {
	host, _ := os.Hostname()
	return NewLocalStoreForHost(root, host)
}

// NewLocalStoreForHost creates a store rooted at root whose temp files live in
// a directory owned by host. Hosts sharing an output root never touch each
// other's temp files.
func NewLocalStoreForHost(root, host string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("local store root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output root: %w", err)
	}
	host = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, strings.TrimSpace(host))
	if host == "" || host == "." || host == ".." {
		host = "local"
	}
	tempDir := filepath.Join(abs, tempRoot, host)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output root: %w", err)
	}
	return &LocalStore{root: abs, tempDir: tempDir}, nil
}

// Root returns the absolute output root.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) pathFor(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "\\") || strings.HasPrefix(clean, "/"+tempRoot+"/") || clean == "/"+tempRoot {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// Put writes reader to key atomically. A size >= 0 is checked against the
// bytes actually written.
func (s *LocalStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	dest, err := s.pathFor(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp := filepath.Join(s.tempDir, filepath.Base(dest)+"."+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmp)
		}
	}()

	n, err := io.Copy(f, reader)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("short write for %s: wrote %d of %d bytes", key, n, size)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		committed = true
		return fmt.Errorf("failed to move %s into place: %w", key, err)
	}
	committed = true
	return syncDir(dir)
}

// syncDir makes the rename durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return nil
}

// Open opens the artifact at key.
func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Location returns the artifact's absolute path.
func (s *LocalStore) Location(key string) string {
	p, err := s.pathFor(key)
	if err != nil {
		return ""
	}
	return p
}

// Delete removes key. A missing artifact is not an error.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Exists checks whether key has been written.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// TempDir returns this host's temp directory.
func (s *LocalStore) TempDir() string {
	return s.tempDir
}

// CleanTemp removes this host's temp files left behind by writes interrupted
// by a crash. Only the host's own temp directory is read; the artifact tree
// and other hosts' temp files are not touched. It must only run while no
// writer of this host is active.
func (s *LocalStore) CleanTemp() (int, error) {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read temp dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.tempDir, e.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
