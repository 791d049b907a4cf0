package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// PartialSuffix marks payloads that stopped short of their declared size.
const PartialSuffix = ".partial"

// ErrInvalidName is returned for names that would escape the base directory.
var ErrInvalidName = errors.New("invalid file name")

// LocalStorage implements the Storage interface for the local filesystem.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance, creating basePath if absent.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// BasePath returns the receive directory.
func (s *LocalStorage) BasePath() string {
	return s.basePath
}

// Path returns the final file path for a declared name.
func (s *LocalStorage) Path(name string) string {
	return filepath.Join(s.basePath, name)
}

// Create opens a fresh <base>/<name>.<random>.partial for writing. Every
// call gets its own file, so concurrent transfers of one name never share bytes.
func (s *LocalStorage) Create(name string) (Blob, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.basePath, name+".*"+PartialSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to create partial file for %s: %w", name, err)
	}
	if err := f.Chmod(0644); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to chmod %s: %w", f.Name(), err)
	}
	return &localBlob{file: f, partial: f.Name(), final: s.Path(name)}, nil
}

// Partials lists the partial files left behind for name, oldest first.
func (s *LocalStorage) Partials(name string) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	type partial struct {
		path string
		mod  time.Time
	}
	var found []partial
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, name+".") || !strings.HasSuffix(n, PartialSuffix) {
			continue
		}
		// the random part never contains a dot
		if strings.Contains(strings.TrimSuffix(n[len(name)+1:], PartialSuffix), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, partial{path: filepath.Join(s.basePath, n), mod: info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod.Before(found[j].mod) })

	paths := make([]string, len(found))
	for i, p := range found {
		paths[i] = p.path
	}
	return paths, nil
}

// ValidateName rejects empty names, dot entries and anything with a path separator.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

type localBlob struct {
	file    *os.File
	partial string
	final   string
	written int64
	closed  bool
}

func (b *localBlob) Write(p []byte) (int, error) {
	n, err := b.file.Write(p)
	b.written += int64(n)
	return n, err
}

func (b *localBlob) Written() int64 {
	return b.written
}

func (b *localBlob) close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.file.Sync(); err != nil {
		b.file.Close()
		return fmt.Errorf("failed to sync %s: %w", b.partial, err)
	}
	return b.file.Close()
}

func (b *localBlob) Commit() (string, error) {
	if err := b.close(); err != nil {
		return "", err
	}
	if err := os.Rename(b.partial, b.final); err != nil {
		return "", fmt.Errorf("failed to move %s into place: %w", b.final, err)
	}
	return b.final, nil
}

func (b *localBlob) Abort() (string, error) {
	if err := b.close(); err != nil {
		return b.partial, err
	}
	return b.partial, nil
}
