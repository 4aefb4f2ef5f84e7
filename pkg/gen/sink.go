package gen

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Sink receives generated sources keyed by file path.
type Sink interface {
	Emit(path string, src []byte) error
	// Read returns an error wrapping fs.ErrNotExist for missing files.
	Read(path string) ([]byte, error)
	Remove(path string) error
	// List returns the paths in dir whose names end in suffix, sorted.
	List(dir, suffix string) ([]string, error)
}

// DirSink writes to the file system.
type DirSink struct{}

// Emit writes src to path through a temporary file and rename so readers
// never observe a partial file.
func (DirSink) Emit(path string, src []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("emit %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(src); err != nil {
		tmp.Close()
		return fmt.Errorf("emit %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("emit %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("emit %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("emit %s: %w", path, err)
	}
	return nil
}

func (DirSink) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (DirSink) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (DirSink) List(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// MemorySink keeps files in memory. It is safe for concurrent use.
type MemorySink struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{files: map[string][]byte{}}
}

func (m *MemorySink) Emit(path string, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filepath.Clean(path)] = slices.Clone(src)
	return nil
}

func (m *MemorySink) Read(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.files[filepath.Clean(path)]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
	}
	return slices.Clone(src), nil
}

func (m *MemorySink) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, filepath.Clean(path))
	return nil
}

func (m *MemorySink) List(dir, suffix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for path := range m.files {
		if filepath.Dir(path) == filepath.Clean(dir) && strings.HasSuffix(path, suffix) {
			out = append(out, path)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Files returns a copy of every stored file.
func (m *MemorySink) Files() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.files))
	for k, v := range m.files {
		out[k] = slices.Clone(v)
	}
	return out
}
