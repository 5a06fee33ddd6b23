package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiskStore keeps each blob as one file under root. Blob names are flat, so
// the directory has no nesting.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: strings.TrimSpace(root)}
}

func (s *DiskStore) Put(_ context.Context, name string, content []byte) error {
	fullPath, err := s.pathFor(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	// each writer gets its own temp file so concurrent puts of one name
	// never interleave
	f, err := os.CreateTemp(s.root, filepath.Base(fullPath)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *DiskStore) Get(_ context.Context, name string) ([]byte, error) {
	fullPath, err := s.pathFor(name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return raw, err
}

func (s *DiskStore) GetURL(_ context.Context, _ string) (string, error) {
	return "", nil
}

func (s *DiskStore) List(_ context.Context, prefix string) ([]string, error) {
	if s == nil || s.root == "" {
		return nil, fmt.Errorf("root is required")
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *DiskStore) Delete(_ context.Context, name string) error {
	fullPath, err := s.pathFor(name)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *DiskStore) pathFor(name string) (string, error) {
	if s == nil || s.root == "" {
		return "", fmt.Errorf("root is required")
	}
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid name: %s", name)
	}
	return filepath.Join(s.root, name), nil
}
