package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileBackend keeps the draft in a JSON file, replaced atomically on save.
type FileBackend struct {
	Path string

	mu   sync.Mutex
	last []byte
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: strings.TrimSpace(path)}
}

func (b *FileBackend) Load() (*Document, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.last = data
	b.mu.Unlock()
	return &doc, nil
}

func (b *FileBackend) Save(doc *Document) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || doc == nil {
		return nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.Path); err != nil {
		return err
	}
	b.last = data
	return nil
}

// changedOnDisk reports whether the file differs from what this backend last
// read or wrote.
func (b *FileBackend) changedOnDisk() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !bytes.Equal(data, b.last), nil
}

// Watch calls onChange whenever the draft file is modified by someone other
// than this backend. It blocks until ctx is done.
func (b *FileBackend) Watch(ctx context.Context, onChange func(), onError func(error)) error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(b.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			changed, err := b.changedOnDisk()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if changed {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}
