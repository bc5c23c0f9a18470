/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const metadataSuffix = ".checkpoint"

// Storage is the checkpoint-storage collaborator contract: read and
// write metadata blobs by token, purge a token, list what exists.
type Storage interface {
	ReadMetadata(ctx context.Context, token uuid.UUID) ([]byte, error)
	WriteMetadata(ctx context.Context, token uuid.UUID, data []byte) error
	Purge(ctx context.Context, token uuid.UUID) error
	List(ctx context.Context) ([]uuid.UUID, error)
}

// FileStorage persists checkpoint metadata and snapshot files under a
// single directory, committing each metadata write via write-then-rename
// so a reader never observes a partially written file.
type FileStorage struct {
	dir string
}

// NewFileStorage creates (if necessary) dir and returns a FileStorage
// rooted there.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create storage dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) path(token uuid.UUID) string {
	return filepath.Join(s.dir, token.String()+metadataSuffix)
}

// SnapshotPath returns the path an index snapshot for token should be
// written to; it is not itself part of the Storage contract since snapshot
// bytes are opaque to recovery until the metadata's IndexSnapshotRef names
// the file to load.
func (s *FileStorage) SnapshotPath(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *FileStorage) ReadMetadata(ctx context.Context, token uuid.UUID) ([]byte, error) {
	return os.ReadFile(s.path(token))
}

func (s *FileStorage) WriteMetadata(ctx context.Context, token uuid.UUID, data []byte) error {
	final := s.path(token)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write temp metadata: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("checkpoint: commit metadata: %w", err)
	}
	return nil
}

func (s *FileStorage) Purge(ctx context.Context, token uuid.UUID) error {
	err := os.Remove(s.path(token))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStorage) List(ctx context.Context) ([]uuid.UUID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var tokens []uuid.UUID
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metadataSuffix) {
			continue
		}
		raw := strings.TrimSuffix(e.Name(), metadataSuffix)
		tok, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].String() < tokens[j].String() })
	return tokens, nil
}

// Watch watches the storage directory via fsnotify and emits the token of
// every metadata file committed (via rename) after Watch was called, so a
// standby node picks up a newly committed checkpoint without polling
// list(). The returned channel is closed when ctx is done or the watcher
// errors unrecoverably.
func (s *FileStorage) Watch(ctx context.Context) (<-chan uuid.UUID, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("checkpoint: watch %s: %w", s.dir, err)
	}
	out := make(chan uuid.UUID)
	go func() {
		defer w.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				name := filepath.Base(ev.Name)
				if !strings.HasSuffix(name, metadataSuffix) {
					continue
				}
				tok, err := uuid.Parse(strings.TrimSuffix(name, metadataSuffix))
				if err != nil {
					continue
				}
				select {
				case out <- tok:
				case <-ctx.Done():
					return
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}
