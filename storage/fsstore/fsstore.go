// Package fsstore provides a filesystem persisted-query store: a directory of
// .graphql documents, one per persisted-query id, hot-reloaded when files
// change so operators can edit the catalog without restarting the server.
package fsstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go4org/hashtriemap"
	"github.com/gqlsse/graphql-sse-go/storage"
)

const ext = ".graphql"

// Store implements storage.Store over a directory of .graphql files. The
// persisted-query id is the file name without the extension.
type Store struct {
	dir     string
	docs    hashtriemap.HashTrieMap[string, string]
	watcher *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

// New loads every .graphql file under dir and watches the directory for
// changes.
func New(dir string) (*Store, error) {
	s := &Store{dir: dir, done: make(chan struct{})}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read persisted query dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		if err := s.loadFile(filepath.Join(dir, e.Name())); err != nil {
			return nil, err
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = w
	go s.watch()

	return s, nil
}

func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ext) {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(ev.Name), ext)
			switch {
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				s.docs.LoadAndDelete(id)
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				// Best effort: a half-written file is re-read on its next
				// write event.
				_ = s.loadFile(ev.Name)
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Store) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read persisted query %s: %w", path, err)
	}
	id := strings.TrimSuffix(filepath.Base(path), ext)
	s.docs.Store(id, string(b))
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (string, error) {
	doc, ok := s.docs.Load(id)
	if !ok {
		return "", storage.ErrNotFound
	}
	return doc, nil
}

// Set writes the document to disk; the in-memory copy is updated immediately
// rather than waiting for the watcher to observe the write.
func (s *Store) Set(ctx context.Context, id, document string) error {
	if err := os.WriteFile(filepath.Join(s.dir, id+ext), []byte(document), 0o644); err != nil {
		return fmt.Errorf("write persisted query %q: %w", id, err)
	}
	s.docs.Store(id, document)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := os.Remove(filepath.Join(s.dir, id+ext)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove persisted query %q: %w", id, err)
	}
	s.docs.LoadAndDelete(id)
	return nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
	})
	return err
}
