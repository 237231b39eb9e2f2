package relay

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// FileStore is a MemoryStore persisted as a JSON snapshot. Writes replace the
// file atomically; changes made to the file by another process are picked up
// by a watcher and swapped in.
type FileStore struct {
	*MemoryStore
	path string

	// lastHash is the digest of the last snapshot this process wrote or
	// loaded. Guarded by MemoryStore.mu.
	lastHash [sha256.Size]byte

	watcher   *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
		done:        make(chan struct{}),
	}
	state, err := fs.load()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if state != nil {
		fs.MemoryStore.state = state
	}
	fs.MemoryStore.persist = fs.save

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	fs.watcher = watcher
	fs.wg.Add(1)
	go fs.watch()
	return fs, nil
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		if f.watcher != nil {
			err = f.watcher.Close()
		}
		f.wg.Wait()
	})
	return err
}

func (f *FileStore) load() (*storeState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	state := newStoreState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	f.lastHash = sha256.Sum256(data)
	return state, nil
}

// save runs inside MemoryStore.mutate, under the store lock.
func (f *FileStore) save(state *storeState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(f.path, data, 0o600); err != nil {
		return err
	}
	f.lastHash = sha256.Sum256(data)
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		cleanup()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		cleanup()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func (f *FileStore) watch() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			f.reload()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", f.path).Msg("state file watcher error")
		}
	}
}

// reload swaps in the file's contents unless they are what this process
// last wrote. The file is read under the store lock: a queued event for an
// earlier write of ours then sees the latest snapshot, not a stale one.
func (f *FileStore) reload() {
	reloaded := false
	f.MemoryStore.exchange(func() *storeState {
		data, err := os.ReadFile(f.path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Str("path", f.path).Msg("read state file")
			}
			return nil
		}
		sum := sha256.Sum256(data)
		if sum == f.lastHash {
			return nil
		}
		state := newStoreState()
		if err := json.Unmarshal(data, state); err != nil {
			// Partial writes by other tools show up here; the next event retries.
			log.Warn().Err(err).Str("path", f.path).Msg("state file is not valid json, keeping current state")
			return nil
		}
		f.lastHash = sum
		reloaded = true
		return state
	})
	if reloaded {
		log.Info().Str("path", f.path).Msg("reloaded state file after external change")
	}
}
