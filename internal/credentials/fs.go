package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// fsEntries is the on-disk layout: the four persisted string entries
type fsEntries struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	User         string `json:"user,omitempty"`
}

func (e fsEntries) toMap() map[string]string {
	return map[string]string{
		KeyAccessToken:  e.AccessToken,
		KeyRefreshToken: e.RefreshToken,
		KeyExpiresAt:    e.ExpiresAt,
		KeyUser:         e.User,
	}
}

// FileStore keeps the credential in a JSON file. Writes go to a temp file
// that is renamed over the target, so other processes reading the file see
// either the old group of entries or the new one.
type FileStore struct {
	Path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{Path: path, logger: logger}
}

var _ Store = (*FileStore)(nil)
var _ Watcher = (*FileStore)(nil)

// Load returns the stored credential, or nil if the file does not exist
func (f *FileStore) Load(ctx context.Context) (*Credential, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var e fsEntries
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	return FromEntries(e.toMap())
}

// Save replaces the credentials file atomically
func (f *FileStore) Save(ctx context.Context, c *Credential) error {
	entries, err := c.Entries()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(fsEntries{
		AccessToken:  entries[KeyAccessToken],
		RefreshToken: entries[KeyRefreshToken],
		ExpiresAt:    entries[KeyExpiresAt],
		User:         entries[KeyUser],
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(f.Path, data)
}

// Clear removes the credentials file. A missing file is not an error.
func (f *FileStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials file: %w", err)
	}
	return nil
}

// Watch reports every create, write, rename or removal of the credentials
// file. The parent directory is watched because Save replaces the file by
// rename. Echoes of this store's own writes are delivered too; consumers
// compare against their in-memory state.
func (f *FileStore) Watch(ctx context.Context) (<-chan Change, error) {
	if err := EnsureParentDir(f.Path); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(f.Path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.Path), err)
	}

	out := make(chan Change, 1)
	target := filepath.Clean(f.Path)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				c, err := f.Load(ctx)
				if err != nil {
					f.logger.Warn().Err(err).Str("path", f.Path).Msg("Ignoring unreadable credentials file change")
					continue
				}
				select {
				case out <- Change{Credential: c}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger.Error().Err(err).Str("path", f.Path).Msg("Credentials file watcher error")
			}
		}
	}()
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := EnsureParentDir(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp credentials file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp credentials file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}
