// Package storage persists replica snapshots as three JSON blobs per
// replica id: users_<id>.json, messages_<id>.json and settings_<id>.json.
// Writes are atomic (temp file + rename) so a crash mid-save never
// leaves a torn blob behind.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"replichat/internal/store"
)

// Driver is the storage surface the state machine and launcher use.
type Driver interface {
	// Load reads the three blobs, replacing any missing or unreadable
	// blob with defaults, and returns a session-reset snapshot: every
	// user logged out with no session endpoint.
	Load() (store.Snapshot, error)
	// Save writes a full snapshot.
	Save(store.Snapshot) error
	// Reset rewrites all three blobs with their defaults.
	Reset() error
}

// FileDriver stores one replica's blobs under a directory.
type FileDriver struct {
	dir string
	id  int
	log zerolog.Logger
}

func NewFileDriver(dir string, id int, log zerolog.Logger) (*FileDriver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &FileDriver{dir: dir, id: id, log: log}, nil
}

func (d *FileDriver) usersPath() string {
	return filepath.Join(d.dir, fmt.Sprintf("users_%d.json", d.id))
}

func (d *FileDriver) messagesPath() string {
	return filepath.Join(d.dir, fmt.Sprintf("messages_%d.json", d.id))
}

func (d *FileDriver) settingsPath() string {
	return filepath.Join(d.dir, fmt.Sprintf("settings_%d.json", d.id))
}

// Load reads the blobs, healing each one that is missing or corrupt by
// rewriting it with defaults, then resets all sessions: a freshly
// started replica has no live connections, whatever the blob says.
func (d *FileDriver) Load() (store.Snapshot, error) {
	snap := store.Snapshot{Users: make(map[string]*store.User)}

	if err := d.safeLoad(d.usersPath(), &snap.Users, func() any {
		return map[string]*store.User{}
	}); err != nil {
		return store.Snapshot{}, err
	}
	if err := d.safeLoad(d.messagesPath(), &snap.Messages, func() any {
		return store.Messages{Undelivered: []store.Message{}, Delivered: []store.Message{}}
	}); err != nil {
		return store.Snapshot{}, err
	}
	if err := d.safeLoad(d.settingsPath(), &snap.Settings, func() any {
		return store.DefaultSettings()
	}); err != nil {
		return store.Snapshot{}, err
	}

	for _, u := range snap.Users {
		u.LoggedIn = false
		u.Addr = nil
	}
	return snap, nil
}

// Save writes all three blobs. A partial failure is returned after the
// remaining blobs have still been attempted.
func (d *FileDriver) Save(snap store.Snapshot) error {
	var firstErr error
	for _, blob := range []struct {
		path string
		v    any
	}{
		{d.usersPath(), snap.Users},
		{d.messagesPath(), snap.Messages},
		{d.settingsPath(), snap.Settings},
	} {
		if err := writeAtomic(blob.path, blob.v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reset rewrites the blobs with empty users, empty lanes and default
// settings.
func (d *FileDriver) Reset() error {
	return d.Save(store.Snapshot{
		Users:    map[string]*store.User{},
		Messages: store.Messages{Undelivered: []store.Message{}, Delivered: []store.Message{}},
		Settings: store.DefaultSettings(),
	})
}

// safeLoad decodes path into out. When the file is absent or does not
// parse it writes defaults() to disk and decodes those instead, so a
// damaged blob can never keep the replica from starting.
func (d *FileDriver) safeLoad(path string, out any, defaults func() any) error {
	data, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, out); jsonErr == nil {
			return nil
		}
		d.log.Warn().Str("path", path).Msg("corrupt blob, rewriting with defaults")
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	def := defaults()
	if err := writeAtomic(path, def); err != nil {
		return err
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal defaults for %s: %w", path, err)
	}
	return json.Unmarshal(raw, out)
}

// writeAtomic marshals v and renames it into place.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
