// Package storage persists plugin data: a key/value memory and the admin
// audit log.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/buntdb"
)

// InMemory opens a memory that is never written to disk.
const InMemory = ":memory:"

const keyFormat = "%s:%s"

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Memory is the bot's durable key/value store. Keys are namespaced by
// plugin name.
type Memory struct {
	db *buntdb.DB
}

// OpenMemory opens <dataDir>/memory.db, or an in-memory database when
// dataDir is InMemory.
func OpenMemory(dataDir string) (*Memory, error) {
	path := InMemory
	if dataDir != InMemory {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		path = filepath.Join(dataDir, "memory.db")
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory %s: %w", path, err)
	}
	return &Memory{db: db}, nil
}

func (m *Memory) Close() error {
	return m.db.Close()
}

// Scope returns the view of the memory owned by plugin.
func (m *Memory) Scope(plugin string) *Store {
	return &Store{db: m.db, plugin: plugin}
}

// Store is one plugin's slice of the memory.
type Store struct {
	db     *buntdb.DB
	plugin string
}

func (s *Store) key(k string) string {
	return fmt.Sprintf(keyFormat, s.plugin, k)
}

func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(s.key(key))
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		value = v
		return err
	})
	return value, err
}

// Set stores value under key. A positive ttl makes the key expire.
func (s *Store) Set(key, value string, ttl time.Duration) error {
	var opts *buntdb.SetOptions
	if ttl > 0 {
		opts = &buntdb.SetOptions{Expires: true, TTL: ttl}
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(s.key(key), value, opts)
		return err
	})
}

func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(s.key(key))
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		return err
	})
}

// Keys lists the plugin's keys with the plugin prefix removed.
func (s *Store) Keys() ([]string, error) {
	prefix := s.key("")
	var keys []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(k, _ string) bool {
			keys = append(keys, strings.TrimPrefix(k, prefix))
			return true
		})
	})
	return keys, err
}

// GetJSON decodes the value under key into v.
func (s *Store) GetJSON(key string, v any) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

func (s *Store) SetJSON(key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, string(raw), ttl)
}
