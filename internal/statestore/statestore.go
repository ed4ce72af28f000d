// Package statestore implements the ordered key→bytes store with
// per-component namespaces, durable over BoltDB. The component host hands
// each component a delegated Store scoped under "<componentName>/".
package statestore

import (
	"bytes"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var bucketState = []byte("state")

// Store is an ordered key→bytes store backed by BoltDB.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB-backed state store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the value for key, or nil if absent.
func (s *Store) Get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get([]byte(key))
		if v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	return val, err
}

// Put stores value under key.
func (s *Store) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(key), value)
	})
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Delete([]byte(key))
	})
}

// Keys returns all keys with the given prefix, in sorted order.
func (s *Store) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketState).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

// Namespaced is the scoped view handed to a single component. Keys are
// opaque bytes under "<componentName>/<key>".
type Namespaced struct {
	parent *Store
	prefix string
}

// Scope returns a Namespaced view rooted at "<name>/".
func (s *Store) Scope(name string) *Namespaced {
	return &Namespaced{parent: s, prefix: name + "/"}
}

func (n *Namespaced) Get(key string) ([]byte, error) { return n.parent.Get(n.prefix + key) }
func (n *Namespaced) Put(key string, value []byte) error {
	return n.parent.Put(n.prefix+key, value)
}
func (n *Namespaced) Delete(key string) error { return n.parent.Delete(n.prefix + key) }
func (n *Namespaced) Keys(prefix string) ([]string, error) {
	full, err := n.parent.Keys(n.prefix + prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(full))
	for i, k := range full {
		out[i] = k[len(n.prefix):]
	}
	return out, nil
}
