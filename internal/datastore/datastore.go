// Package datastore implements document collections with
// findOne/find/insertOne/replaceOne/deleteOne, backed by BoltDB with one
// bucket per collection and documents stored as JSON.
package datastore

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Doc is a loosely-typed document. Callers normally marshal/unmarshal a
// concrete struct through it via ToDoc/FromDoc.
type Doc map[string]interface{}

// ToDoc marshals v (a struct with an "id" json field) into a Doc.
func ToDoc(v interface{}) (Doc, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var d Doc
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// FromDoc unmarshals d into v.
func FromDoc(d Doc, v interface{}) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (d Doc) matches(filter Doc) bool {
	for k, want := range filter {
		got, ok := d[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (d Doc) id() (string, bool) {
	v, ok := d["id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Store manages a BoltDB-backed set of document collections, one bucket
// per collection name, lazily created on first use.
type Store struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open creates or opens a BoltDB-backed document store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open data store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureBucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists([]byte(name))
}

// Collection returns a handle bound to the named collection.
func (s *Store) Collection(name string) *Collection {
	return &Collection{store: s, name: name}
}

// Discard permanently deletes every collection. It is an administrative
// operation the component host keeps off the Namespaced view handed to
// components — discard is hidden from the child.
func (s *Store) Discard() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			return tx.DeleteBucket(name)
		})
	})
}

// Collection is a named document collection.
type Collection struct {
	store *Store
	name  string
}

// InsertOne stores doc, keyed by its "id" field. Returns an error if "id"
// is missing/empty or already present.
func (c *Collection) InsertOne(doc Doc) error {
	id, ok := doc.id()
	if !ok || id == "" {
		return fmt.Errorf("datastore: document missing id")
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.store.db.Update(func(tx *bolt.Tx) error {
		bucket, err := c.store.ensureBucket(tx, c.name)
		if err != nil {
			return err
		}
		if bucket.Get([]byte(id)) != nil {
			return fmt.Errorf("datastore: document %s already exists in %s", id, c.name)
		}
		return bucket.Put([]byte(id), b)
	})
}

// FindOne returns the first document matching filter (equality on every
// key in filter), or nil if none match.
func (c *Collection) FindOne(filter Doc) (Doc, error) {
	docs, err := c.Find(filter)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// Find returns every document matching filter.
func (c *Collection) Find(filter Doc) ([]Doc, error) {
	var out []Doc
	err := c.store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(c.name))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var d Doc
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.matches(filter) {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

// ReplaceOne replaces the first document matching filter with doc. doc's
// own "id" (if set) is ignored in favor of the matched document's id, so
// callers cannot accidentally rename a record via replace.
func (c *Collection) ReplaceOne(filter Doc, doc Doc) error {
	return c.store.db.Update(func(tx *bolt.Tx) error {
		bucket, err := c.store.ensureBucket(tx, c.name)
		if err != nil {
			return err
		}
		var matchKey []byte
		cur := bucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var d Doc
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.matches(filter) {
				matchKey = append([]byte(nil), k...)
				break
			}
		}
		if matchKey == nil {
			return fmt.Errorf("datastore: no document in %s matches filter", c.name)
		}
		replacement := make(Doc, len(doc)+1)
		for k, v := range doc {
			replacement[k] = v
		}
		replacement["id"] = string(matchKey)
		b, err := json.Marshal(replacement)
		if err != nil {
			return err
		}
		return bucket.Put(matchKey, b)
	})
}

// UpdateOne merges patch's fields into the first document matching
// filter, leaving every other field of the stored document untouched.
// Unlike ReplaceOne, which overwrites the whole document, UpdateOne is
// the correct choice for partial updates (e.g. stamping one field on a
// heartbeat) since a caller building a full replacement document would
// otherwise need to first read back every field it doesn't intend to
// change.
func (c *Collection) UpdateOne(filter Doc, patch Doc) error {
	return c.store.db.Update(func(tx *bolt.Tx) error {
		bucket, err := c.store.ensureBucket(tx, c.name)
		if err != nil {
			return err
		}
		var matchKey []byte
		var existing Doc
		cur := bucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var d Doc
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.matches(filter) {
				matchKey = append([]byte(nil), k...)
				existing = d
				break
			}
		}
		if matchKey == nil {
			return fmt.Errorf("datastore: no document in %s matches filter", c.name)
		}
		for k, v := range patch {
			existing[k] = v
		}
		existing["id"] = string(matchKey)
		b, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return bucket.Put(matchKey, b)
	})
}

// DeleteOne deletes the first document matching filter. It is a no-op
// (not an error) if nothing matches.
func (c *Collection) DeleteOne(filter Doc) error {
	return c.store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(c.name))
		if bucket == nil {
			return nil
		}
		var matchKey []byte
		cur := bucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var d Doc
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.matches(filter) {
				matchKey = append([]byte(nil), k...)
				break
			}
		}
		if matchKey == nil {
			return nil
		}
		return bucket.Delete(matchKey)
	})
}

// Namespaced is the scoped document-store view handed to a single
// component: every collection name is prefixed with "<componentName>.",
// and Discard is intentionally not exposed.
type Namespaced struct {
	store  *Store
	prefix string
}

// Scope returns a Namespaced view for the given component name.
func (s *Store) Scope(componentName string) *Namespaced {
	return &Namespaced{store: s, prefix: componentName + "."}
}

// Collection returns a handle bound to "<componentName>.<name>".
func (n *Namespaced) Collection(name string) *Collection {
	return n.store.Collection(n.prefix + name)
}
