package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/partkeeper/pkg/zk"
)

var bucketNodes = []byte("nodes")

// record is the on-disk representation of a single node. It is replicated
// via raft's log and applied identically on every ensemble member, so every
// member's Tree converges to the same content.
type record struct {
	Data      []byte        `json:"data"`
	Mode      zk.CreateMode `json:"mode"`
	CreatedAt time.Time     `json:"createdAt"`
	// Owner is the session ID that created an ephemeral node. Empty for
	// persistent nodes.
	Owner string `json:"owner,omitempty"`
}

// Tree is the bbolt-backed node tree each ensemble member keeps locally.
// Mutations only ever arrive through FSM.Apply, so Tree itself does no
// locking beyond what bbolt already provides per-transaction.
type Tree struct {
	db *bolt.DB
}

// OpenTree opens (creating if absent) the node-tree database under dataDir.
func OpenTree(dataDir string) (*Tree, error) {
	path := filepath.Join(dataDir, "nodes.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open node tree: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create node bucket: %w", err)
	}
	return &Tree{db: db}, nil
}

func (t *Tree) Close() error {
	return t.db.Close()
}

func (t *Tree) create(path string, data []byte, mode zk.CreateMode, owner string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get([]byte(path)) != nil {
			return zk.ErrNodeExists
		}
		rec := record{Data: data, Mode: mode, CreatedAt: time.Now().UTC(), Owner: owner}
		enc, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), enc)
	})
}

func (t *Tree) guarantee(path string, data []byte, mode zk.CreateMode, owner string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		existing := b.Get([]byte(path))
		if existing == nil {
			rec := record{Data: data, Mode: mode, CreatedAt: time.Now().UTC(), Owner: owner}
			enc, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return b.Put([]byte(path), enc)
		}
		var rec record
		if err := json.Unmarshal(existing, &rec); err != nil {
			return err
		}
		if string(rec.Data) == string(data) {
			return nil
		}
		rec.Data = data
		enc, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), enc)
	})
}

func (t *Tree) get(path string) (record, error) {
	var rec record
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		v := b.Get([]byte(path))
		if v == nil {
			return fmt.Errorf("%w: %s", zk.ErrNoNode, path)
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

func (t *Tree) children(path string) []string {
	prefix := strings.TrimSuffix(path, "/") + "/"
	if path == "/" {
		prefix = "/"
	}
	var out []string
	_ = t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		c := b.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			rest := strings.TrimPrefix(string(k), prefix)
			if rest == "" {
				continue
			}
			if !strings.Contains(rest, "/") {
				out = append(out, rest)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out
}

func (t *Tree) delete(path string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(path))
	})
}

func (t *Tree) deleteRecursive(path string) error {
	prefix := strings.TrimSuffix(path, "/") + "/"
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if err := b.Delete([]byte(path)); err != nil {
			return err
		}
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// deleteOwnedBy removes every ephemeral node owned by sessionID, returning
// the paths removed so the caller can fire watches for each one's parent.
func (t *Tree) deleteOwnedBy(sessionID string) ([]string, error) {
	var removed []string
	err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Owner == sessionID {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed = append(removed, string(k))
		}
		return nil
	})
	return removed, err
}

// snapshotAll returns every (path, record) pair for raft snapshotting.
func (t *Tree) snapshotAll() (map[string]record, error) {
	out := map[string]record{}
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[string(k)] = rec
			return nil
		})
	})
	return out, err
}

// restoreAll replaces the tree's contents wholesale, used by FSM.Restore.
func (t *Tree) restoreAll(nodes map[string]record) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if err := tx.DeleteBucket(bucketNodes); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketNodes)
		if err != nil {
			return err
		}
		for path, rec := range nodes {
			enc, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(path), enc); err != nil {
				return err
			}
		}
		return nil
	})
}
