package server

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/kachar/liveblocks/crdt"
)

var roomsBucket = []byte("rooms")

// Store persists room snapshots in a local bbolt file so a restarted dev
// server picks up where it left off.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the snapshot database.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// LoadSnapshot returns the stored snapshot for a room, or nil if the room
// was never saved.
func (s *Store) LoadSnapshot(room string) (*crdt.Snapshot, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(roomsBucket).Get([]byte(room)); data != nil {
			raw = append(raw, data...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, err
	}
	var snap crdt.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SaveSnapshot stores the room's current snapshot.
func (s *Store) SaveSnapshot(room string, snap crdt.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).Put([]byte(room), raw)
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
