// Package storage persists a drone's identity across restarts.
//
// # Thread Safety Guarantees
//
// BoltStore is safe for concurrent use by multiple goroutines. This safety is provided
// by BoltDB's transaction model:
//
//   - BoltDB allows multiple concurrent read transactions (View)
//   - BoltDB allows only one write transaction (Update) at a time
//   - Read transactions see a consistent snapshot of the database
//
// The BoltStore implementation does not add any additional locking beyond what BoltDB provides.
//
// References:
//   - BoltDB documentation: https://github.com/etcd-io/bbolt#transactions
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/salahayoub/dronenet/pkg/network"
)

// Bucket names for BoltDB storage
var (
	stableBucket    = []byte("stable")
	conflictsBucket = []byte("conflicts")
)

// Keys in the stable bucket
var keyDroneID = []byte("droneID")

// Error types
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrCorrupt     = errors.New("stored value is corrupt")
)

// ConflictRecord is one resolved id conflict: this drone moved from OldID to
// NewID after losing to the instance holding PeerNonce.
type ConflictRecord struct {
	OldID     network.ID `json:"old_id"`
	NewID     network.ID `json:"new_id"`
	PeerNonce string     `json:"peer_nonce,omitempty"`
	At        time.Time  `json:"at"`
}

// BoltStore keeps the drone id and the history of id conflicts this drone
// lost, using BoltDB.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the specified path.
// It opens or creates the database file and initializes the required buckets.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(stableBucket); err != nil {
			return fmt.Errorf("failed to create stable bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(conflictsBucket); err != nil {
			return fmt.Errorf("failed to create conflicts bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close releases all database resources.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// uint64ToBytes encodes a uint64 value to big-endian bytes.
// Big-endian encoding keeps keys in numeric order under BoltDB's byte ordering.
func uint64ToBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// bytesToUint64 decodes big-endian bytes to a uint64 value.
func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// ============================================================================
// Identity
// ============================================================================

// DroneID returns the persisted drone id. It returns ErrKeyNotFound if no id
// has been stored yet.
func (b *BoltStore) DroneID() (network.ID, error) {
	v, err := b.GetUint64(keyDroneID)
	if err != nil {
		return network.None, err
	}
	if v == 0 {
		return network.None, ErrKeyNotFound
	}
	if v > 0xFFFF {
		return network.None, fmt.Errorf("drone id %d: %w", v, ErrCorrupt)
	}
	return network.ID(v), nil
}

// SetDroneID persists id as this drone's identity.
func (b *BoltStore) SetDroneID(id network.ID) error {
	if !id.Valid() {
		return fmt.Errorf("set drone id: %w", network.ErrInvalidID)
	}
	return b.SetUint64(keyDroneID, uint64(id))
}

// RecordConflict appends a conflict resolution to the history.
func (b *BoltStore) RecordConflict(rec ConflictRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict record: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(conflictsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate conflict sequence: %w", err)
		}
		if err := bucket.Put(uint64ToBytes(seq), data); err != nil {
			return fmt.Errorf("failed to store conflict record: %w", err)
		}
		return nil
	})
}

// Conflicts returns the conflict history, oldest first.
func (b *BoltStore) Conflicts() ([]ConflictRecord, error) {
	var out []ConflictRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(k, v []byte) error {
			var rec ConflictRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("conflict %d: %w", bytesToUint64(k), ErrCorrupt)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// ============================================================================
// Stable key/value
// ============================================================================

// Set stores a key-value pair in the stable bucket.
// The value is stored as raw bytes.
func (b *BoltStore) Set(key []byte, val []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(stableBucket)
		if err := bucket.Put(key, val); err != nil {
			return fmt.Errorf("failed to set key: %w", err)
		}
		return nil
	})
}

// Get retrieves a value by key from the stable bucket.
// Returns an empty byte slice if the key does not exist.
func (b *BoltStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(stableBucket)
		v := bucket.Get(key)
		if v == nil {
			val = []byte{}
			return nil
		}
		// Make a copy since BoltDB values are only valid within the transaction
		val = make([]byte, len(v))
		copy(val, v)
		return nil
	})
	return val, err
}

// SetUint64 stores a uint64 value encoded as big-endian bytes.
func (b *BoltStore) SetUint64(key []byte, val uint64) error {
	return b.Set(key, uint64ToBytes(val))
}

// GetUint64 retrieves a uint64 value by key from the stable bucket.
// Returns 0 if the key does not exist.
func (b *BoltStore) GetUint64(key []byte) (uint64, error) {
	val, err := b.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) == 0 {
		return 0, nil
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("key %q: %w", key, ErrCorrupt)
	}
	return bytesToUint64(val), nil
}
