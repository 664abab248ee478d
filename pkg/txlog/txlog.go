// Package txlog persists the outcome of every processed transaction.
//
// Records are gob-encoded in a bbolt file, keyed by the transaction's first
// signature, so a client can look up a transaction it submitted and learn
// whether it committed, which error stopped it and what the programs logged.
package txlog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/yeet-at/internal/types"
)

var (
	// ErrNotFound is returned when no record exists for a signature.
	ErrNotFound = errors.New("transaction not found")

	// ErrClosed is returned when operating on a closed log.
	ErrClosed = errors.New("txlog closed")
)

// Bucket names.
var (
	// bucketTx maps signature (64 bytes) -> gob(Record).
	bucketTx = []byte("tx")

	// bucketMeta holds counters.
	bucketMeta = []byte("meta")
)

// Metadata keys.
var (
	keyCount      = []byte("count")
	keyLatestSlot = []byte("latest_slot")
)

// Record is the stored outcome of one transaction.
type Record struct {
	Signature types.Signature
	Slot      uint64
	BlockTime int64

	// Err is empty for committed transactions.
	Err string

	// ErrCode is the program error code of a failed instruction, if any.
	ErrCode uint32

	// InstructionIndex is the failing instruction, or -1.
	InstructionIndex int

	Logs         []string
	ComputeUnits uint64

	// Accounts lists every account the transaction wrote.
	Accounts []types.Pubkey
}

// Success reports whether the transaction committed.
func (r *Record) Success() bool {
	return r.Err == ""
}

// Config holds txlog configuration options.
type Config struct {
	// Path is the bbolt database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// Store is a bbolt-backed transaction log.
type Store struct {
	db *bolt.DB

	mu         sync.RWMutex
	count      uint64
	latestSlot uint64
	closed     bool
}

// Open creates or opens a transaction log.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTx, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		s.count = decodeUint64(meta.Get(keyCount))
		s.latestSlot = decodeUint64(meta.Get(keyLatestSlot))
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Put stores a record. Storing a signature twice replaces the record.
func (s *Store) Put(rec *Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	count, latest := s.count, s.latestSlot
	err := s.db.Update(func(tx *bolt.Tx) error {
		txs := tx.Bucket(bucketTx)
		key := rec.Signature[:]
		if txs.Get(key) == nil {
			count++
		}
		if err := txs.Put(key, buf.Bytes()); err != nil {
			return err
		}
		if rec.Slot > latest {
			latest = rec.Slot
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyCount, encodeUint64(count)); err != nil {
			return err
		}
		return meta.Put(keyLatestSlot, encodeUint64(latest))
	})
	if err != nil {
		return err
	}
	s.count, s.latestSlot = count, latest
	return nil
}

// Get returns the record for a signature.
func (s *Store) Get(sig types.Signature) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTx).Get(sig[:])
		if data == nil {
			return ErrNotFound
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Has reports whether a record exists for sig.
func (s *Store) Has(sig types.Signature) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketTx).Get(sig[:]) != nil
		return nil
	})
	return ok, err
}

// Count returns the number of stored records.
func (s *Store) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// LatestSlot returns the highest slot of any stored record.
func (s *Store) LatestSlot() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestSlot
}

// Close closes the log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.db.Close()
}
