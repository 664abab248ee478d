// Package accounts stores ledger accounts.
//
// Every address maps to one Account holding a lamport balance, an opaque
// data region and the program that owns it. Program state, such as yeet
// profiles and posts, lives in the Data of accounts owned by that program.
//
// Two implementations of DB are provided: MemoryDB for tests and tools, and
// BadgerDB for nodes. Both apply a Batch atomically, which is what lets the
// runtime commit every account a transaction touched or none of them.
package accounts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/fortiblox/yeet-at/internal/types"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrInvalidData is returned when a stored account is malformed.
	ErrInvalidData = errors.New("invalid account data")

	// ErrSnapshotNotFound is returned when a snapshot doesn't exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrInvalidSnapshot is returned for a snapshot with a bad header or body.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// MaxDataSize is the largest data region an account may hold.
const MaxDataSize = 10 * 1024 * 1024

// Account is the stored state of one address.
type Account struct {
	// Lamports is the account balance.
	Lamports uint64

	// Data is the program-defined content of the account.
	Data []byte

	// Owner is the program allowed to modify Data and debit Lamports.
	Owner types.Pubkey

	// Executable marks program accounts. Their data is never modified.
	Executable bool

	// RentEpoch is the epoch at which rent was last collected.
	RentEpoch uint64
}

// Clone creates a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Data = bytes.Clone(a.Data)
	if c.Data == nil {
		c.Data = []byte{}
	}
	return &c
}

// IsZero returns true if the account has no lamports and no data.
// Zero accounts are deleted from storage.
func (a *Account) IsZero() bool {
	return a == nil || (a.Lamports == 0 && len(a.Data) == 0)
}

// Equal reports whether two accounts hold the same state.
func (a *Account) Equal(b *Account) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Lamports == b.Lamports &&
		a.Owner == b.Owner &&
		a.Executable == b.Executable &&
		a.RentEpoch == b.RentEpoch &&
		bytes.Equal(a.Data, b.Data)
}

// encodedHeaderSize is lamports (8) + data_len (8) + owner (32) +
// executable (1) + rent_epoch (8).
const encodedHeaderSize = 8 + 8 + 32 + 1 + 8

// MarshalBinary encodes the account for storage.
// Format: lamports | data_len | data | owner | executable | rent_epoch,
// integers little-endian.
func (a *Account) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, encodedHeaderSize+len(a.Data))
	buf = binary.LittleEndian.AppendUint64(buf, a.Lamports)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(a.Data)))
	buf = append(buf, a.Data...)
	buf = append(buf, a.Owner[:]...)
	if a.Executable {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, a.RentEpoch)
	return buf, nil
}

// UnmarshalBinary decodes an account written by MarshalBinary.
func (a *Account) UnmarshalBinary(b []byte) error {
	if len(b) < encodedHeaderSize {
		return ErrInvalidData
	}
	dataLen := binary.LittleEndian.Uint64(b[8:16])
	if dataLen > MaxDataSize || uint64(len(b)) != encodedHeaderSize+dataLen {
		return ErrInvalidData
	}
	end := 16 + int(dataLen)

	a.Lamports = binary.LittleEndian.Uint64(b[0:8])
	a.Data = bytes.Clone(b[16:end])
	if a.Data == nil {
		a.Data = []byte{}
	}
	copy(a.Owner[:], b[end:end+32])
	a.Executable = b[end+32] != 0
	a.RentEpoch = binary.LittleEndian.Uint64(b[end+33:])
	return nil
}

// decodeAccount is UnmarshalBinary into a new Account.
func decodeAccount(b []byte) (*Account, error) {
	acc := new(Account)
	if err := acc.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return acc, nil
}

// Update is one account write in a Batch. A nil or zero Account deletes.
type Update struct {
	Pubkey  types.Pubkey
	Account *Account
}

// Batch is a set of account writes applied together.
type Batch []Update

// Set queues a write.
func (b *Batch) Set(pubkey types.Pubkey, account *Account) {
	*b = append(*b, Update{Pubkey: pubkey, Account: account})
}

// DB is the accounts database interface.
// Implementations must be safe for concurrent use.
type DB interface {
	// GetAccount retrieves an account by public key.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetAccount(pubkey types.Pubkey) (*Account, error)

	// SetAccount stores an account. Zero accounts are deleted.
	SetAccount(pubkey types.Pubkey, account *Account) error

	// DeleteAccount removes an account.
	// Returns nil if the account doesn't exist.
	DeleteAccount(pubkey types.Pubkey) error

	// HasAccount checks if an account exists.
	HasAccount(pubkey types.Pubkey) (bool, error)

	// ApplyBatch stores every update in the batch, or none of them.
	ApplyBatch(batch Batch) error

	// IterateAccounts calls fn for every account in ascending pubkey order.
	// An error from fn stops iteration and is returned.
	IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error

	// GetSlot returns the current slot.
	GetSlot() uint64

	// SetSlot updates the current slot.
	SetSlot(slot uint64) error

	// AccountsCount returns the total number of accounts.
	AccountsCount() (uint64, error)

	// Commit persists metadata and pending changes.
	Commit() error

	// Close closes the database.
	Close() error
}

// MemoryDB is an in-memory implementation of DB.
type MemoryDB struct {
	mu       sync.RWMutex
	accounts map[types.Pubkey]*Account
	slot     uint64
	closed   bool
}

// NewMemoryDB creates a new in-memory accounts database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		accounts: make(map[types.Pubkey]*Account),
	}
}

// GetAccount retrieves an account.
func (m *MemoryDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	acc, ok := m.accounts[pubkey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

// SetAccount stores an account.
func (m *MemoryDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	return m.ApplyBatch(Batch{{Pubkey: pubkey, Account: account}})
}

// DeleteAccount removes an account.
func (m *MemoryDB) DeleteAccount(pubkey types.Pubkey) error {
	return m.ApplyBatch(Batch{{Pubkey: pubkey}})
}

// HasAccount checks if an account exists.
func (m *MemoryDB) HasAccount(pubkey types.Pubkey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.accounts[pubkey]
	return ok, nil
}

// ApplyBatch applies every update under one lock.
func (m *MemoryDB) ApplyBatch(batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, u := range batch {
		if u.Account.IsZero() {
			delete(m.accounts, u.Pubkey)
			continue
		}
		m.accounts[u.Pubkey] = u.Account.Clone()
	}
	return nil
}

// IterateAccounts visits accounts in ascending pubkey order.
func (m *MemoryDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	keys := make([]types.Pubkey, 0, len(m.accounts))
	for k := range m.accounts {
		keys = append(keys, k)
	}
	accts := make([]*Account, 0, len(keys))
	SortPubkeys(keys)
	for _, k := range keys {
		accts = append(accts, m.accounts[k].Clone())
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn(k, accts[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetSlot returns the current slot.
func (m *MemoryDB) GetSlot() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slot
}

// SetSlot updates the current slot.
func (m *MemoryDB) SetSlot(slot uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.slot = slot
	return nil
}

// AccountsCount returns the number of accounts.
func (m *MemoryDB) AccountsCount() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.accounts)), nil
}

// Commit is a no-op for MemoryDB.
func (m *MemoryDB) Commit() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.accounts = nil
	return nil
}

// SortPubkeys sorts a slice of pubkeys in ascending byte order.
func SortPubkeys(pubkeys []types.Pubkey) {
	sort.Slice(pubkeys, func(i, j int) bool {
		return bytes.Compare(pubkeys[i][:], pubkeys[j][:]) < 0
	})
}

var _ DB = (*MemoryDB)(nil)
