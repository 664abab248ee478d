package accounts

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fortiblox/yeet-at/internal/types"
)

func pubkey(b byte) types.Pubkey {
	var k types.Pubkey
	k[0] = b
	return k
}

func testAccount(lamports uint64, data string) *Account {
	return &Account{
		Lamports:  lamports,
		Data:      []byte(data),
		Owner:     types.YeetProgramAddr,
		RentEpoch: 7,
	}
}

func openBadger(t *testing.T, dir string) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(DefaultBadgerDBConfig(dir))
	if err != nil {
		t.Fatalf("NewBadgerDB failed: %v", err)
	}
	return db
}

// forEachDB runs fn against both implementations.
func forEachDB(t *testing.T, fn func(t *testing.T, db DB)) {
	t.Run("memory", func(t *testing.T) {
		db := NewMemoryDB()
		defer db.Close()
		fn(t, db)
	})
	t.Run("badger", func(t *testing.T) {
		db := openBadger(t, t.TempDir())
		defer db.Close()
		fn(t, db)
	})
}

func TestAccountEncoding(t *testing.T) {
	account := &Account{
		Lamports:   1_000_000_000,
		Data:       []byte("test data"),
		Owner:      types.SystemProgramAddr,
		Executable: true,
		RentEpoch:  100,
	}

	data, err := account.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	if len(data) != encodedHeaderSize+len(account.Data) {
		t.Errorf("encoded size = %d, want %d", len(data), encodedHeaderSize+len(account.Data))
	}

	restored, err := decodeAccount(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !restored.Equal(account) {
		t.Errorf("round trip mismatch: got %+v, want %+v", restored, account)
	}

	if _, err := decodeAccount(data[:len(data)-1]); !errors.Is(err, ErrInvalidData) {
		t.Errorf("truncated: got %v, want ErrInvalidData", err)
	}
	if _, err := decodeAccount(append(data, 0)); !errors.Is(err, ErrInvalidData) {
		t.Errorf("trailing byte: got %v, want ErrInvalidData", err)
	}
}

func TestAccountClone(t *testing.T) {
	a := testAccount(5, "abc")
	c := a.Clone()
	c.Data[0] = 'z'
	if a.Data[0] != 'a' {
		t.Error("Clone shares data with the original")
	}
	if (*Account)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestDBBasics(t *testing.T) {
	forEachDB(t, func(t *testing.T, db DB) {
		key := pubkey(1)

		if _, err := db.GetAccount(key); !errors.Is(err, ErrAccountNotFound) {
			t.Fatalf("GetAccount on empty db: got %v", err)
		}

		want := testAccount(500, "profile")
		if err := db.SetAccount(key, want); err != nil {
			t.Fatalf("SetAccount failed: %v", err)
		}
		got, err := db.GetAccount(key)
		if err != nil {
			t.Fatalf("GetAccount failed: %v", err)
		}
		if !got.Equal(want) {
			t.Errorf("GetAccount = %+v, want %+v", got, want)
		}

		// Returned accounts are copies.
		got.Data[0] = 'X'
		again, _ := db.GetAccount(key)
		if again.Data[0] != 'p' {
			t.Error("mutating a returned account changed the stored one")
		}

		if ok, _ := db.HasAccount(key); !ok {
			t.Error("HasAccount = false, want true")
		}
		if n, _ := db.AccountsCount(); n != 1 {
			t.Errorf("AccountsCount = %d, want 1", n)
		}

		// Zero accounts are deleted.
		if err := db.SetAccount(key, &Account{}); err != nil {
			t.Fatalf("SetAccount zero failed: %v", err)
		}
		if ok, _ := db.HasAccount(key); ok {
			t.Error("zero account was stored")
		}
		if n, _ := db.AccountsCount(); n != 0 {
			t.Errorf("AccountsCount = %d, want 0", n)
		}
		if err := db.DeleteAccount(key); err != nil {
			t.Errorf("DeleteAccount of missing account: %v", err)
		}
	})
}

func TestApplyBatch(t *testing.T) {
	forEachDB(t, func(t *testing.T, db DB) {
		if err := db.SetAccount(pubkey(1), testAccount(10, "old")); err != nil {
			t.Fatal(err)
		}

		var batch Batch
		batch.Set(pubkey(1), testAccount(11, "new"))
		batch.Set(pubkey(2), testAccount(20, ""))
		batch.Set(pubkey(3), testAccount(30, "x"))
		batch.Set(pubkey(3), nil)
		if err := db.ApplyBatch(batch); err != nil {
			t.Fatalf("ApplyBatch failed: %v", err)
		}

		got, _ := db.GetAccount(pubkey(1))
		if got == nil || got.Lamports != 11 || string(got.Data) != "new" {
			t.Errorf("account 1 = %+v", got)
		}
		if ok, _ := db.HasAccount(pubkey(2)); !ok {
			t.Error("account 2 missing")
		}
		if ok, _ := db.HasAccount(pubkey(3)); ok {
			t.Error("account 3 should have been deleted within the batch")
		}
		if n, _ := db.AccountsCount(); n != 2 {
			t.Errorf("AccountsCount = %d, want 2", n)
		}
	})
}

func TestIterateAccountsSorted(t *testing.T) {
	forEachDB(t, func(t *testing.T, db DB) {
		for _, b := range []byte{9, 3, 200, 1} {
			if err := db.SetAccount(pubkey(b), testAccount(uint64(b), "")); err != nil {
				t.Fatal(err)
			}
		}

		var seen []byte
		err := db.IterateAccounts(func(k types.Pubkey, a *Account) error {
			seen = append(seen, k[0])
			return nil
		})
		if err != nil {
			t.Fatalf("IterateAccounts failed: %v", err)
		}
		if !bytes.Equal(seen, []byte{1, 3, 9, 200}) {
			t.Errorf("iteration order = %v", seen)
		}

		stop := errors.New("stop")
		calls := 0
		err = db.IterateAccounts(func(types.Pubkey, *Account) error {
			calls++
			return stop
		})
		if !errors.Is(err, stop) || calls != 1 {
			t.Errorf("stop: err=%v calls=%d", err, calls)
		}
	})
}

func TestBadgerPersistence(t *testing.T) {
	dir := t.TempDir()

	db := openBadger(t, dir)
	if err := db.SetAccount(pubkey(1), testAccount(42, "persisted")); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSlot(99); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close: got %v, want ErrClosed", err)
	}

	db = openBadger(t, dir)
	defer db.Close()
	if db.GetSlot() != 99 {
		t.Errorf("slot = %d, want 99", db.GetSlot())
	}
	if n, _ := db.AccountsCount(); n != 1 {
		t.Errorf("AccountsCount = %d, want 1", n)
	}
	got, err := db.GetAccount(pubkey(1))
	if err != nil || string(got.Data) != "persisted" {
		t.Errorf("GetAccount = %+v, %v", got, err)
	}
}

func TestClosedDB(t *testing.T) {
	db := NewMemoryDB()
	db.Close()
	if _, err := db.GetAccount(pubkey(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("GetAccount: got %v, want ErrClosed", err)
	}
	if err := db.ApplyBatch(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("ApplyBatch: got %v, want ErrClosed", err)
	}
}

func TestAccountsHashOrderIndependent(t *testing.T) {
	a, b := NewMemoryDB(), NewMemoryDB()
	keys := []byte{5, 1, 4, 2, 3}
	for _, k := range keys {
		a.SetAccount(pubkey(k), testAccount(uint64(k), "d"))
	}
	for i := len(keys) - 1; i >= 0; i-- {
		b.SetAccount(pubkey(keys[i]), testAccount(uint64(keys[i]), "d"))
	}

	ha, err := ComputeAccountsHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, _ := ComputeAccountsHash(b)
	if ha != hb {
		t.Errorf("hash depends on insertion order: %s vs %s", ha, hb)
	}

	b.SetAccount(pubkey(3), testAccount(4, "d"))
	if hc, _ := ComputeAccountsHash(b); hc == ha {
		t.Error("hash did not change after a lamport change")
	}

	if h, _ := ComputeAccountsHash(NewMemoryDB()); !h.IsZero() {
		t.Errorf("empty db hash = %s, want zero", h)
	}
}

func TestAccountHashBindsPubkey(t *testing.T) {
	acc := testAccount(1, "x")
	if ComputeAccountHash(pubkey(1), acc) == ComputeAccountHash(pubkey(2), acc) {
		t.Error("account hash ignores pubkey")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := openBadger(t, t.TempDir())
	defer src.Close()
	for i := byte(1); i <= 25; i++ {
		if err := src.SetAccount(pubkey(i), testAccount(uint64(i)*100, string(bytes.Repeat([]byte{i}, int(i))))); err != nil {
			t.Fatal(err)
		}
	}
	src.SetSlot(1234)

	path := filepath.Join(t.TempDir(), "snaps", "a.yeetsnap")
	header, err := CreateSnapshot(src, path)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if header.AccountsCount != 25 || header.Slot != 1234 {
		t.Errorf("header = %+v", header)
	}

	dst := NewMemoryDB()
	loaded, err := LoadSnapshot(dst, path)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if loaded != header {
		t.Errorf("loaded header %+v, want %+v", loaded, header)
	}
	if dst.GetSlot() != 1234 {
		t.Errorf("slot = %d, want 1234", dst.GetSlot())
	}
	want, _ := ComputeAccountsHash(src)
	got, _ := ComputeAccountsHash(dst)
	if got != want {
		t.Errorf("accounts hash after load = %s, want %s", got, want)
	}
}

// committingDB commits a new account after every read, like a bank
// committing between the reads of a snapshot writer.
type committingDB struct {
	*MemoryDB
	next byte
}

func (c *committingDB) commit() {
	c.next++
	c.MemoryDB.SetAccount(pubkey(100+c.next), testAccount(uint64(c.next), "late"))
}

func (c *committingDB) GetSlot() uint64 {
	defer c.commit()
	return c.MemoryDB.GetSlot()
}

func (c *committingDB) AccountsCount() (uint64, error) {
	defer c.commit()
	return c.MemoryDB.AccountsCount()
}

func (c *committingDB) IterateAccounts(fn func(types.Pubkey, *Account) error) error {
	defer c.commit()
	return c.MemoryDB.IterateAccounts(fn)
}

func TestSnapshotDuringWrites(t *testing.T) {
	src := &committingDB{MemoryDB: NewMemoryDB()}
	for i := byte(1); i <= 5; i++ {
		src.MemoryDB.SetAccount(pubkey(i), testAccount(uint64(i), "x"))
	}

	dir := t.TempDir()
	path, header, err := CreateSnapshotIn(src, dir)
	if err != nil {
		t.Fatalf("CreateSnapshotIn failed: %v", err)
	}
	if want := filepath.Join(dir, SnapshotFilename(header.Slot, header.AccountsHash)); path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
	if header.AccountsCount < 5 {
		t.Errorf("AccountsCount = %d, want at least 5", header.AccountsCount)
	}

	dst := NewMemoryDB()
	loaded, err := LoadSnapshot(dst, path)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if loaded != header {
		t.Errorf("loaded header %+v, want %+v", loaded, header)
	}
	if n, _ := dst.AccountsCount(); n != header.AccountsCount {
		t.Errorf("loaded %d accounts, header says %d", n, header.AccountsCount)
	}
}

func TestSnapshotErrors(t *testing.T) {
	if _, err := LoadSnapshot(NewMemoryDB(), filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("missing file: got %v", err)
	}

	if _, err := ReadSnapshot(bytes.NewReader([]byte("NOPE")), NewMemoryDB()); !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("bad magic: got %v", err)
	}

	// Loading into a non-empty db fails the hash check.
	src := NewMemoryDB()
	src.SetAccount(pubkey(1), testAccount(1, "a"))
	var buf bytes.Buffer
	if _, err := WriteSnapshot(src, &buf); err != nil {
		t.Fatal(err)
	}
	dst := NewMemoryDB()
	dst.SetAccount(pubkey(2), testAccount(2, "b"))
	if _, err := ReadSnapshot(&buf, dst); !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("dirty target: got %v, want ErrInvalidSnapshot", err)
	}
}
