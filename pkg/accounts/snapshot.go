package accounts

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/yeet-at/internal/types"
)

// Snapshot file format version.
const snapshotVersion uint32 = 1

// snapshotMagic identifies snapshot files.
var snapshotMagic = []byte{'Y', 'E', 'E', 'T'}

// snapshotHeaderSize is magic (4) + version (4) + slot (8) + count (8) + hash (32).
const snapshotHeaderSize = 4 + 4 + 8 + 8 + 32

// loadBatchSize bounds the number of accounts applied per batch on load.
const loadBatchSize = 1000

// SnapshotHeader contains metadata about a snapshot.
type SnapshotHeader struct {
	Version       uint32
	Slot          uint64
	AccountsCount uint64
	AccountsHash  types.Hash
}

func (h SnapshotHeader) marshal() []byte {
	buf := make([]byte, 0, snapshotHeaderSize)
	buf = append(buf, snapshotMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Slot)
	buf = binary.LittleEndian.AppendUint64(buf, h.AccountsCount)
	buf = append(buf, h.AccountsHash[:]...)
	return buf
}

func readSnapshotHeader(r io.Reader) (SnapshotHeader, error) {
	var h SnapshotHeader
	buf := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, fmt.Errorf("%w: read header: %v", ErrInvalidSnapshot, err)
	}
	if !bytes.Equal(buf[:4], snapshotMagic) {
		return h, fmt.Errorf("%w: bad magic %q", ErrInvalidSnapshot, buf[:4])
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	if h.Version != snapshotVersion {
		return h, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, h.Version)
	}
	h.Slot = binary.LittleEndian.Uint64(buf[8:16])
	h.AccountsCount = binary.LittleEndian.Uint64(buf[16:24])
	copy(h.AccountsHash[:], buf[24:56])
	return h, nil
}

// WriteSnapshot writes every account in db to w.
//
// Format: an uncompressed header followed by a zstd stream holding, per
// account, pubkey (32) | encoded length (4, LE) | encoded account.
//
// The accounts hash, the count and the stream come from a single
// IterateAccounts pass, so they agree even while db is being written. The
// slot is read just before that pass.
func WriteSnapshot(db DB, w io.Writer) (SnapshotHeader, error) {
	header := SnapshotHeader{Version: snapshotVersion, Slot: db.GetSlot()}

	var body bytes.Buffer
	enc, err := zstd.NewWriter(&body)
	if err != nil {
		return header, err
	}
	bw := bufio.NewWriter(enc)

	var hashes []types.Hash
	err = db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		data, err := account.MarshalBinary()
		if err != nil {
			return err
		}
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
		if _, err := bw.Write(pubkey[:]); err != nil {
			return err
		}
		if _, err := bw.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(data)))); err != nil {
			return err
		}
		_, err = bw.Write(data)
		return err
	})
	if err == nil {
		err = bw.Flush()
	}
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return header, fmt.Errorf("write accounts: %w", err)
	}

	header.AccountsCount = uint64(len(hashes))
	header.AccountsHash = ComputeMerkleRoot(hashes)
	if _, err := w.Write(header.marshal()); err != nil {
		return header, err
	}
	_, err = body.WriteTo(w)
	return header, err
}

// ReadSnapshot loads the accounts in r into db and verifies the accounts
// hash. db should be empty.
func ReadSnapshot(r io.Reader, db DB) (SnapshotHeader, error) {
	header, err := readSnapshotHeader(r)
	if err != nil {
		return header, err
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return header, err
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	batch := make(Batch, 0, loadBatchSize)
	for i := uint64(0); i < header.AccountsCount; i++ {
		pubkey, account, err := readSnapshotAccount(br)
		if err != nil {
			return header, fmt.Errorf("account %d: %w", i, err)
		}
		batch.Set(pubkey, account)
		if len(batch) == loadBatchSize {
			if err := db.ApplyBatch(batch); err != nil {
				return header, err
			}
			batch = batch[:0]
		}
	}
	if err := db.ApplyBatch(batch); err != nil {
		return header, err
	}
	if err := db.SetSlot(header.Slot); err != nil {
		return header, err
	}

	got, err := ComputeAccountsHash(db)
	if err != nil {
		return header, fmt.Errorf("compute accounts hash: %w", err)
	}
	if got != header.AccountsHash {
		return header, fmt.Errorf("%w: accounts hash mismatch: expected %s, got %s",
			ErrInvalidSnapshot, header.AccountsHash, got)
	}
	return header, nil
}

func readSnapshotAccount(r io.Reader) (types.Pubkey, *Account, error) {
	var pubkey types.Pubkey
	if _, err := io.ReadFull(r, pubkey[:]); err != nil {
		return pubkey, nil, fmt.Errorf("%w: read pubkey: %v", ErrInvalidSnapshot, err)
	}
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return pubkey, nil, fmt.Errorf("%w: read size: %v", ErrInvalidSnapshot, err)
	}
	n := binary.LittleEndian.Uint32(size[:])
	if n > MaxDataSize+encodedHeaderSize {
		return pubkey, nil, fmt.Errorf("%w: account size %d", ErrInvalidSnapshot, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return pubkey, nil, fmt.Errorf("%w: read account: %v", ErrInvalidSnapshot, err)
	}
	account, err := decodeAccount(data)
	if err != nil {
		return pubkey, nil, err
	}
	return pubkey, account, nil
}

// CreateSnapshot writes a snapshot of db to path.
func CreateSnapshot(db DB, path string) (SnapshotHeader, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return SnapshotHeader{}, fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, header, err := writeSnapshotTemp(db, filepath.Dir(path))
	if err != nil {
		return header, err
	}
	return header, os.Rename(tmp, path)
}

// CreateSnapshotIn writes a snapshot of db into dir under the name
// SnapshotFilename gives for its header, and returns the path.
func CreateSnapshotIn(db DB, dir string) (string, SnapshotHeader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", SnapshotHeader{}, fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, header, err := writeSnapshotTemp(db, dir)
	if err != nil {
		return "", header, err
	}
	path := filepath.Join(dir, SnapshotFilename(header.Slot, header.AccountsHash))
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", header, err
	}
	return path, header, nil
}

func writeSnapshotTemp(db DB, dir string) (string, SnapshotHeader, error) {
	f, err := os.CreateTemp(dir, "snapshot-*.tmp")
	if err != nil {
		return "", SnapshotHeader{}, fmt.Errorf("create snapshot file: %w", err)
	}
	header, err := WriteSnapshot(db, f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", header, err
	}
	return f.Name(), header, nil
}

// LoadSnapshot loads the snapshot at path into db.
func LoadSnapshot(db DB, path string) (SnapshotHeader, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return SnapshotHeader{}, ErrSnapshotNotFound
	}
	if err != nil {
		return SnapshotHeader{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return ReadSnapshot(bufio.NewReader(f), db)
}

// SnapshotFilename returns the standard filename for a snapshot.
func SnapshotFilename(slot uint64, hash types.Hash) string {
	return fmt.Sprintf("snapshot-%d-%s.yeetsnap", slot, hash.String()[:16])
}
