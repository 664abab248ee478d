package accounts

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/yeet-at/internal/types"
)

// ComputeAccountHash hashes one account with BLAKE3 over
// lamports || rent_epoch || data || executable || owner || pubkey.
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	h := blake3.New()
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], account.Lamports)
	h.Write(n[:])
	binary.LittleEndian.PutUint64(n[:], account.RentEpoch)
	h.Write(n[:])
	h.Write(account.Data)
	if account.Executable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(account.Owner[:])
	h.Write(pubkey[:])

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeAccountsHash hashes the full account set. Accounts are folded in
// ascending pubkey order, so the result does not depend on write order.
// An empty database hashes to the zero hash.
func ComputeAccountsHash(db DB) (types.Hash, error) {
	var hashes []types.Hash
	err := db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return ComputeMerkleRoot(hashes), nil
}

// ComputeMerkleRoot computes a binary Merkle root over hashes.
//
// Leaves are BLAKE3(0x00 || hash) and nodes BLAKE3(0x01 || left || right);
// an unpaired node is paired with the zero hash.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = hashTagged(0x00, h[:])
	}

	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = hashTagged(0x01, level[i][:], right[:])
		}
		level = next
	}
	return level[0]
}

func hashTagged(tag byte, parts ...[]byte) types.Hash {
	h := blake3.New()
	h.Write([]byte{tag})
	for _, p := range parts {
		h.Write(p)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
