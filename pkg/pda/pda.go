// Package pda implements program-derived address (PDA) derivation.
//
// A PDA is SHA256(seed_0 || ... || seed_n || program_id || "ProgramDerivedAddress")
// rejected when the digest decodes to a valid Ed25519 point, so that no
// private key can ever sign for it. FindProgramAddress appends a one-byte
// bump seed and searches from 255 down to 0 for the first off-curve digest.
package pda

import (
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/fortiblox/yeet-at/internal/types"
)

// PDA constants.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

// pdaMarker is appended to every derivation input.
var pdaMarker = []byte("ProgramDerivedAddress")

// PDA errors.
var (
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")
	ErrMaxSeedsExceeded      = errors.New("max seeds exceeded")
	ErrInvalidSeeds          = errors.New("invalid seeds - derived address is on curve")
	ErrNoViableBump          = errors.New("unable to find a viable program address bump seed")
)

// Deriver derives program addresses. The zero value is ready to use.
type Deriver struct{}

// CreateProgramAddress derives the address for exactly the given seeds.
func (Deriver) CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	return CreateProgramAddress(seeds, programID)
}

// FindProgramAddress derives the canonical address and its bump seed.
func (Deriver) FindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8, error) {
	return FindProgramAddress(seeds, programID)
}

// CreateProgramAddress derives a program address from seeds and a program ID.
// Returns ErrInvalidSeeds if the derived address is on the ed25519 curve.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	var addr types.Pubkey
	if len(seeds) > MaxSeeds {
		return addr, ErrMaxSeedsExceeded
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return addr, ErrMaxSeedLengthExceeded
		}
	}

	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(pdaMarker)
	copy(addr[:], h.Sum(nil))

	if IsOnCurve(addr[:]) {
		return types.Pubkey{}, ErrInvalidSeeds
	}
	return addr, nil
}

// FindProgramAddress finds a valid PDA by iterating bump seeds from 255 to 0.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8, error) {
	if len(seeds) > MaxSeeds-1 {
		return types.Pubkey{}, 0, ErrMaxSeedsExceeded
	}

	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	bumpSeed := []byte{0}
	withBump[len(seeds)] = bumpSeed

	for bump := 255; bump >= 0; bump-- {
		bumpSeed[0] = uint8(bump)
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrInvalidSeeds) {
			return types.Pubkey{}, 0, err
		}
	}
	return types.Pubkey{}, 0, ErrNoViableBump
}

// Curve parameters for ed25519, computed once.
var (
	// fieldP is 2^255 - 19.
	fieldP = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))

	// curveD is -121665/121666 mod p.
	curveD = func() *big.Int {
		d := new(big.Int).Mul(big.NewInt(-121665), new(big.Int).ModInverse(big.NewInt(121666), fieldP))
		return d.Mod(d, fieldP)
	}()

	// legendreExp is (p-1)/2.
	legendreExp = new(big.Int).Rsh(new(big.Int).Sub(fieldP, big.NewInt(1)), 1)
)

// IsOnCurve reports whether point is a valid compressed ed25519 point.
//
// The twisted Edwards curve is -x^2 + y^2 = 1 + d*x^2*y^2. A compressed point
// stores y (little-endian) with the sign of x in the top bit, so the point is
// valid iff y < p and x^2 = (y^2 - 1) / (d*y^2 + 1) is a square in the field.
func IsOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}

	yBytes := make([]byte, 32)
	for i := 0; i < 32; i++ {
		yBytes[31-i] = point[i]
	}
	signX := yBytes[0]&0x80 != 0
	yBytes[0] &= 0x7F
	y := new(big.Int).SetBytes(yBytes)
	if y.Cmp(fieldP) >= 0 {
		return false
	}

	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, fieldP)

	num := new(big.Int).Sub(y2, big.NewInt(1))
	num.Mod(num, fieldP)

	den := new(big.Int).Mul(curveD, y2)
	den.Add(den, big.NewInt(1))
	den.Mod(den, fieldP)

	denInv := new(big.Int).ModInverse(den, fieldP)
	if denInv == nil {
		return false
	}
	x2 := new(big.Int).Mul(num, denInv)
	x2.Mod(x2, fieldP)

	if x2.Sign() == 0 {
		// x = 0 has no negative; a set sign bit is not a valid encoding.
		return !signX
	}
	return new(big.Int).Exp(x2, legendreExp, fieldP).Cmp(big.NewInt(1)) == 0
}
