// Package types defines the key, signature and hash types shared by the
// yeet-at program and its host.
//
// All three are fixed-size byte arrays whose text form is base58, so they
// can be used directly as JSON fields, map keys and flag values.
package types

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	PubkeySize    = 32
	SignatureSize = 64
	HashSize      = 32
)

// LengthError reports base58 text that decoded to the wrong number of bytes.
type LengthError struct {
	Kind string
	Got  int
	Want int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("invalid %s: %d bytes, want %d", e.Kind, e.Got, e.Want)
}

// decodeFixed decodes base58 text into dst, which must be exactly filled.
func decodeFixed(kind, s string, dst []byte) error {
	data, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", kind, s, err)
	}
	if len(data) != len(dst) {
		return &LengthError{Kind: kind, Got: len(data), Want: len(dst)}
	}
	copy(dst, data)
	return nil
}

// Pubkey is an account address: an Ed25519 public key, or a program-derived
// address that lies off the curve.
type Pubkey [PubkeySize]byte

func PubkeyFromBase58(s string) (Pubkey, error) {
	var p Pubkey
	err := decodeFixed("pubkey", s, p[:])
	return p, err
}

// MustPubkeyFromBase58 is PubkeyFromBase58 for package-level constants.
func MustPubkeyFromBase58(s string) Pubkey {
	p, err := PubkeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pubkey) String() string { return base58.Encode(p[:]) }
func (p Pubkey) IsZero() bool   { return p == Pubkey{} }
func (p Pubkey) Bytes() []byte  { return p[:] }

func (p Pubkey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Pubkey) UnmarshalText(text []byte) error {
	return decodeFixed("pubkey", string(text), p[:])
}

// Signature is an Ed25519 signature. The first signature of a transaction
// is its id.
type Signature [SignatureSize]byte

func SignatureFromBase58(s string) (Signature, error) {
	var sig Signature
	err := decodeFixed("signature", s, sig[:])
	return sig, err
}

func (s Signature) String() string { return base58.Encode(s[:]) }
func (s Signature) IsZero() bool   { return s == Signature{} }
func (s Signature) Bytes() []byte  { return s[:] }

func (s Signature) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Signature) UnmarshalText(text []byte) error {
	return decodeFixed("signature", string(text), s[:])
}

// Hash is a SHA-256 digest. Blockhashes and the accounts hash use it.
type Hash [HashSize]byte

func HashFromBase58(s string) (Hash, error) {
	var h Hash
	err := decodeFixed("hash", s, h[:])
	return h, err
}

// ComputeHash returns SHA-256(data).
func ComputeHash(data []byte) Hash {
	return sha256.Sum256(data)
}

func (h Hash) String() string { return base58.Encode(h[:]) }
func (h Hash) IsZero() bool   { return h == Hash{} }
func (h Hash) Bytes() []byte  { return h[:] }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	return decodeFixed("hash", string(text), h[:])
}
