package pda

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fortiblox/yeet-at/internal/types"
)

func TestFindProgramAddressDeterministic(t *testing.T) {
	owner := types.Pubkey{1, 2, 3}
	seeds := [][]byte{[]byte("user"), owner[:]}

	first, bump, err := FindProgramAddress(seeds, types.YeetProgramAddr)
	if err != nil {
		t.Fatalf("FindProgramAddress failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, againBump, err := FindProgramAddress(seeds, types.YeetProgramAddr)
		if err != nil {
			t.Fatalf("FindProgramAddress failed: %v", err)
		}
		if again != first || againBump != bump {
			t.Fatalf("derivation not deterministic: %s/%d vs %s/%d", again, againBump, first, bump)
		}
	}

	// The found address must be reproducible with the bump as an explicit seed.
	direct, err := CreateProgramAddress(append(seeds, []byte{bump}), types.YeetProgramAddr)
	if err != nil {
		t.Fatalf("CreateProgramAddress failed: %v", err)
	}
	if direct != first {
		t.Errorf("CreateProgramAddress with bump = %s, want %s", direct, first)
	}
	if IsOnCurve(first[:]) {
		t.Error("derived address must be off curve")
	}
}

func TestFindProgramAddressBindsInputs(t *testing.T) {
	a := types.Pubkey{1}
	b := types.Pubkey{2}
	addrA, _, _ := FindProgramAddress([][]byte{[]byte("user"), a[:]}, types.YeetProgramAddr)
	addrB, _, _ := FindProgramAddress([][]byte{[]byte("user"), b[:]}, types.YeetProgramAddr)
	addrPost, _, _ := FindProgramAddress([][]byte{[]byte("post"), a[:]}, types.YeetProgramAddr)
	otherProgram, _, _ := FindProgramAddress([][]byte{[]byte("user"), a[:]}, types.SystemProgramAddr)

	if addrA == addrB {
		t.Error("different owners must derive different addresses")
	}
	if addrA == addrPost {
		t.Error("different prefixes must derive different addresses")
	}
	if addrA == otherProgram {
		t.Error("different programs must derive different addresses")
	}
}

func TestSeedLimits(t *testing.T) {
	long := bytes.Repeat([]byte{1}, MaxSeedLen+1)
	if _, err := CreateProgramAddress([][]byte{long}, types.YeetProgramAddr); !errors.Is(err, ErrMaxSeedLengthExceeded) {
		t.Errorf("expected ErrMaxSeedLengthExceeded, got %v", err)
	}

	many := make([][]byte, MaxSeeds+1)
	if _, err := CreateProgramAddress(many, types.YeetProgramAddr); !errors.Is(err, ErrMaxSeedsExceeded) {
		t.Errorf("expected ErrMaxSeedsExceeded, got %v", err)
	}

	// FindProgramAddress reserves one seed slot for the bump.
	if _, _, err := FindProgramAddress(make([][]byte, MaxSeeds), types.YeetProgramAddr); !errors.Is(err, ErrMaxSeedsExceeded) {
		t.Errorf("expected ErrMaxSeedsExceeded, got %v", err)
	}
}

func TestIsOnCurve(t *testing.T) {
	for i := 0; i < 8; i++ {
		kp, err := types.NewKeypair()
		if err != nil {
			t.Fatalf("NewKeypair failed: %v", err)
		}
		pub := kp.Pubkey()
		if !IsOnCurve(pub[:]) {
			t.Errorf("ed25519 public key %s reported off curve", pub)
		}
	}

	if IsOnCurve([]byte{1, 2, 3}) {
		t.Error("short input must not be on curve")
	}

	// y = p is outside the field.
	notCanonical := bytes.Repeat([]byte{0xff}, 32)
	notCanonical[0] = 0xed
	notCanonical[31] = 0x7f
	if IsOnCurve(notCanonical) {
		t.Error("y >= p must not be on curve")
	}
}
