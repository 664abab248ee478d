package txlog

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/fortiblox/yeet-at/internal/types"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func sig(b byte) types.Signature {
	var s types.Signature
	s[0] = b
	s[63] = b
	return s
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "txlog.db"))
	defer s.Close()

	rec := &Record{
		Signature:        sig(1),
		Slot:             10,
		BlockTime:        1_700_000_000,
		Logs:             []string{"init_user: ok"},
		ComputeUnits:     1800,
		InstructionIndex: -1,
		Accounts:         []types.Pubkey{types.YeetProgramAddr},
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(sig(1))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("Get = %+v, want %+v", got, rec)
	}
	if !got.Success() {
		t.Error("record without error should be a success")
	}

	if _, err := s.Get(sig(2)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: got %v, want ErrNotFound", err)
	}
	if ok, _ := s.Has(sig(1)); !ok {
		t.Error("Has = false, want true")
	}
}

func TestFailedRecord(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "txlog.db"))
	defer s.Close()

	rec := &Record{Signature: sig(3), Slot: 4, Err: "illegal owner", ErrCode: 8, InstructionIndex: 1}
	if err := s.Put(rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(sig(3))
	if err != nil {
		t.Fatal(err)
	}
	if got.Success() || got.ErrCode != 8 || got.InstructionIndex != 1 {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestCountersSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "txlog.db")

	s := openTestStore(t, path)
	for i, slot := range []uint64{5, 9, 7} {
		if err := s.Put(&Record{Signature: sig(byte(i + 1)), Slot: slot}); err != nil {
			t.Fatal(err)
		}
	}
	// Replacing a record does not change the count.
	if err := s.Put(&Record{Signature: sig(1), Slot: 5, Err: "x"}); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 3 || s.LatestSlot() != 9 {
		t.Errorf("count=%d latest=%d, want 3/9", s.Count(), s.LatestSlot())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(&Record{Signature: sig(9)}); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after Close: got %v", err)
	}

	s = openTestStore(t, path)
	defer s.Close()
	if s.Count() != 3 || s.LatestSlot() != 9 {
		t.Errorf("after reopen count=%d latest=%d, want 3/9", s.Count(), s.LatestSlot())
	}
	got, err := s.Get(sig(1))
	if err != nil || got.Err != "x" {
		t.Errorf("Get after reopen = %+v, %v", got, err)
	}
}
