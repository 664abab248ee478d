package svm

import (
	"errors"
	"fmt"
)

// Compute unit costs. A transaction is charged for its signatures by the
// runtime and for everything else by the programs it invokes.
const (
	CUDefault = uint64(200_000)
	CUMax     = uint64(1_400_000)

	CUSignatureVerify = uint64(720)

	CUCreateProgramAddress = uint64(1_500)
	CUFindProgramAddress   = uint64(1_500)

	CUSystemProgramDefault = uint64(150)
	CUYeetProgramDefault   = uint64(300)

	// Charged per byte of instruction payload copied into account data.
	CUMemoryOpPerByte = uint64(1)
)

var ErrComputeExceeded = errors.New("compute budget exceeded")

// ComputeMeter counts the compute units of one transaction. A transaction
// runs on a single goroutine, so the meter is not synchronized.
type ComputeMeter struct {
	limit     uint64
	used      uint64
	unmetered bool
}

// NewComputeMeter returns a meter with the given budget, capped at CUMax.
func NewComputeMeter(limit uint64) *ComputeMeter {
	return &ComputeMeter{limit: min(limit, CUMax)}
}

// NewComputeMeterDisabled returns a meter that records usage but never runs
// out. Program tests use it.
func NewComputeMeterDisabled() *ComputeMeter {
	return &ComputeMeter{limit: CUMax, unmetered: true}
}

// Consume charges cost units. When the budget cannot cover cost the meter
// is drained and an error wrapping ErrComputeExceeded is returned.
func (m *ComputeMeter) Consume(cost uint64) error {
	if m.unmetered {
		m.used += cost
		return nil
	}
	if rem := m.limit - m.used; cost > rem {
		m.used = m.limit
		return fmt.Errorf("%w: need %d units, %d left", ErrComputeExceeded, cost, rem)
	}
	m.used += cost
	return nil
}

func (m *ComputeMeter) Remaining() uint64 {
	if m.used >= m.limit {
		return 0
	}
	return m.limit - m.used
}

func (m *ComputeMeter) Consumed() uint64 { return m.used }

func (m *ComputeMeter) Limit() uint64 { return m.limit }
