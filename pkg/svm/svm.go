// Package svm defines the contract between the runtime and native programs.
//
// A native program receives an InvokeContext exposing the instruction's
// accounts, a compute meter and a log sink. Programs mutate AccountInfo
// values in place; the runtime decides afterwards whether those mutations
// are permitted and whether the transaction commits.
package svm

import (
	"errors"

	"github.com/fortiblox/yeet-at/internal/types"
)

var (
	// ErrAccountIndexOutOfBounds is returned when an instruction references
	// an account position it was not given.
	ErrAccountIndexOutOfBounds = errors.New("account index out of bounds")
)

// AccountInfo holds one account's state during execution.
//
// Key, IsSigner and IsWritable are facts established by the runtime; the
// remaining fields are the account contents programs may change.
type AccountInfo struct {
	Key        types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	Data       []byte
	Executable bool
	RentEpoch  uint64
	IsSigner   bool
	IsWritable bool
}

// InvokeContext provides context for program execution.
type InvokeContext interface {
	// ProgramID returns the address of the program being invoked.
	ProgramID() types.Pubkey

	// NumAccounts returns the number of accounts passed to the instruction.
	NumAccounts() int

	// GetAccount returns the account at the given instruction position.
	GetAccount(index int) (*AccountInfo, error)

	// ConsumeCompute charges compute units against the transaction budget.
	ConsumeCompute(units uint64) error

	// GetRentMinimum returns the rent-exempt minimum for given data size.
	GetRentMinimum(dataLen uint64) uint64

	// Log records a program log message.
	Log(msg string)
}

// Program is a natively compiled program the runtime can invoke.
type Program interface {
	// Process executes one instruction.
	Process(ctx InvokeContext, data []byte) error
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func(ctx InvokeContext, data []byte) error

// Process calls f(ctx, data).
func (f ProgramFunc) Process(ctx InvokeContext, data []byte) error {
	return f(ctx, data)
}

// AccountMeta describes an account referenced by an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// NewAccountMeta returns a writable account meta.
func NewAccountMeta(pubkey types.Pubkey, isSigner bool) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsSigner: isSigner, IsWritable: true}
}

// NewReadonlyAccountMeta returns a read-only account meta.
func NewReadonlyAccountMeta(pubkey types.Pubkey, isSigner bool) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsSigner: isSigner}
}

// Instruction is a single program invocation inside a transaction.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}
