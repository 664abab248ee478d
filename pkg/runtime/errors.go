package runtime

import (
	"errors"
	"fmt"
)

// Transaction rejection errors. A rejected transaction is never executed
// or recorded.
var (
	ErrSanitizeFailure   = errors.New("transaction failed to sanitize")
	ErrSignatureFailure  = errors.New("transaction signature verification failure")
	ErrBlockhashNotFound = errors.New("blockhash not found")
	ErrAlreadyProcessed  = errors.New("transaction already processed")
)

// Execution errors. A transaction failing with one of these is recorded but
// none of its writes are committed.
var (
	ErrProgramNotFound             = errors.New("program not found")
	ErrReadonlyDataModified        = errors.New("instruction modified data of a read-only account")
	ErrReadonlyLamportChange       = errors.New("instruction changed the balance of a read-only account")
	ErrExternalAccountDataModified = errors.New("instruction modified data of an account it does not own")
	ErrExternalAccountLamportSpend = errors.New("instruction spent from the balance of an account it does not own")
	ErrModifiedProgramID           = errors.New("instruction illegally modified the program id of an account")
	ErrExecutableModified          = errors.New("instruction changed executable bit of an account")
	ErrUnbalancedInstruction       = errors.New("sum of account balances before and after instruction do not match")
	ErrInsufficientFundsForAirdrop = errors.New("faucet has insufficient funds")
	ErrAirdropLimitExceeded        = errors.New("airdrop request exceeds limit")
)

// InstructionError reports which instruction of a transaction failed.
type InstructionError struct {
	Index int
	Err   error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("instruction %d: %v", e.Index, e.Err)
}

func (e *InstructionError) Unwrap() error {
	return e.Err
}
