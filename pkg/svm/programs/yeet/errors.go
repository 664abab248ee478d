package yeet

import (
	"errors"
	"fmt"
)

// Error types.
var (
	ErrInvalidInstructionData    = errors.New("invalid instruction data")
	ErrNotEnoughAccountKeys      = errors.New("not enough account keys")
	ErrMissingRequiredSignature  = errors.New("missing required signature")
	ErrIncorrectProgramID        = errors.New("incorrect program id")
	ErrInvalidAccountData        = errors.New("invalid account data")
	ErrUninitializedAccount      = errors.New("uninitialized account")
	ErrAccountAlreadyInitialized = errors.New("account already initialized")
	ErrIllegalOwner              = errors.New("illegal owner")
	ErrArithmeticOverflow        = errors.New("arithmetic overflow")
)

// ProgramError is the numeric code reported for a failed instruction.
type ProgramError uint32

// Program error codes. Zero means the error did not come from this program.
const (
	CodeInvalidInstructionData    ProgramError = 1
	CodeNotEnoughAccountKeys      ProgramError = 2
	CodeMissingRequiredSignature  ProgramError = 3
	CodeIncorrectProgramID        ProgramError = 4
	CodeInvalidAccountData        ProgramError = 5
	CodeUninitializedAccount      ProgramError = 6
	CodeAccountAlreadyInitialized ProgramError = 7
	CodeIllegalOwner              ProgramError = 8
	CodeArithmeticOverflow        ProgramError = 9
)

var errorCodes = []struct {
	err  error
	code ProgramError
}{
	{ErrInvalidInstructionData, CodeInvalidInstructionData},
	{ErrNotEnoughAccountKeys, CodeNotEnoughAccountKeys},
	{ErrMissingRequiredSignature, CodeMissingRequiredSignature},
	{ErrIncorrectProgramID, CodeIncorrectProgramID},
	{ErrInvalidAccountData, CodeInvalidAccountData},
	{ErrUninitializedAccount, CodeUninitializedAccount},
	{ErrAccountAlreadyInitialized, CodeAccountAlreadyInitialized},
	{ErrIllegalOwner, CodeIllegalOwner},
	{ErrArithmeticOverflow, CodeArithmeticOverflow},
}

// ErrorCode returns the program error code for err, or 0 if err does not
// wrap one of this package's errors.
func ErrorCode(err error) ProgramError {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return 0
}

func (c ProgramError) Error() string {
	for _, e := range errorCodes {
		if e.code == c {
			return e.err.Error()
		}
	}
	return fmt.Sprintf("program error %d", uint32(c))
}

// Unwrap lets a decoded code match the corresponding sentinel with errors.Is.
func (c ProgramError) Unwrap() error {
	for _, e := range errorCodes {
		if e.code == c {
			return e.err
		}
	}
	return nil
}
