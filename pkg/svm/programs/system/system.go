// Package system implements the System Program.
//
// The System Program is the ledger's account-allocation service:
// - Creating new accounts (keypair-addressed or program-derived)
// - Transferring lamports
// - Assigning account ownership
// - Allocating account space
package system

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/svm"
)

// ProgramID is the System Program address (all zeros).
var ProgramID = types.SystemProgramAddr

// Instruction discriminants (u32 little-endian).
const (
	InstructionCreateAccount        uint32 = 0
	InstructionAssign               uint32 = 1
	InstructionTransfer             uint32 = 2
	InstructionAllocate             uint32 = 8
	InstructionCreateProgramAccount uint32 = 13
)

// Error types.
var (
	ErrInvalidInstructionData   = errors.New("invalid instruction data")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountAlreadyInUse      = errors.New("account already in use")
	ErrNotEnoughAccountKeys     = errors.New("not enough account keys")
	ErrInvalidAccountOwner      = errors.New("invalid account owner")
	ErrAccountNotRentExempt     = errors.New("account not rent exempt")
	ErrMissingRequiredSignature = errors.New("missing required signature")
	ErrAccountNotWritable       = errors.New("account not writable")
	ErrAccountDataTooSmall      = errors.New("account data too small")
	ErrAccountDataTooLarge      = errors.New("account data too large")
	ErrAddressMismatch          = errors.New("derived address mismatch")
	ErrSeedsNotSigned           = errors.New("funder is not among the address seeds")
	ErrLamportOverflow          = errors.New("lamport overflow")
)

// MaxAccountDataSize is the largest data region an account may hold.
const MaxAccountDataSize = 10 * 1024 * 1024 // 10 MB

// AddressDeriver creates program-derived addresses.
type AddressDeriver interface {
	CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error)
}

// Processor executes System Program instructions.
type Processor struct {
	deriver AddressDeriver
}

// NewProcessor creates a new System Program processor.
func NewProcessor(deriver AddressDeriver) *Processor {
	return &Processor{deriver: deriver}
}

// Process executes a System Program instruction.
func (p *Processor) Process(ctx svm.InvokeContext, data []byte) error {
	if len(data) < 4 {
		return ErrInvalidInstructionData
	}
	if err := ctx.ConsumeCompute(svm.CUSystemProgramDefault); err != nil {
		return err
	}

	instruction := binary.LittleEndian.Uint32(data[:4])

	switch instruction {
	case InstructionCreateAccount:
		return p.processCreateAccount(ctx, data[4:])
	case InstructionAssign:
		return p.processAssign(ctx, data[4:])
	case InstructionTransfer:
		return p.processTransfer(ctx, data[4:])
	case InstructionAllocate:
		return p.processAllocate(ctx, data[4:])
	case InstructionCreateProgramAccount:
		return p.processCreateProgramAccount(ctx, data[4:])
	default:
		return ErrInvalidInstructionData
	}
}

// CreateAccountParams for CreateAccount instruction.
type CreateAccountParams struct {
	Lamports uint64
	Space    uint64
	Owner    types.Pubkey
}

func (c CreateAccountParams) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], c.Lamports)
	binary.LittleEndian.PutUint64(buf[8:16], c.Space)
	copy(buf[16:48], c.Owner[:])
}

func decodeCreateAccountParams(data []byte) (CreateAccountParams, error) {
	// lamports (8) + space (8) + owner (32)
	if len(data) < 48 {
		return CreateAccountParams{}, ErrInvalidInstructionData
	}
	params := CreateAccountParams{
		Lamports: binary.LittleEndian.Uint64(data[0:8]),
		Space:    binary.LittleEndian.Uint64(data[8:16]),
	}
	copy(params.Owner[:], data[16:48])
	if params.Space > MaxAccountDataSize {
		return params, ErrAccountDataTooLarge
	}
	return params, nil
}

// fundingPair returns the funding and new accounts, checking that both are
// writable and the funder signed.
func fundingPair(ctx svm.InvokeContext) (funder, newAccount *svm.AccountInfo, err error) {
	funder, err = ctx.GetAccount(0)
	if err != nil {
		return nil, nil, ErrNotEnoughAccountKeys
	}
	newAccount, err = ctx.GetAccount(1)
	if err != nil {
		return nil, nil, ErrNotEnoughAccountKeys
	}
	if !funder.IsSigner {
		return nil, nil, fmt.Errorf("%w: funder %s", ErrMissingRequiredSignature, funder.Key)
	}
	if !funder.IsWritable || !newAccount.IsWritable {
		return nil, nil, ErrAccountNotWritable
	}
	return funder, newAccount, nil
}

// allocateAndAssign moves lamports into an unused account, sizes it and sets
// its owner.
func allocateAndAssign(ctx svm.InvokeContext, funder, newAccount *svm.AccountInfo, params CreateAccountParams) error {
	if funder.Key == newAccount.Key {
		return ErrAccountAlreadyInUse
	}

	// Verify new account is empty (owned by system program and no data)
	if newAccount.Owner != ProgramID || len(newAccount.Data) > 0 || newAccount.Lamports > 0 {
		return fmt.Errorf("%w: %s", ErrAccountAlreadyInUse, newAccount.Key)
	}

	if funder.Lamports < params.Lamports {
		return ErrInsufficientFunds
	}

	if params.Lamports < ctx.GetRentMinimum(params.Space) {
		return ErrAccountNotRentExempt
	}

	funder.Lamports -= params.Lamports
	newAccount.Lamports = params.Lamports
	newAccount.Data = make([]byte, params.Space)
	newAccount.Owner = params.Owner
	return nil
}

// processCreateAccount creates a new keypair-addressed account.
func (p *Processor) processCreateAccount(ctx svm.InvokeContext, data []byte) error {
	params, err := decodeCreateAccountParams(data)
	if err != nil {
		return err
	}

	funder, newAccount, err := fundingPair(ctx)
	if err != nil {
		return err
	}

	// The new address must prove control of its key.
	if !newAccount.IsSigner {
		return fmt.Errorf("%w: new account %s", ErrMissingRequiredSignature, newAccount.Key)
	}

	if err := allocateAndAssign(ctx, funder, newAccount, params); err != nil {
		return err
	}

	ctx.Log("CreateAccount: success")
	return nil
}

// CreateProgramAccountParams for CreateProgramAccount instruction.
type CreateProgramAccountParams struct {
	CreateAccountParams

	// Seeds are the derivation seeds, without the bump.
	Seeds [][]byte

	// Bump is the bump seed appended to Seeds.
	Bump uint8
}

func decodeCreateProgramAccountParams(data []byte) (CreateProgramAccountParams, error) {
	var params CreateProgramAccountParams
	base, err := decodeCreateAccountParams(data)
	if err != nil {
		return params, err
	}
	params.CreateAccountParams = base

	// bump (1) + seed count (1) + seeds (len (1) + bytes each)
	rest := data[48:]
	if len(rest) < 2 {
		return params, ErrInvalidInstructionData
	}
	params.Bump = rest[0]
	count := int(rest[1])
	rest = rest[2:]
	params.Seeds = make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 1 {
			return params, ErrInvalidInstructionData
		}
		n := int(rest[0])
		if len(rest) < 1+n {
			return params, ErrInvalidInstructionData
		}
		params.Seeds = append(params.Seeds, rest[1:1+n])
		rest = rest[1+n:]
	}
	if len(rest) != 0 {
		return params, ErrInvalidInstructionData
	}
	return params, nil
}

// processCreateProgramAccount creates an account at a program-derived
// address. The derived address cannot sign, so instead of a signature the
// address is re-derived from the supplied seeds and the target owner, and
// the signing funder must be one of those seeds. Only the key an address is
// derived from can allocate it.
func (p *Processor) processCreateProgramAccount(ctx svm.InvokeContext, data []byte) error {
	params, err := decodeCreateProgramAccountParams(data)
	if err != nil {
		return err
	}

	funder, newAccount, err := fundingPair(ctx)
	if err != nil {
		return err
	}
	if !seedsContain(params.Seeds, funder.Key) {
		return fmt.Errorf("%w: %s", ErrSeedsNotSigned, funder.Key)
	}

	seeds := make([][]byte, 0, len(params.Seeds)+1)
	seeds = append(seeds, params.Seeds...)
	seeds = append(seeds, []byte{params.Bump})
	if err := ctx.ConsumeCompute(svm.CUCreateProgramAddress); err != nil {
		return err
	}
	expected, err := p.deriver.CreateProgramAddress(seeds, params.Owner)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAddressMismatch, err)
	}
	if expected != newAccount.Key {
		return fmt.Errorf("%w: expected %s, got %s", ErrAddressMismatch, expected, newAccount.Key)
	}

	if err := allocateAndAssign(ctx, funder, newAccount, params.CreateAccountParams); err != nil {
		return err
	}

	ctx.Log("CreateProgramAccount: success")
	return nil
}

func seedsContain(seeds [][]byte, key types.Pubkey) bool {
	for _, seed := range seeds {
		if bytes.Equal(seed, key[:]) {
			return true
		}
	}
	return false
}

// processAssign changes the owner of an account.
func (p *Processor) processAssign(ctx svm.InvokeContext, data []byte) error {
	// Parse parameters: owner (32)
	if len(data) < 32 {
		return ErrInvalidInstructionData
	}

	var newOwner types.Pubkey
	copy(newOwner[:], data[0:32])

	account, err := ctx.GetAccount(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	if !account.IsSigner {
		return ErrMissingRequiredSignature
	}
	if !account.IsWritable {
		return ErrAccountNotWritable
	}

	if account.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}

	account.Owner = newOwner

	ctx.Log("Assign: success")
	return nil
}

// processTransfer transfers lamports between accounts.
func (p *Processor) processTransfer(ctx svm.InvokeContext, data []byte) error {
	// Parse parameters: lamports (8)
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}

	lamports := binary.LittleEndian.Uint64(data[0:8])

	from, err := ctx.GetAccount(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	to, err := ctx.GetAccount(1)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	if !from.IsSigner {
		return ErrMissingRequiredSignature
	}
	if !from.IsWritable || !to.IsWritable {
		return ErrAccountNotWritable
	}

	// Only system-owned accounts can be debited by the system program.
	if from.Owner != ProgramID || len(from.Data) > 0 {
		return ErrInvalidAccountOwner
	}

	if from.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if to.Lamports > ^uint64(0)-lamports {
		return ErrLamportOverflow
	}

	from.Lamports -= lamports
	to.Lamports += lamports

	ctx.Log("Transfer: success")
	return nil
}

// processAllocate allocates space in an account.
func (p *Processor) processAllocate(ctx svm.InvokeContext, data []byte) error {
	// Parse parameters: space (8)
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}

	space := binary.LittleEndian.Uint64(data[0:8])
	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}

	account, err := ctx.GetAccount(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	if !account.IsSigner {
		return ErrMissingRequiredSignature
	}
	if !account.IsWritable {
		return ErrAccountNotWritable
	}

	if account.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}

	// Allocate only ever applies to an account without data.
	if len(account.Data) > 0 {
		return ErrAccountAlreadyInUse
	}

	account.Data = make([]byte, space)

	ctx.Log("Allocate: success")
	return nil
}
