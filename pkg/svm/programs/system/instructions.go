package system

import (
	"encoding/binary"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/svm"
)

func instructionData(discriminant uint32, size int) []byte {
	data := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(data[:4], discriminant)
	return data
}

// NewCreateAccountInstruction builds a CreateAccount instruction. Both
// accounts must sign.
func NewCreateAccountInstruction(funder, newAccount types.Pubkey, params CreateAccountParams) svm.Instruction {
	data := instructionData(InstructionCreateAccount, 48)
	params.encode(data[4:])
	return svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			svm.NewAccountMeta(funder, true),
			svm.NewAccountMeta(newAccount, true),
		},
		Data: data,
	}
}

// NewCreateProgramAccountInstruction builds a CreateProgramAccount
// instruction. Only the funder signs.
func NewCreateProgramAccountInstruction(funder, newAccount types.Pubkey, params CreateProgramAccountParams) svm.Instruction {
	size := 48 + 2
	for _, seed := range params.Seeds {
		size += 1 + len(seed)
	}
	data := instructionData(InstructionCreateProgramAccount, size)
	params.encode(data[4:])

	off := 4 + 48
	data[off] = params.Bump
	data[off+1] = uint8(len(params.Seeds))
	off += 2
	for _, seed := range params.Seeds {
		data[off] = uint8(len(seed))
		off += 1 + copy(data[off+1:], seed)
	}

	return svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			svm.NewAccountMeta(funder, true),
			svm.NewAccountMeta(newAccount, false),
		},
		Data: data,
	}
}

// NewTransferInstruction builds a Transfer instruction.
func NewTransferInstruction(from, to types.Pubkey, lamports uint64) svm.Instruction {
	data := instructionData(InstructionTransfer, 8)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			svm.NewAccountMeta(from, true),
			svm.NewAccountMeta(to, false),
		},
		Data: data,
	}
}

// NewAssignInstruction builds an Assign instruction.
func NewAssignInstruction(account, owner types.Pubkey) svm.Instruction {
	data := instructionData(InstructionAssign, 32)
	copy(data[4:], owner[:])
	return svm.Instruction{
		ProgramID: ProgramID,
		Accounts:  []svm.AccountMeta{svm.NewAccountMeta(account, true)},
		Data:      data,
	}
}

// NewAllocateInstruction builds an Allocate instruction.
func NewAllocateInstruction(account types.Pubkey, space uint64) svm.Instruction {
	data := instructionData(InstructionAllocate, 8)
	binary.LittleEndian.PutUint64(data[4:], space)
	return svm.Instruction{
		ProgramID: ProgramID,
		Accounts:  []svm.AccountMeta{svm.NewAccountMeta(account, true)},
		Data:      data,
	}
}
