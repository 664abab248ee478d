package runtime

import (
	"bytes"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/svm"
)

// instructionContext provides context for one instruction's execution.
type instructionContext struct {
	programID types.Pubkey
	accounts  []*svm.AccountInfo
	meter     *svm.ComputeMeter
	rent      func(dataLen uint64) uint64
	logs      *[]string
}

// ProgramID implements svm.InvokeContext.
func (c *instructionContext) ProgramID() types.Pubkey { return c.programID }

// NumAccounts implements svm.InvokeContext.
func (c *instructionContext) NumAccounts() int { return len(c.accounts) }

// GetAccount returns the account at the given index.
func (c *instructionContext) GetAccount(index int) (*svm.AccountInfo, error) {
	if index < 0 || index >= len(c.accounts) {
		return nil, svm.ErrAccountIndexOutOfBounds
	}
	return c.accounts[index], nil
}

// ConsumeCompute implements svm.InvokeContext.
func (c *instructionContext) ConsumeCompute(units uint64) error {
	return c.meter.Consume(units)
}

// GetRentMinimum returns the rent-exempt minimum.
func (c *instructionContext) GetRentMinimum(dataLen uint64) uint64 {
	return c.rent(dataLen)
}

// Log records a log message.
func (c *instructionContext) Log(msg string) {
	*c.logs = append(*c.logs, "Program log: "+msg)
}

// accountState is a copy of the mutable fields of an account.
type accountState struct {
	owner      types.Pubkey
	lamports   uint64
	data       []byte
	executable bool
}

func captureState(a *svm.AccountInfo) accountState {
	return accountState{
		owner:      a.Owner,
		lamports:   a.Lamports,
		data:       bytes.Clone(a.Data),
		executable: a.Executable,
	}
}

// verifyAccountChange checks that the program that ran may make the change
// from pre to post.
func verifyAccountChange(programID types.Pubkey, pre accountState, post *svm.AccountInfo) error {
	dataChanged := !bytes.Equal(pre.data, post.Data)

	if !post.IsWritable {
		if post.Lamports != pre.lamports {
			return ErrReadonlyLamportChange
		}
		if dataChanged || post.Owner != pre.owner || post.Executable != pre.executable {
			return ErrReadonlyDataModified
		}
		return nil
	}

	owned := pre.owner == programID
	if post.Owner != pre.owner && !owned {
		return ErrModifiedProgramID
	}
	if post.Lamports < pre.lamports && !owned {
		return ErrExternalAccountLamportSpend
	}
	if dataChanged && !owned {
		return ErrExternalAccountDataModified
	}
	if post.Executable != pre.executable {
		return ErrExecutableModified
	}
	return nil
}
