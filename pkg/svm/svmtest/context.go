// Package svmtest provides an in-memory InvokeContext for program tests.
package svmtest

import (
	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/svm"
)

// Context is a minimal svm.InvokeContext backed by a slice of accounts.
type Context struct {
	Program  types.Pubkey
	Accounts []*svm.AccountInfo
	Meter    *svm.ComputeMeter
	Logs     []string

	// RentMinimum, if set, overrides the rent-exempt minimum calculation.
	RentMinimum func(dataLen uint64) uint64
}

// NewContext returns a context with a disabled compute meter.
func NewContext(program types.Pubkey, accounts ...*svm.AccountInfo) *Context {
	return &Context{
		Program:  program,
		Accounts: accounts,
		Meter:    svm.NewComputeMeterDisabled(),
	}
}

// ProgramID implements svm.InvokeContext.
func (c *Context) ProgramID() types.Pubkey { return c.Program }

// NumAccounts implements svm.InvokeContext.
func (c *Context) NumAccounts() int { return len(c.Accounts) }

// GetAccount implements svm.InvokeContext.
func (c *Context) GetAccount(index int) (*svm.AccountInfo, error) {
	if index < 0 || index >= len(c.Accounts) {
		return nil, svm.ErrAccountIndexOutOfBounds
	}
	return c.Accounts[index], nil
}

// ConsumeCompute implements svm.InvokeContext.
func (c *Context) ConsumeCompute(units uint64) error {
	return c.Meter.Consume(units)
}

// GetRentMinimum implements svm.InvokeContext.
func (c *Context) GetRentMinimum(dataLen uint64) uint64 {
	if c.RentMinimum != nil {
		return c.RentMinimum(dataLen)
	}
	return 0
}

// Log implements svm.InvokeContext.
func (c *Context) Log(msg string) {
	c.Logs = append(c.Logs, msg)
}

var _ svm.InvokeContext = (*Context)(nil)
