package yeet

import (
	"fmt"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/svm"
)

// role describes one position in a handler's account list.
type role struct {
	name string

	// signer requires the transaction to carry this account's signature.
	signer bool

	// record marks a persisted record the handler writes: it must be owned
	// by the program, not executable and writable.
	record bool
}

// Account schemas, in instruction order.
var (
	initUserAccounts = []role{
		{name: "payer", signer: true},
		{name: "profile", record: true},
	}
	createPostAccounts = []role{
		{name: "author", signer: true},
		{name: "profile", record: true},
		{name: "post", record: true},
	}
)

// accountSet is the resolved account list for one handler invocation.
type accountSet struct {
	ctx      svm.InvokeContext
	deriver  AddressDeriver
	roles    []role
	accounts []*svm.AccountInfo
}

// loadAccounts resolves every role in schema. Extra accounts are ignored.
func loadAccounts(ctx svm.InvokeContext, deriver AddressDeriver, schema []role) (*accountSet, error) {
	if ctx.NumAccounts() < len(schema) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrNotEnoughAccountKeys, ctx.NumAccounts(), len(schema))
	}
	set := &accountSet{
		ctx:      ctx,
		deriver:  deriver,
		roles:    schema,
		accounts: make([]*svm.AccountInfo, len(schema)),
	}
	for i := range schema {
		acct, err := ctx.GetAccount(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotEnoughAccountKeys, schema[i].name, err)
		}
		set.accounts[i] = acct
	}
	return set, nil
}

func (s *accountSet) get(i int) *svm.AccountInfo {
	return s.accounts[i]
}

// checkSigner applies the signer check to a signing role.
func (s *accountSet) checkSigner(i int) error {
	r, acct := s.roles[i], s.accounts[i]
	if r.signer && !acct.IsSigner {
		return fmt.Errorf("%w: %s %s", ErrMissingRequiredSignature, r.name, acct.Key)
	}
	return nil
}

// checkRecord applies the ownership, not-executable, writable and exact size
// checks to a record role, in that order.
func (s *accountSet) checkRecord(i int, size int) error {
	r, acct := s.roles[i], s.accounts[i]
	if !r.record {
		return nil
	}
	if acct.Owner != s.ctx.ProgramID() {
		return fmt.Errorf("%w: %s is owned by %s", ErrIncorrectProgramID, r.name, acct.Owner)
	}
	if acct.Executable {
		return fmt.Errorf("%w: %s is executable", ErrInvalidAccountData, r.name)
	}
	if !acct.IsWritable {
		return fmt.Errorf("%w: %s is not writable", ErrInvalidAccountData, r.name)
	}
	if len(acct.Data) != size {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrInvalidAccountData, r.name, len(acct.Data), size)
	}
	return nil
}

// checkAddress verifies the account sits at the derived address for seeds.
func (s *accountSet) checkAddress(i int, seeds [][]byte) error {
	r, acct := s.roles[i], s.accounts[i]
	if err := s.ctx.ConsumeCompute(svm.CUFindProgramAddress); err != nil {
		return err
	}
	expected, _, err := s.deriver.FindProgramAddress(seeds, s.ctx.ProgramID())
	if err != nil {
		return fmt.Errorf("%w: deriving %s address: %v", ErrInvalidAccountData, r.name, err)
	}
	if expected != acct.Key {
		return fmt.Errorf("%w: %s address %s, want %s", ErrInvalidAccountData, r.name, acct.Key, expected)
	}
	return nil
}

// checkDistinct rejects two roles resolving to the same account.
func (s *accountSet) checkDistinct(i, j int) error {
	if s.accounts[i].Key == s.accounts[j].Key {
		return fmt.Errorf("%w: %s and %s are the same account %s",
			ErrInvalidAccountData, s.roles[i].name, s.roles[j].name, s.accounts[i].Key)
	}
	return nil
}

// keyOf is a convenience for seed construction.
func (s *accountSet) keyOf(i int) types.Pubkey {
	return s.accounts[i].Key
}
