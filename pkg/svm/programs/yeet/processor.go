// Package yeet implements the yeet social-posting program.
//
// A user initializes a profile record at the address derived from
// ("user", owner) and then appends immutable posts, each stored at the
// address derived from ("post", author, index). The profile's post counter
// is the only source of post indices.
//
// Instruction data is a one-byte opcode followed by its payload:
//   - 0 init_user: no payload; accounts [payer (signer), profile]
//   - 1 create_post: content bytes; accounts [author (signer), profile, post]
package yeet

import (
	"fmt"
	"math"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/svm"
)

// Opcodes.
const (
	OpInitUser   uint8 = 0
	OpCreatePost uint8 = 1
)

// ProgramID is the default yeet program address.
var ProgramID = types.YeetProgramAddr

// AddressDeriver finds program-derived addresses.
type AddressDeriver interface {
	FindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8, error)
}

// Processor executes yeet instructions.
type Processor struct {
	deriver AddressDeriver
}

// NewProcessor creates a processor that checks record addresses with deriver.
func NewProcessor(deriver AddressDeriver) *Processor {
	return &Processor{deriver: deriver}
}

// Process decodes the opcode and runs the matching handler.
func (p *Processor) Process(ctx svm.InvokeContext, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty instruction", ErrInvalidInstructionData)
	}
	if err := ctx.ConsumeCompute(svm.CUYeetProgramDefault); err != nil {
		return err
	}

	switch data[0] {
	case OpInitUser:
		return p.initUser(ctx)
	case OpCreatePost:
		return p.createPost(ctx, data[1:])
	default:
		return fmt.Errorf("%w: unknown opcode %d", ErrInvalidInstructionData, data[0])
	}
}

// initUser writes a fresh profile owned by the payer.
func (p *Processor) initUser(ctx svm.InvokeContext) error {
	const (
		payer = iota
		profile
	)

	accts, err := loadAccounts(ctx, p.deriver, initUserAccounts)
	if err != nil {
		return err
	}
	if err := accts.checkSigner(payer); err != nil {
		return err
	}
	if err := accts.checkRecord(profile, UserProfileSize); err != nil {
		return err
	}
	owner := accts.keyOf(payer)
	if err := accts.checkAddress(profile, ProfileSeeds(owner)); err != nil {
		return err
	}

	data := accts.get(profile).Data
	switch tag := StateTag(data[0]); tag {
	case TagUninitialized:
	case TagUserProfile:
		return fmt.Errorf("%w: profile for %s", ErrAccountAlreadyInitialized, owner)
	default:
		return fmt.Errorf("%w: profile carries state tag %s", ErrInvalidAccountData, tag)
	}

	UserProfile{Owner: owner}.Pack(data)
	ctx.Log(fmt.Sprintf("init_user: profile %s for %s", accts.keyOf(profile), owner))
	return nil
}

// createPost appends a post at the author's next index. Every check runs
// before either account is written, so a failure leaves both untouched.
func (p *Processor) createPost(ctx svm.InvokeContext, content []byte) error {
	const (
		author = iota
		profile
		post
	)

	if len(content) < MinContentLen || len(content) > MaxContentLen {
		return fmt.Errorf("%w: content is %d bytes, want %d..%d",
			ErrInvalidInstructionData, len(content), MinContentLen, MaxContentLen)
	}

	accts, err := loadAccounts(ctx, p.deriver, createPostAccounts)
	if err != nil {
		return err
	}
	if err := accts.checkSigner(author); err != nil {
		return err
	}
	authorKey := accts.keyOf(author)

	if err := accts.checkRecord(profile, UserProfileSize); err != nil {
		return err
	}
	state, err := UnpackUserProfile(accts.get(profile).Data)
	if err != nil {
		return err
	}
	if state.Owner != authorKey {
		return fmt.Errorf("%w: profile belongs to %s, signer is %s", ErrIllegalOwner, state.Owner, authorKey)
	}
	if err := accts.checkAddress(profile, ProfileSeeds(authorKey)); err != nil {
		return err
	}

	index := state.PostCount
	if index == math.MaxUint64 {
		return fmt.Errorf("%w: post_count", ErrArithmeticOverflow)
	}

	if err := accts.checkRecord(post, PostHeaderSize+len(content)); err != nil {
		return err
	}
	if err := accts.checkDistinct(profile, post); err != nil {
		return err
	}
	if err := accts.checkAddress(post, PostSeeds(authorKey, index)); err != nil {
		return err
	}
	postData := accts.get(post).Data
	if StateTag(postData[0]) == TagPost {
		return fmt.Errorf("%w: post %d of %s", ErrAccountAlreadyInitialized, index, authorKey)
	}
	if err := ctx.ConsumeCompute(svm.CUMemoryOpPerByte * uint64(len(content))); err != nil {
		return err
	}

	// All checks passed.
	Post{
		PostHeader: PostHeader{Author: authorKey, Index: index, ContentLen: uint16(len(content))},
		Content:    content,
	}.Pack(postData)
	state.PostCount = index + 1
	state.Pack(accts.get(profile).Data)

	ctx.Log(fmt.Sprintf("create_post: %s #%d (%d bytes)", authorKey, index, len(content)))
	return nil
}
