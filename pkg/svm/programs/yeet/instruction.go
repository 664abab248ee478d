package yeet

import (
	"encoding/binary"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/svm"
	"github.com/fortiblox/yeet-at/pkg/svm/programs/system"
)

// Seed prefixes.
const (
	UserSeed = "user"
	PostSeed = "post"
)

// ProfileSeeds returns the derivation seeds of owner's profile.
func ProfileSeeds(owner types.Pubkey) [][]byte {
	return [][]byte{[]byte(UserSeed), owner.Bytes()}
}

// PostSeeds returns the derivation seeds of author's post at index.
func PostSeeds(author types.Pubkey, index uint64) [][]byte {
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)
	return [][]byte{[]byte(PostSeed), author.Bytes(), idx[:]}
}

// ProfileAddress returns the profile address of owner and its bump.
func ProfileAddress(d AddressDeriver, programID, owner types.Pubkey) (types.Pubkey, uint8, error) {
	return d.FindProgramAddress(ProfileSeeds(owner), programID)
}

// PostAddress returns the address of author's post at index and its bump.
func PostAddress(d AddressDeriver, programID, author types.Pubkey, index uint64) (types.Pubkey, uint8, error) {
	return d.FindProgramAddress(PostSeeds(author, index), programID)
}

// ProfileSpace returns the data size of a profile account.
func ProfileSpace() uint64 {
	return UserProfileSize
}

// PostSpace returns the data size of a post account holding contentLen bytes.
func PostSpace(contentLen int) uint64 {
	return uint64(PostHeaderSize + contentLen)
}

// ParsePostCount reads post_count from profile account data. Short or
// uninitialized data counts as zero posts.
func ParsePostCount(data []byte) uint64 {
	if len(data) < UserProfileSize || StateTag(data[0]) != TagUserProfile {
		return 0
	}
	return binary.LittleEndian.Uint64(data[33:41])
}

// NewInitUserInstruction builds an init_user instruction.
func NewInitUserInstruction(programID, payer, profile types.Pubkey) svm.Instruction {
	return svm.Instruction{
		ProgramID: programID,
		Accounts: []svm.AccountMeta{
			svm.NewAccountMeta(payer, true),
			svm.NewAccountMeta(profile, false),
		},
		Data: []byte{OpInitUser},
	}
}

// NewCreatePostInstruction builds a create_post instruction.
func NewCreatePostInstruction(programID, author, profile, post types.Pubkey, content []byte) svm.Instruction {
	data := make([]byte, 1+len(content))
	data[0] = OpCreatePost
	copy(data[1:], content)
	return svm.Instruction{
		ProgramID: programID,
		Accounts: []svm.AccountMeta{
			svm.NewAccountMeta(author, true),
			svm.NewAccountMeta(profile, false),
			svm.NewAccountMeta(post, false),
		},
		Data: data,
	}
}

// InitUserInstructions returns the instructions that allocate payer's
// profile at its derived address and initialize it. lamports funds the new
// account and must cover rent exemption for ProfileSpace bytes.
func InitUserInstructions(d AddressDeriver, programID, payer types.Pubkey, lamports uint64) ([]svm.Instruction, types.Pubkey, error) {
	seeds := ProfileSeeds(payer)
	profile, bump, err := d.FindProgramAddress(seeds, programID)
	if err != nil {
		return nil, types.Pubkey{}, err
	}
	alloc := system.NewCreateProgramAccountInstruction(payer, profile, system.CreateProgramAccountParams{
		CreateAccountParams: system.CreateAccountParams{
			Lamports: lamports,
			Space:    ProfileSpace(),
			Owner:    programID,
		},
		Seeds: seeds,
		Bump:  bump,
	})
	return []svm.Instruction{alloc, NewInitUserInstruction(programID, payer, profile)}, profile, nil
}

// CreatePostInstructions returns the instructions that allocate author's
// post number index and write content into it. index must be the profile's
// current post count.
func CreatePostInstructions(d AddressDeriver, programID, author types.Pubkey, index uint64, content []byte, lamports uint64) ([]svm.Instruction, types.Pubkey, error) {
	profile, _, err := ProfileAddress(d, programID, author)
	if err != nil {
		return nil, types.Pubkey{}, err
	}
	seeds := PostSeeds(author, index)
	post, bump, err := d.FindProgramAddress(seeds, programID)
	if err != nil {
		return nil, types.Pubkey{}, err
	}
	alloc := system.NewCreateProgramAccountInstruction(author, post, system.CreateProgramAccountParams{
		CreateAccountParams: system.CreateAccountParams{
			Lamports: lamports,
			Space:    PostSpace(len(content)),
			Owner:    programID,
		},
		Seeds: seeds,
		Bump:  bump,
	})
	return []svm.Instruction{alloc, NewCreatePostInstruction(programID, author, profile, post, content)}, post, nil
}
