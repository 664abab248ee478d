package yeet

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/yeet-at/internal/types"
)

// StateTag is the discriminant byte at offset 0 of every record.
type StateTag uint8

// State tags.
const (
	TagUninitialized StateTag = 0
	TagUserProfile   StateTag = 1
	TagPost          StateTag = 2
)

func (t StateTag) String() string {
	switch t {
	case TagUninitialized:
		return "uninitialized"
	case TagUserProfile:
		return "user_profile"
	case TagPost:
		return "post"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Record layout sizes.
const (
	UserProfileSize = 1 + 32 + 8     // tag + owner + post_count
	PostHeaderSize  = 1 + 32 + 8 + 2 // tag + author + index + content_len

	MinContentLen = 1
	MaxContentLen = 512
)

// Record is a decoded program account.
type Record interface {
	Tag() StateTag
}

// UserProfile is the per-owner profile record.
type UserProfile struct {
	Owner     types.Pubkey
	PostCount uint64
}

// Tag implements Record.
func (UserProfile) Tag() StateTag { return TagUserProfile }

// Pack writes the profile, tagged as initialized, into dst[:UserProfileSize].
func (p UserProfile) Pack(dst []byte) {
	dst[0] = byte(TagUserProfile)
	copy(dst[1:33], p.Owner[:])
	binary.LittleEndian.PutUint64(dst[33:41], p.PostCount)
}

// UnpackUserProfile decodes an initialized profile. The buffer must be
// exactly UserProfileSize bytes.
func UnpackUserProfile(src []byte) (UserProfile, error) {
	var p UserProfile
	if len(src) != UserProfileSize {
		return p, fmt.Errorf("%w: profile is %d bytes, want %d", ErrInvalidAccountData, len(src), UserProfileSize)
	}
	if err := expectTag(src[0], TagUserProfile); err != nil {
		return p, err
	}
	copy(p.Owner[:], src[1:33])
	p.PostCount = binary.LittleEndian.Uint64(src[33:41])
	return p, nil
}

// PostHeader is the fixed-size prefix of a post record.
type PostHeader struct {
	Author     types.Pubkey
	Index      uint64
	ContentLen uint16
}

// Pack writes the header, tagged as a post, into dst[:PostHeaderSize].
func (h PostHeader) Pack(dst []byte) {
	dst[0] = byte(TagPost)
	copy(dst[1:33], h.Author[:])
	binary.LittleEndian.PutUint64(dst[33:41], h.Index)
	binary.LittleEndian.PutUint16(dst[41:43], h.ContentLen)
}

// Post is a post record. Content aliases the buffer it was unpacked from.
type Post struct {
	PostHeader
	Content []byte
}

// Tag implements Record.
func (Post) Tag() StateTag { return TagPost }

// Pack writes header and content into dst, which must be exactly
// PostHeaderSize+len(Content) bytes.
func (p Post) Pack(dst []byte) {
	p.PostHeader.Pack(dst)
	copy(dst[PostHeaderSize:], p.Content)
}

// UnpackPost decodes a post record. The buffer must hold exactly the header
// plus content_len bytes.
func UnpackPost(src []byte) (Post, error) {
	var p Post
	if len(src) < PostHeaderSize {
		return p, fmt.Errorf("%w: post is %d bytes, want at least %d", ErrInvalidAccountData, len(src), PostHeaderSize)
	}
	if err := expectTag(src[0], TagPost); err != nil {
		return p, err
	}
	copy(p.Author[:], src[1:33])
	p.Index = binary.LittleEndian.Uint64(src[33:41])
	p.ContentLen = binary.LittleEndian.Uint16(src[41:43])
	if len(src) != PostHeaderSize+int(p.ContentLen) {
		return Post{}, fmt.Errorf("%w: post content_len %d does not match %d trailing bytes",
			ErrInvalidAccountData, p.ContentLen, len(src)-PostHeaderSize)
	}
	p.Content = src[PostHeaderSize:]
	return p, nil
}

// DecodeRecord decodes a program account by its state tag.
func DecodeRecord(data []byte) (Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty account", ErrInvalidAccountData)
	}
	switch StateTag(data[0]) {
	case TagUserProfile:
		return UnpackUserProfile(data)
	case TagPost:
		return UnpackPost(data)
	case TagUninitialized:
		return nil, ErrUninitializedAccount
	default:
		return nil, fmt.Errorf("%w: unknown state tag %d", ErrInvalidAccountData, data[0])
	}
}

func expectTag(got byte, want StateTag) error {
	switch StateTag(got) {
	case want:
		return nil
	case TagUninitialized:
		return fmt.Errorf("%w: expected %s", ErrUninitializedAccount, want)
	default:
		return fmt.Errorf("%w: state tag is %s, want %s", ErrInvalidAccountData, StateTag(got), want)
	}
}
