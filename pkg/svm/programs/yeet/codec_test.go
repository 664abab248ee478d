package yeet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/yeet-at/internal/types"
)

func key(b byte) types.Pubkey {
	var k types.Pubkey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestUserProfileRoundTrip(t *testing.T) {
	for _, p := range []UserProfile{
		{},
		{Owner: key(1), PostCount: 0},
		{Owner: key(0xFE), PostCount: 1<<64 - 1},
	} {
		buf := make([]byte, UserProfileSize)
		p.Pack(buf)
		assert.Equal(t, byte(TagUserProfile), buf[0])

		got, err := UnpackUserProfile(buf)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestUserProfileLayout(t *testing.T) {
	buf := make([]byte, UserProfileSize)
	UserProfile{Owner: key(7), PostCount: 0x0102030405060708}.Pack(buf)

	assert.Equal(t, bytes.Repeat([]byte{7}, 32), buf[1:33])
	assert.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, buf[33:41])
}

func TestPostRoundTrip(t *testing.T) {
	for _, content := range [][]byte{
		[]byte("x"),
		[]byte("hello yeet@"),
		bytes.Repeat([]byte{0xAB}, MaxContentLen),
	} {
		p := Post{
			PostHeader: PostHeader{Author: key(3), Index: 42, ContentLen: uint16(len(content))},
			Content:    content,
		}
		buf := make([]byte, PostSpace(len(content)))
		p.Pack(buf)

		got, err := UnpackPost(buf)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestPostLayout(t *testing.T) {
	p := Post{
		PostHeader: PostHeader{Author: key(9), Index: 1, ContentLen: 2},
		Content:    []byte("hi"),
	}
	buf := make([]byte, PostHeaderSize+2)
	p.Pack(buf)

	assert.Equal(t, byte(TagPost), buf[0])
	assert.Equal(t, bytes.Repeat([]byte{9}, 32), buf[1:33])
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, buf[33:41])
	assert.Equal(t, []byte{2, 0}, buf[41:43])
	assert.Equal(t, []byte("hi"), buf[43:])
}

func TestUnpackErrors(t *testing.T) {
	profile := make([]byte, UserProfileSize)
	UserProfile{Owner: key(1)}.Pack(profile)
	post := make([]byte, PostHeaderSize+3)
	Post{PostHeader: PostHeader{Author: key(1), ContentLen: 3}, Content: []byte("abc")}.Pack(post)

	tests := []struct {
		name   string
		unpack func() error
		want   error
	}{
		{"profile short", func() error { _, err := UnpackUserProfile(profile[:40]); return err }, ErrInvalidAccountData},
		{"profile long", func() error { _, err := UnpackUserProfile(append(profile, 0)); return err }, ErrInvalidAccountData},
		{"profile zeroed", func() error { _, err := UnpackUserProfile(make([]byte, UserProfileSize)); return err }, ErrUninitializedAccount},
		{"profile holds post tag", func() error {
			b := append([]byte(nil), profile...)
			b[0] = byte(TagPost)
			_, err := UnpackUserProfile(b)
			return err
		}, ErrInvalidAccountData},
		{"post short", func() error { _, err := UnpackPost(post[:PostHeaderSize-1]); return err }, ErrInvalidAccountData},
		{"post zeroed", func() error { _, err := UnpackPost(make([]byte, PostHeaderSize+3)); return err }, ErrUninitializedAccount},
		{"post truncated content", func() error { _, err := UnpackPost(post[:len(post)-1]); return err }, ErrInvalidAccountData},
		{"post holds profile tag", func() error {
			b := append([]byte(nil), post...)
			b[0] = byte(TagUserProfile)
			_, err := UnpackPost(b)
			return err
		}, ErrInvalidAccountData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.unpack(), tt.want)
		})
	}
}

func TestDecodeRecord(t *testing.T) {
	profile := make([]byte, UserProfileSize)
	UserProfile{Owner: key(1), PostCount: 5}.Pack(profile)
	rec, err := DecodeRecord(profile)
	require.NoError(t, err)
	assert.Equal(t, TagUserProfile, rec.Tag())
	assert.Equal(t, uint64(5), rec.(UserProfile).PostCount)

	post := make([]byte, PostHeaderSize+1)
	Post{PostHeader: PostHeader{Author: key(1), Index: 4, ContentLen: 1}, Content: []byte("!")}.Pack(post)
	rec, err = DecodeRecord(post)
	require.NoError(t, err)
	assert.Equal(t, TagPost, rec.Tag())
	assert.Equal(t, uint64(4), rec.(Post).Index)

	_, err = DecodeRecord(nil)
	assert.ErrorIs(t, err, ErrInvalidAccountData)
	_, err = DecodeRecord(make([]byte, 10))
	assert.ErrorIs(t, err, ErrUninitializedAccount)
	_, err = DecodeRecord([]byte{9, 0})
	assert.ErrorIs(t, err, ErrInvalidAccountData)
}

func TestStateTagString(t *testing.T) {
	assert.Equal(t, "uninitialized", TagUninitialized.String())
	assert.Equal(t, "user_profile", TagUserProfile.String())
	assert.Equal(t, "post", TagPost.String())
	assert.Equal(t, "unknown(9)", StateTag(9).String())
}

func TestParsePostCount(t *testing.T) {
	profile := make([]byte, UserProfileSize)
	UserProfile{Owner: key(1), PostCount: 17}.Pack(profile)

	assert.Equal(t, uint64(17), ParsePostCount(profile))
	assert.Equal(t, uint64(0), ParsePostCount(profile[:UserProfileSize-1]))
	assert.Equal(t, uint64(0), ParsePostCount(nil))
	assert.Equal(t, uint64(0), ParsePostCount(make([]byte, UserProfileSize)))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeIllegalOwner, ErrorCode(ErrIllegalOwner))
	assert.Equal(t, CodeInvalidAccountData, ErrorCode(unpackErr()))
	assert.Equal(t, ProgramError(0), ErrorCode(nil))
	assert.Equal(t, ProgramError(0), ErrorCode(assert.AnError))

	for code := CodeInvalidInstructionData; code <= CodeArithmeticOverflow; code++ {
		assert.Equal(t, code, ErrorCode(code), "code %d", code)
	}
	assert.ErrorIs(t, CodeAccountAlreadyInitialized, ErrAccountAlreadyInitialized)
	assert.Equal(t, "program error 99", ProgramError(99).Error())
}

// unpackErr returns a wrapped decode error.
func unpackErr() error {
	_, err := UnpackUserProfile(nil)
	return err
}
