package rpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/svm/programs/yeet"
)

// EncodeAccountData encodes account data as an [encoded, encoding] pair.
func EncodeAccountData(data []byte, encoding Encoding) ([]string, error) {
	switch encoding {
	case EncodingBase58:
		return []string{base58.Encode(data), string(EncodingBase58)}, nil

	case EncodingBase64Zstd:
		compressed, err := compressZstd(data)
		if err != nil {
			return nil, fmt.Errorf("zstd compression failed: %w", err)
		}
		return []string{base64.StdEncoding.EncodeToString(compressed), string(EncodingBase64Zstd)}, nil

	default:
		return []string{base64.StdEncoding.EncodeToString(data), string(EncodingBase64)}, nil
	}
}

// DecodeAccountData decodes account data from the specified encoding.
func DecodeAccountData(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Decode(encoded)

	case EncodingBase64Zstd:
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
		return decompressZstd(compressed)

	default:
		return base64.StdEncoding.DecodeString(encoded)
	}
}

// DecodeAccountInfoData decodes the data field of an AccountInfo returned
// with a binary encoding.
func DecodeAccountInfoData(raw json.RawMessage) ([]byte, error) {
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, fmt.Errorf("data is not an [encoded, encoding] pair: %w", err)
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("data pair has %d elements", len(pair))
	}
	return DecodeAccountData(pair[0], Encoding(pair[1]))
}

// compressZstd compresses data using zstd.
func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// decompressZstd decompresses zstd-compressed data.
func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}

// ApplyDataSlice applies a data slice to account data.
func ApplyDataSlice(data []byte, slice *DataSlice) []byte {
	if slice == nil {
		return data
	}

	start := slice.Offset
	if start >= uint64(len(data)) {
		return []byte{}
	}

	end := start + slice.Length
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}

	return data[start:end]
}

// validEncoding reports whether e is an accepted account encoding. The
// empty string selects base64.
func validEncoding(e Encoding) bool {
	switch e {
	case "", EncodingBase58, EncodingBase64, EncodingBase64Zstd, EncodingJSONParsed:
		return true
	}
	return false
}

// parseRecord decodes a yeet program account for jsonParsed responses.
func parseRecord(address types.Pubkey, data []byte) (*ParsedRecord, error) {
	rec, err := yeet.DecodeRecord(data)
	if err != nil {
		return nil, err
	}
	switch r := rec.(type) {
	case yeet.UserProfile:
		return &ParsedRecord{Type: "userProfile", Info: profileInfo(address, r)}, nil
	case yeet.Post:
		return &ParsedRecord{Type: "post", Info: postInfo(address, r)}, nil
	default:
		return nil, fmt.Errorf("unexpected record %T", rec)
	}
}

func profileInfo(address types.Pubkey, p yeet.UserProfile) *UserProfileInfo {
	return &UserProfileInfo{
		Address:   address.String(),
		Owner:     p.Owner.String(),
		PostCount: p.PostCount,
	}
}

func postInfo(address types.Pubkey, p yeet.Post) *PostInfo {
	return &PostInfo{
		Address: address.String(),
		Author:  p.Author.String(),
		Index:   p.Index,
		Content: string(p.Content),
	}
}
