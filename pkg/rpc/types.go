package rpc

import (
	"encoding/json"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Context provides slot context for RPC responses.
type Context struct {
	Slot       uint64 `json:"slot"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// ResponseWithContext wraps a value with context.
type ResponseWithContext struct {
	Context Context     `json:"context"`
	Value   interface{} `json:"value"`
}

// Encoding types for account data.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
	EncodingJSONParsed Encoding = "jsonParsed"
)

// DataSlice specifies a portion of account data to return.
type DataSlice struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// AccountInfoConfig configures getAccountInfo and getMultipleAccounts.
type AccountInfoConfig struct {
	Encoding       Encoding   `json:"encoding,omitempty"`
	DataSlice      *DataSlice `json:"dataSlice,omitempty"`
	MinContextSlot *uint64    `json:"minContextSlot,omitempty"`
}

// ContextConfig carries the optional minContextSlot accepted by most
// read methods.
type ContextConfig struct {
	MinContextSlot *uint64 `json:"minContextSlot,omitempty"`
}

// SendTransactionConfig configures sendTransaction.
type SendTransactionConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// AccountInfo represents account information returned by RPC.
type AccountInfo struct {
	Data       json.RawMessage `json:"data"` // [encoded, encoding] or parsed JSON
	Executable bool            `json:"executable"`
	Lamports   uint64          `json:"lamports"`
	Owner      string          `json:"owner"`
	RentEpoch  uint64          `json:"rentEpoch"`
	Space      uint64          `json:"space"`
}

// ParsedAccount is the jsonParsed form of a yeet program account.
type ParsedAccount struct {
	Program string       `json:"program"`
	Parsed  ParsedRecord `json:"parsed"`
	Space   uint64       `json:"space"`
}

// ParsedRecord is a decoded program record.
type ParsedRecord struct {
	Type string      `json:"type"`
	Info interface{} `json:"info"`
}

// UserProfileInfo is the decoded form of a user profile.
type UserProfileInfo struct {
	Address   string `json:"address"`
	Owner     string `json:"owner"`
	PostCount uint64 `json:"postCount"`
}

// PostInfo is the decoded form of a post.
type PostInfo struct {
	Address string `json:"address"`
	Author  string `json:"author"`
	Index   uint64 `json:"index"`
	Content string `json:"content"`
}

// TransactionError describes why a transaction did not commit.
type TransactionError struct {
	Message string `json:"message"`

	// InstructionIndex is the failing instruction, or -1.
	InstructionIndex int `json:"instructionIndex"`

	// Code is the program error code, 0 when the failure was not a
	// program error.
	Code uint32 `json:"code,omitempty"`
}

// TransactionFailure is the error data of a sendTransaction whose
// transaction executed but did not commit.
type TransactionFailure struct {
	Signature string            `json:"signature"`
	Err       *TransactionError `json:"err"`
	Logs      []string          `json:"logs"`
}

// TransactionMeta contains transaction execution metadata.
type TransactionMeta struct {
	Err                  *TransactionError `json:"err"`
	Fee                  uint64            `json:"fee"`
	LogMessages          []string          `json:"logMessages"`
	ComputeUnitsConsumed uint64            `json:"computeUnitsConsumed"`
	WrittenAccounts      []string          `json:"writtenAccounts,omitempty"`
}

// TransactionResponse represents a transaction returned by getTransaction.
type TransactionResponse struct {
	Slot      uint64           `json:"slot"`
	Signature string           `json:"signature"`
	Meta      *TransactionMeta `json:"meta"`
	BlockTime *int64           `json:"blockTime,omitempty"`
}

// SignatureStatus represents the status of a transaction signature.
type SignatureStatus struct {
	Slot               uint64            `json:"slot"`
	Confirmations      *uint64           `json:"confirmations"`
	Err                *TransactionError `json:"err"`
	ConfirmationStatus string            `json:"confirmationStatus,omitempty"`
}

// VersionInfo represents node version information.
type VersionInfo struct {
	SolanaCore string `json:"solana-core"`
	FeatureSet uint64 `json:"feature-set,omitempty"`
}

// LatestBlockhash represents the latest blockhash.
type LatestBlockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}
