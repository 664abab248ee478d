package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/mr-tron/base58"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/accounts"
	"github.com/fortiblox/yeet-at/pkg/pda"
	"github.com/fortiblox/yeet-at/pkg/runtime"
	"github.com/fortiblox/yeet-at/pkg/svm/programs/yeet"
	"github.com/fortiblox/yeet-at/pkg/txlog"
)

// Version information.
const (
	NodeVersion = "yeetd-0.1.0"
	FeatureSet  = 0
)

// Request limits.
const (
	maxMultipleAccounts   = 100
	maxSignatureStatuses  = 256
	maxRentExemptDataSize = 10 * 1024 * 1024
)

// parseArgs unmarshals positional params, requiring at least min entries.
func parseArgs(params json.RawMessage, min int, what string) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, InvalidParamsError("invalid params")
		}
	}
	if len(args) < min {
		return nil, InvalidParamsErrorf("missing %s parameter", what)
	}
	return args, nil
}

// parseConfig unmarshals the optional config object at args[i].
func parseConfig(args []json.RawMessage, i int, config interface{}) *RPCError {
	if len(args) <= i || string(args[i]) == "null" {
		return nil
	}
	if err := json.Unmarshal(args[i], config); err != nil {
		return InvalidParamsError("invalid config")
	}
	return nil
}

func parsePubkey(raw json.RawMessage, what string) (types.Pubkey, *RPCError) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.Pubkey{}, InvalidParamsErrorf("invalid %s", what)
	}
	pubkey, err := types.PubkeyFromBase58(s)
	if err != nil {
		return types.Pubkey{}, InvalidParamsErrorf("invalid %s format", what)
	}
	return pubkey, nil
}

// contextSlot returns the current slot, failing if it is below minSlot.
func (s *Server) contextSlot(minSlot *uint64) (uint64, *RPCError) {
	slot := s.backend.Slot()
	if minSlot != nil && *minSlot > slot {
		return 0, MinContextSlotError(*minSlot, slot)
	}
	return slot, nil
}

// Account Methods

// getAccountInfo retrieves account information.
func (s *Server) getAccountInfo(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0], "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config AccountInfoConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	if !validEncoding(config.Encoding) {
		return nil, InvalidParamsErrorf("unsupported encoding %q", config.Encoding)
	}
	slot, rpcErr := s.contextSlot(config.MinContextSlot)
	if rpcErr != nil {
		return nil, rpcErr
	}

	info, rpcErr := s.lookupAccount(pubkey, config)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return ResponseWithContext{
		Context: Context{Slot: slot},
		Value:   info,
	}, nil
}

// getBalance retrieves account balance.
func (s *Server) getBalance(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0], "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config ContextConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	slot, rpcErr := s.contextSlot(config.MinContextSlot)
	if rpcErr != nil {
		return nil, rpcErr
	}

	balance, err := s.backend.GetBalance(pubkey)
	if err != nil {
		return nil, InternalServerErrorf("failed to get account: %v", err)
	}
	return ResponseWithContext{
		Context: Context{Slot: slot},
		Value:   balance,
	}, nil
}

// getMultipleAccounts retrieves multiple accounts.
func (s *Server) getMultipleAccounts(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "pubkeys")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var keys []string
	if err := json.Unmarshal(args[0], &keys); err != nil {
		return nil, InvalidParamsError("invalid pubkeys array")
	}
	if len(keys) > maxMultipleAccounts {
		return nil, InvalidParamsErrorf("too many pubkeys (max %d)", maxMultipleAccounts)
	}
	var config AccountInfoConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	if !validEncoding(config.Encoding) {
		return nil, InvalidParamsErrorf("unsupported encoding %q", config.Encoding)
	}
	slot, rpcErr := s.contextSlot(config.MinContextSlot)
	if rpcErr != nil {
		return nil, rpcErr
	}

	values := make([]*AccountInfo, len(keys))
	for i, k := range keys {
		pubkey, err := types.PubkeyFromBase58(k)
		if err != nil {
			return nil, InvalidParamsErrorf("invalid pubkey %q", k)
		}
		values[i], rpcErr = s.lookupAccount(pubkey, config)
		if rpcErr != nil {
			return nil, rpcErr
		}
	}
	return ResponseWithContext{
		Context: Context{Slot: slot},
		Value:   values,
	}, nil
}

// lookupAccount returns nil for accounts that do not exist.
func (s *Server) lookupAccount(pubkey types.Pubkey, config AccountInfoConfig) (*AccountInfo, *RPCError) {
	account, err := s.backend.GetAccount(pubkey)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, InternalServerErrorf("failed to get account: %v", err)
	}
	return s.accountToAccountInfo(pubkey, account, config.Encoding, config.DataSlice)
}

// Transaction Methods

// sendTransaction submits a signed wire transaction and returns its
// signature once it committed. Execution failures are reported as
// SendTransactionPreflightFailure with the TransactionError as data; the
// failure is still recorded and visible through getTransaction.
func (s *Server) sendTransaction(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "transaction")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var encoded string
	if err := json.Unmarshal(args[0], &encoded); err != nil {
		return nil, InvalidParamsError("invalid transaction")
	}
	config := SendTransactionConfig{Encoding: EncodingBase64}
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	var wire []byte
	var err error
	switch config.Encoding {
	case EncodingBase64, "":
		wire, err = base64.StdEncoding.DecodeString(encoded)
	case EncodingBase58:
		wire, err = base58.Decode(encoded)
	default:
		return nil, InvalidParamsErrorf("unsupported encoding %q", config.Encoding)
	}
	if err != nil {
		return nil, InvalidParamsErrorf("failed to decode transaction: %v", err)
	}
	tx, err := runtime.DeserializeTransaction(wire)
	if err != nil {
		return nil, InvalidParamsErrorf("failed to deserialize transaction: %v", err)
	}

	result, err := s.backend.ProcessTransaction(ctx, tx)
	if err != nil {
		return nil, sendTransactionError(err)
	}
	if result.Err != nil {
		return nil, NewRPCErrorWithData(SendTransactionPreflightFailure,
			"Transaction failed: "+result.Err.Error(), &TransactionFailure{
				Signature: result.Signature.String(),
				Err:       newTransactionError(result.Err),
				Logs:      result.Logs,
			})
	}
	return result.Signature.String(), nil
}

// requestAirdrop transfers lamports from the faucet.
func (s *Server) requestAirdrop(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 2, "pubkey and lamports")
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0], "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var lamports uint64
	if err := json.Unmarshal(args[1], &lamports); err != nil {
		return nil, InvalidParamsError("invalid lamports")
	}

	sig, err := s.backend.Airdrop(ctx, pubkey, lamports)
	switch {
	case err == nil:
		return sig.String(), nil
	case errors.Is(err, runtime.ErrAirdropLimitExceeded):
		return nil, InvalidParamsError(err.Error())
	case errors.Is(err, runtime.ErrInsufficientFundsForAirdrop):
		return nil, InternalServerErrorf("airdrop failed: %v", err)
	default:
		return nil, sendTransactionError(err)
	}
}

// getTransaction retrieves a recorded transaction by signature.
func (s *Server) getTransaction(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "signature")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var sigStr string
	if err := json.Unmarshal(args[0], &sigStr); err != nil {
		return nil, InvalidParamsError("invalid signature")
	}
	sig, err := types.SignatureFromBase58(sigStr)
	if err != nil {
		return nil, InvalidParamsError("invalid signature format")
	}

	rec, err := s.backend.GetTransaction(sig)
	if err != nil {
		if errors.Is(err, txlog.ErrNotFound) {
			return nil, nil
		}
		return nil, InternalServerErrorf("failed to get transaction: %v", err)
	}
	return transactionToResponse(rec), nil
}

// getSignatureStatuses retrieves the status of signatures.
func (s *Server) getSignatureStatuses(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "signatures")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var sigStrs []string
	if err := json.Unmarshal(args[0], &sigStrs); err != nil {
		return nil, InvalidParamsError("invalid signatures array")
	}
	if len(sigStrs) > maxSignatureStatuses {
		return nil, InvalidParamsErrorf("too many signatures (max %d)", maxSignatureStatuses)
	}

	statuses := make([]*SignatureStatus, len(sigStrs))
	for i, sigStr := range sigStrs {
		sig, err := types.SignatureFromBase58(sigStr)
		if err != nil {
			return nil, InvalidParamsErrorf("invalid signature %q", sigStr)
		}
		rec, err := s.backend.GetTransaction(sig)
		if errors.Is(err, txlog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, InternalServerErrorf("failed to get transaction: %v", err)
		}
		statuses[i] = &SignatureStatus{
			Slot:               rec.Slot,
			Err:                recordError(rec),
			ConfirmationStatus: "finalized",
		}
	}

	return ResponseWithContext{
		Context: Context{Slot: s.backend.Slot()},
		Value:   statuses,
	}, nil
}

// Cluster Methods

// getSlot returns the current slot.
func (s *Server) getSlot(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 0, "")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config ContextConfig
	if rpcErr := parseConfig(args, 0, &config); rpcErr != nil {
		return nil, rpcErr
	}
	slot, rpcErr := s.contextSlot(config.MinContextSlot)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return slot, nil
}

// getHealth returns the node health status.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node version.
func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		SolanaCore: NodeVersion,
		FeatureSet: FeatureSet,
	}, nil
}

// getLatestBlockhash returns the latest blockhash.
func (s *Server) getLatestBlockhash(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	hash, lastValid := s.backend.LatestBlockhash()
	return ResponseWithContext{
		Context: Context{Slot: s.backend.Slot()},
		Value: LatestBlockhash{
			Blockhash:            hash.String(),
			LastValidBlockHeight: lastValid,
		},
	}, nil
}

// isBlockhashValid reports whether a blockhash is still accepted.
func (s *Server) isBlockhashValid(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "blockhash")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var hashStr string
	if err := json.Unmarshal(args[0], &hashStr); err != nil {
		return nil, InvalidParamsError("invalid blockhash")
	}
	hash, err := types.HashFromBase58(hashStr)
	if err != nil {
		return nil, InvalidParamsError("invalid blockhash format")
	}
	return ResponseWithContext{
		Context: Context{Slot: s.backend.Slot()},
		Value:   s.backend.IsBlockhashValid(hash),
	}, nil
}

// getMinimumBalanceForRentExemption returns the minimum balance for rent exemption.
func (s *Server) getMinimumBalanceForRentExemption(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "data length")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var dataLen uint64
	if err := json.Unmarshal(args[0], &dataLen); err != nil {
		return nil, InvalidParamsError("invalid data length")
	}
	if dataLen > maxRentExemptDataSize {
		return nil, InvalidParamsErrorf("data length %d exceeds %d", dataLen, maxRentExemptDataSize)
	}
	return s.backend.MinimumBalanceForRentExemption(dataLen), nil
}

// Program Methods

// getUserProfile returns the decoded profile of an owner, or null.
func (s *Server) getUserProfile(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "owner")
	if rpcErr != nil {
		return nil, rpcErr
	}
	owner, rpcErr := parsePubkey(args[0], "owner")
	if rpcErr != nil {
		return nil, rpcErr
	}

	address, _, err := yeet.ProfileAddress(pda.Deriver{}, s.backend.YeetProgramID(), owner)
	if err != nil {
		return nil, InternalServerErrorf("failed to derive profile address: %v", err)
	}
	data, rpcErr := s.programAccountData(address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if data == nil {
		return s.withContext(nil), nil
	}
	profile, err := yeet.UnpackUserProfile(data)
	if err != nil {
		return nil, InternalServerErrorf("failed to decode profile: %v", err)
	}
	return s.withContext(profileInfo(address, profile)), nil
}

// getPost returns the decoded post of an author at an index, or null.
func (s *Server) getPost(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 2, "author and index")
	if rpcErr != nil {
		return nil, rpcErr
	}
	author, rpcErr := parsePubkey(args[0], "author")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var index uint64
	if err := json.Unmarshal(args[1], &index); err != nil {
		return nil, InvalidParamsError("invalid index")
	}

	address, _, err := yeet.PostAddress(pda.Deriver{}, s.backend.YeetProgramID(), author, index)
	if err != nil {
		return nil, InternalServerErrorf("failed to derive post address: %v", err)
	}
	data, rpcErr := s.programAccountData(address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if data == nil {
		return s.withContext(nil), nil
	}
	post, err := yeet.UnpackPost(data)
	if err != nil {
		return nil, InternalServerErrorf("failed to decode post: %v", err)
	}
	return s.withContext(postInfo(address, post)), nil
}

// programAccountData returns the data of a yeet-owned account, or nil if
// the account does not exist or belongs to another program.
func (s *Server) programAccountData(address types.Pubkey) ([]byte, *RPCError) {
	account, err := s.backend.GetAccount(address)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, InternalServerErrorf("failed to get account: %v", err)
	}
	if account.Owner != s.backend.YeetProgramID() || len(account.Data) == 0 {
		return nil, nil
	}
	return account.Data, nil
}

func (s *Server) withContext(v interface{}) ResponseWithContext {
	return ResponseWithContext{
		Context: Context{Slot: s.backend.Slot()},
		Value:   v,
	}
}

// Helper methods

// accountToAccountInfo converts an internal account to RPC AccountInfo.
func (s *Server) accountToAccountInfo(pubkey types.Pubkey, account *accounts.Account, encoding Encoding, dataSlice *DataSlice) (*AccountInfo, *RPCError) {
	info := &AccountInfo{
		Executable: account.Executable,
		Lamports:   account.Lamports,
		Owner:      account.Owner.String(),
		RentEpoch:  account.RentEpoch,
		Space:      uint64(len(account.Data)),
	}

	var data interface{}
	if encoding == EncodingJSONParsed && account.Owner == s.backend.YeetProgramID() && dataSlice == nil {
		if parsed, err := parseRecord(pubkey, account.Data); err == nil {
			data = ParsedAccount{Program: "yeet", Parsed: *parsed, Space: info.Space}
		}
	}
	if data == nil {
		encoded, err := EncodeAccountData(ApplyDataSlice(account.Data, dataSlice), encoding)
		if err != nil {
			return nil, InternalServerErrorf("failed to encode data: %v", err)
		}
		data = encoded
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode data: %v", err)
	}
	info.Data = raw
	return info, nil
}

// recordError returns the RPC form of a recorded failure, nil on success.
func recordError(rec *txlog.Record) *TransactionError {
	if rec.Success() {
		return nil
	}
	return &TransactionError{
		Message:          rec.Err,
		InstructionIndex: rec.InstructionIndex,
		Code:             rec.ErrCode,
	}
}

func transactionToResponse(rec *txlog.Record) *TransactionResponse {
	resp := &TransactionResponse{
		Slot:      rec.Slot,
		Signature: rec.Signature.String(),
		Meta: &TransactionMeta{
			Err:                  recordError(rec),
			LogMessages:          rec.Logs,
			ComputeUnitsConsumed: rec.ComputeUnits,
			WrittenAccounts:      pubkeysToStrings(rec.Accounts),
		},
	}
	if rec.BlockTime != 0 {
		bt := rec.BlockTime
		resp.BlockTime = &bt
	}
	return resp
}

func pubkeysToStrings(pubkeys []types.Pubkey) []string {
	if len(pubkeys) == 0 {
		return nil
	}
	result := make([]string, len(pubkeys))
	for i, pk := range pubkeys {
		result[i] = pk.String()
	}
	return result
}
