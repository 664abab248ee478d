package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/accounts"
	"github.com/fortiblox/yeet-at/pkg/runtime"
)

// ErrNoEndpoints is returned when a client is created without endpoints.
var ErrNoEndpoints = errors.New("no RPC endpoints configured")

// DefaultClientTimeout bounds one HTTP round trip.
const DefaultClientTimeout = 30 * time.Second

// Client is a typed JSON-RPC client for yeetd. When several endpoints are
// given, a request that fails at the transport level is retried on the
// next endpoint; JSON-RPC errors are returned as *RPCError without retry.
type Client struct {
	httpClient *http.Client
	endpoints  []string
	next       atomic.Uint32
	id         atomic.Uint64
}

// NewClient creates a client for the given endpoint URLs.
func NewClient(timeout time.Duration, endpoints ...string) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoints:  endpoints,
	}, nil
}

// clientResponse is a response whose result and error data are decoded
// lazily.
type clientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	} `json:"error"`
}

// call makes a JSON-RPC call, failing over between endpoints on transport
// errors. A null result leaves result untouched.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      uint64        `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params,omitempty"`
	}{JSONRPCVersion, c.id.Add(1), method, params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	start := int(c.next.Load())
	var lastErr error
	for i := range c.endpoints {
		idx := (start + i) % len(c.endpoints)
		resp, err := c.post(ctx, c.endpoints[idx], body)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.next.Store(uint32((idx + 1) % len(c.endpoints)))
			continue
		}
		if resp.Error != nil {
			rpcErr := NewRPCError(resp.Error.Code, resp.Error.Message)
			if len(resp.Error.Data) > 0 {
				rpcErr.Data = resp.Error.Data
			}
			return rpcErr
		}
		if result != nil && len(resp.Result) > 0 && string(resp.Result) != "null" {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*clientResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp clientResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &rpcResp, nil
}

// callValue calls a method whose result is wrapped in ResponseWithContext
// and decodes the value into value. It returns the context slot.
func (c *Client) callValue(ctx context.Context, method string, params []interface{}, value interface{}) (uint64, error) {
	var resp struct {
		Context Context         `json:"context"`
		Value   json.RawMessage `json:"value"`
	}
	if err := c.call(ctx, method, params, &resp); err != nil {
		return 0, err
	}
	if len(resp.Value) > 0 && string(resp.Value) != "null" {
		if err := json.Unmarshal(resp.Value, value); err != nil {
			return 0, fmt.Errorf("unmarshal value: %w", err)
		}
	}
	return resp.Context.Slot, nil
}

// TransactionFailure extracts the failure details of a sendTransaction
// error, if e carries them.
func (e *RPCError) TransactionFailure() (*TransactionFailure, bool) {
	if e.Code != SendTransactionPreflightFailure || e.Data == nil {
		return nil, false
	}
	raw, ok := e.Data.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(e.Data); err != nil {
			return nil, false
		}
	}
	var f TransactionFailure
	if err := json.Unmarshal(raw, &f); err != nil || f.Signature == "" {
		return nil, false
	}
	return &f, true
}

// GetHealth returns nil when the node reports healthy.
func (c *Client) GetHealth(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("node reports %q", status)
	}
	return nil
}

// GetVersion returns the node version.
func (c *Client) GetVersion(ctx context.Context) (*VersionInfo, error) {
	var v VersionInfo
	if err := c.call(ctx, "getVersion", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetSlot returns the current slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, "getSlot", nil, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetBalance returns the lamports held by pubkey.
func (c *Client) GetBalance(ctx context.Context, pubkey types.Pubkey) (uint64, error) {
	var balance uint64
	if _, err := c.callValue(ctx, "getBalance", []interface{}{pubkey.String()}, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// GetAccountInfo returns the account at pubkey, or
// accounts.ErrAccountNotFound.
func (c *Client) GetAccountInfo(ctx context.Context, pubkey types.Pubkey) (*accounts.Account, error) {
	var info *AccountInfo
	params := []interface{}{pubkey.String(), AccountInfoConfig{Encoding: EncodingBase64Zstd}}
	if _, err := c.callValue(ctx, "getAccountInfo", params, &info); err != nil {
		return nil, err
	}
	if info == nil {
		return nil, accounts.ErrAccountNotFound
	}
	data, err := DecodeAccountInfoData(info.Data)
	if err != nil {
		return nil, err
	}
	owner, err := types.PubkeyFromBase58(info.Owner)
	if err != nil {
		return nil, fmt.Errorf("invalid owner: %w", err)
	}
	return &accounts.Account{
		Lamports:   info.Lamports,
		Data:       data,
		Owner:      owner,
		Executable: info.Executable,
		RentEpoch:  info.RentEpoch,
	}, nil
}

// GetLatestBlockhash returns the newest blockhash and the last slot it is
// accepted at.
func (c *Client) GetLatestBlockhash(ctx context.Context) (types.Hash, uint64, error) {
	var lb LatestBlockhash
	if _, err := c.callValue(ctx, "getLatestBlockhash", nil, &lb); err != nil {
		return types.Hash{}, 0, err
	}
	hash, err := types.HashFromBase58(lb.Blockhash)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("invalid blockhash: %w", err)
	}
	return hash, lb.LastValidBlockHeight, nil
}

// IsBlockhashValid reports whether the node still accepts h.
func (c *Client) IsBlockhashValid(ctx context.Context, h types.Hash) (bool, error) {
	var valid bool
	_, err := c.callValue(ctx, "isBlockhashValid", []interface{}{h.String()}, &valid)
	return valid, err
}

// GetMinimumBalanceForRentExemption returns the rent-exempt minimum for
// dataLen bytes.
func (c *Client) GetMinimumBalanceForRentExemption(ctx context.Context, dataLen uint64) (uint64, error) {
	var lamports uint64
	if err := c.call(ctx, "getMinimumBalanceForRentExemption", []interface{}{dataLen}, &lamports); err != nil {
		return 0, err
	}
	return lamports, nil
}

// RequestAirdrop asks the faucet for lamports.
func (c *Client) RequestAirdrop(ctx context.Context, to types.Pubkey, lamports uint64) (types.Signature, error) {
	var sig string
	if err := c.call(ctx, "requestAirdrop", []interface{}{to.String(), lamports}, &sig); err != nil {
		return types.Signature{}, err
	}
	return types.SignatureFromBase58(sig)
}

// SendTransaction submits tx and returns its signature once committed.
// An execution failure is returned as *RPCError; use
// RPCError.TransactionFailure for details.
func (c *Client) SendTransaction(ctx context.Context, tx *runtime.Transaction) (types.Signature, error) {
	encoded := base64.StdEncoding.EncodeToString(tx.Serialize())
	params := []interface{}{encoded, SendTransactionConfig{Encoding: EncodingBase64}}
	var sig string
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return types.Signature{}, err
	}
	return types.SignatureFromBase58(sig)
}

// GetTransaction returns the recorded outcome of a transaction, or nil if
// the node has no record of it.
func (c *Client) GetTransaction(ctx context.Context, sig types.Signature) (*TransactionResponse, error) {
	var resp *TransactionResponse
	if err := c.call(ctx, "getTransaction", []interface{}{sig.String()}, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetSignatureStatuses returns one status per signature, nil for unknown
// signatures.
func (c *Client) GetSignatureStatuses(ctx context.Context, sigs ...types.Signature) ([]*SignatureStatus, error) {
	strs := make([]string, len(sigs))
	for i, s := range sigs {
		strs[i] = s.String()
	}
	var statuses []*SignatureStatus
	if _, err := c.callValue(ctx, "getSignatureStatuses", []interface{}{strs}, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// GetUserProfile returns the profile of owner, or nil if none exists.
func (c *Client) GetUserProfile(ctx context.Context, owner types.Pubkey) (*UserProfileInfo, error) {
	var profile *UserProfileInfo
	if _, err := c.callValue(ctx, "getUserProfile", []interface{}{owner.String()}, &profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// GetPost returns post index of author, or nil if none exists.
func (c *Client) GetPost(ctx context.Context, author types.Pubkey, index uint64) (*PostInfo, error) {
	var post *PostInfo
	if _, err := c.callValue(ctx, "getPost", []interface{}{author.String(), index}, &post); err != nil {
		return nil, err
	}
	return post, nil
}
