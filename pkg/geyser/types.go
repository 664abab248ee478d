// Package geyser streams committed account updates over gRPC.
//
// The server implements the yeet.Geyser service with a single
// server-streaming Subscribe method. A subscriber sends one
// SubscribeRequest naming the accounts and owners it cares about and then
// receives an AccountUpdate for every matching account write the bank
// commits. Messages are JSON-encoded through a registered gRPC codec, so no
// protobuf code generation is involved.
//
// The client connects, subscribes and reconnects with exponential backoff
// when the stream breaks for a retryable reason.
package geyser

import (
	"time"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/runtime"
)

// Service and method names.
const (
	ServiceName      = "yeet.Geyser"
	subscribeMethod  = "Subscribe"
	subscribeFullRPC = "/" + ServiceName + "/" + subscribeMethod
)

// SubscribeRequest selects the updates a subscriber receives. An update
// matches when its account is listed in Accounts or its owner is listed in
// Owners. An empty request matches every update.
type SubscribeRequest struct {
	Accounts []types.Pubkey `json:"accounts,omitempty"`
	Owners   []types.Pubkey `json:"owners,omitempty"`
}

// AccountUpdate is the committed state of one account after a transaction.
type AccountUpdate struct {
	Slot         uint64          `json:"slot"`
	Pubkey       types.Pubkey    `json:"pubkey"`
	Lamports     uint64          `json:"lamports"`
	Owner        types.Pubkey    `json:"owner"`
	Executable   bool            `json:"executable"`
	RentEpoch    uint64          `json:"rentEpoch"`
	Data         []byte          `json:"data"`
	Signature    types.Signature `json:"signature"`
	WriteVersion uint64          `json:"writeVersion"`
}

func newAccountUpdate(u runtime.AccountUpdate, version uint64) *AccountUpdate {
	out := &AccountUpdate{
		Slot:         u.Slot,
		Pubkey:       u.Pubkey,
		Signature:    u.Signature,
		WriteVersion: version,
	}
	if u.Account != nil {
		out.Lamports = u.Account.Lamports
		out.Owner = u.Account.Owner
		out.Executable = u.Account.Executable
		out.RentEpoch = u.Account.RentEpoch
		out.Data = u.Account.Data
	}
	return out
}

// filter is a SubscribeRequest prepared for matching.
type filter struct {
	accounts map[types.Pubkey]struct{}
	owners   map[types.Pubkey]struct{}
}

func newFilter(req *SubscribeRequest) *filter {
	f := &filter{
		accounts: make(map[types.Pubkey]struct{}, len(req.Accounts)),
		owners:   make(map[types.Pubkey]struct{}, len(req.Owners)),
	}
	for _, k := range req.Accounts {
		f.accounts[k] = struct{}{}
	}
	for _, k := range req.Owners {
		f.owners[k] = struct{}{}
	}
	return f
}

func (f *filter) matches(u *AccountUpdate) bool {
	if len(f.accounts) == 0 && len(f.owners) == 0 {
		return true
	}
	if _, ok := f.accounts[u.Pubkey]; ok {
		return true
	}
	_, ok := f.owners[u.Owner]
	return ok
}

// ClientHealth represents the health status of the client.
type ClientHealth struct {
	Connected      bool
	LastSlot       uint64
	LastUpdate     time.Time
	Endpoint       string
	ReconnectCount int
	LastError      error
}

// IsHealthy returns true if the client is connected.
func (h ClientHealth) IsHealthy() bool {
	return h.Connected
}
