// Package node provides the orchestrator for a yeetd ledger node.
//
// The Node ties together all components:
//   - AccountsDB (Badger) for account state
//   - Transaction log (bbolt) for transaction outcomes
//   - Bank for transaction execution with the system and yeet programs
//   - Slot ticker advancing the blockhash chain
//   - JSON-RPC server for clients
//   - Geyser server streaming committed account updates
//
// The node manages the lifecycle of these components and reports status.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/accounts"
	"github.com/fortiblox/yeet-at/pkg/geyser"
	"github.com/fortiblox/yeet-at/pkg/rpc"
	"github.com/fortiblox/yeet-at/pkg/runtime"
	"github.com/fortiblox/yeet-at/pkg/txlog"
)

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrConfigInvalid  = errors.New("invalid node configuration")
	ErrInitFailed     = errors.New("node initialization failed")
)

// Config holds node configuration.
type Config struct {
	// DataDir is the root directory for all node data.
	// Subdirectories are created for accounts, the txlog and snapshots.
	DataDir string

	// RPCEnabled enables the JSON-RPC server.
	RPCEnabled bool

	// RPCAddr is the JSON-RPC listen address.
	RPCAddr string

	// RPCLogRequests logs every RPC request.
	RPCLogRequests bool

	// GeyserEnabled enables the account-update stream.
	GeyserEnabled bool

	// GeyserAddr is the geyser gRPC listen address.
	GeyserAddr string

	// GeyserToken, when set, is required from subscribers.
	// Supports environment variable expansion with ${VAR_NAME}.
	GeyserToken string

	// SlotInterval is how often the slot advances.
	SlotInterval time.Duration

	// GCInterval is how often the accounts value log is garbage collected.
	// Zero disables it.
	GCInterval time.Duration

	// SnapshotPath is an optional snapshot loaded into an empty accounts
	// database at startup.
	SnapshotPath string

	// SnapshotOnShutdown writes a snapshot to DataDir/snapshots on Stop.
	SnapshotOnShutdown bool

	// FaucetKeypair is the faucet keypair file. If empty, a keypair is
	// created at DataDir/faucet.json on first start.
	FaucetKeypair string

	// AirdropMax caps a single airdrop in lamports.
	AirdropMax uint64

	// ComputeUnitLimit is the per-transaction compute budget.
	ComputeUnitLimit uint64

	// Logger receives node logs. Nil disables logging.
	Logger *zap.Logger

	// OnSlotProcessed is called after each slot tick (optional).
	OnSlotProcessed func(slot uint64)

	// OnError is called when a background component fails (optional).
	OnError func(err error)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	bank := runtime.DefaultConfig()
	return &Config{
		DataDir:          "./data",
		RPCEnabled:       true,
		RPCAddr:          ":8899",
		GeyserEnabled:    true,
		GeyserAddr:       ":10000",
		SlotInterval:     400 * time.Millisecond,
		GCInterval:       10 * time.Minute,
		AirdropMax:       bank.AirdropMax,
		ComputeUnitLimit: bank.ComputeUnitLimit,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory is required", ErrConfigInvalid)
	}
	if c.SlotInterval <= 0 {
		return fmt.Errorf("%w: slot interval must be positive", ErrConfigInvalid)
	}
	if c.RPCEnabled && c.RPCAddr == "" {
		return fmt.Errorf("%w: RPC address is required when RPC is enabled", ErrConfigInvalid)
	}
	if c.GeyserEnabled && c.GeyserAddr == "" {
		return fmt.Errorf("%w: geyser address is required when geyser is enabled", ErrConfigInvalid)
	}
	return nil
}

// Node is a single yeetd ledger node.
type Node struct {
	config Config
	logger *zap.Logger

	// Core components
	accounts     *accounts.BadgerDB
	txlog        *txlog.Store
	bank         *runtime.Bank
	rpcServer    *rpc.Server
	geyserServer *geyser.Server

	rpcListener    net.Listener
	geyserListener net.Listener

	// State management
	running     atomic.Bool
	startTime   time.Time
	lastError   error
	lastErrorMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node with the given configuration.
// The node is not started until Start() is called.
func New(config *Config) (*Node, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// Apply defaults
	if config.DataDir == "" {
		config.DataDir = DefaultConfig().DataDir
	}
	if config.SlotInterval == 0 {
		config.SlotInterval = DefaultConfig().SlotInterval
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		config: *config,
		logger: logger.Named("node"),
	}, nil
}

// Start opens storage, creates the bank and starts the ticker and servers.
// It returns once every listener is bound. Cancelling ctx halts the node;
// Stop must still be called to release storage.
func (n *Node) Start(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	if err := n.initialize(); err != nil {
		n.cancel()
		n.closeListeners()
		n.closeStorage()
		n.running.Store(false)
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	n.wg.Add(1)
	go n.slotLoop()

	if n.config.GCInterval > 0 {
		n.wg.Add(1)
		go n.gcLoop()
	}

	if n.rpcServer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.rpcServer.Serve(n.ctx, n.rpcListener); err != nil {
				n.reportError(fmt.Errorf("RPC server error: %w", err))
			}
		}()
	}

	if n.geyserServer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.geyserServer.Serve(n.geyserListener); err != nil && !errors.Is(err, geyser.ErrServerClosed) {
				n.reportError(fmt.Errorf("geyser server error: %w", err))
			}
		}()
	}

	n.logger.Info("node started",
		zap.String("data_dir", n.config.DataDir),
		zap.Uint64("slot", n.bank.Slot()),
		zap.String("rpc", n.RPCAddr()),
		zap.String("geyser", n.GeyserAddr()))
	return nil
}

// initialize sets up storage, the bank and the servers.
func (n *Node) initialize() error {
	if err := os.MkdirAll(n.config.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	accountsConfig := accounts.DefaultBadgerDBConfig(filepath.Join(n.config.DataDir, "accounts"))
	accountsConfig.Logger = n.logger.Named("badger")
	accts, err := accounts.NewBadgerDB(accountsConfig)
	if err != nil {
		return fmt.Errorf("open accounts database: %w", err)
	}
	n.accounts = accts

	if err := n.loadInitialSnapshot(); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	txs, err := txlog.Open(txlog.DefaultConfig(filepath.Join(n.config.DataDir, "txlog", "txlog.db")))
	if err != nil {
		return fmt.Errorf("open txlog: %w", err)
	}
	n.txlog = txs

	faucet, err := n.loadFaucet()
	if err != nil {
		return fmt.Errorf("load faucet: %w", err)
	}

	bankConfig := runtime.DefaultConfig()
	bankConfig.Faucet = faucet
	bankConfig.Logger = n.config.Logger
	if n.config.AirdropMax > 0 {
		bankConfig.AirdropMax = n.config.AirdropMax
	}
	if n.config.ComputeUnitLimit > 0 {
		bankConfig.ComputeUnitLimit = n.config.ComputeUnitLimit
	}
	bank, err := runtime.NewBank(bankConfig, accts, txs)
	if err != nil {
		return fmt.Errorf("create bank: %w", err)
	}
	n.bank = bank

	if n.config.GeyserEnabled {
		geyserConfig := geyser.DefaultServerConfig()
		geyserConfig.ListenAddr = n.config.GeyserAddr
		geyserConfig.Token = n.config.GeyserToken
		srv, err := geyser.NewServer(geyserConfig, n.config.Logger)
		if err != nil {
			return fmt.Errorf("create geyser server: %w", err)
		}
		lis, err := net.Listen("tcp", geyserConfig.ListenAddr)
		if err != nil {
			return fmt.Errorf("geyser listen: %w", err)
		}
		n.geyserServer = srv
		n.geyserListener = lis
		bank.SetNotifier(srv)
	}

	if n.config.RPCEnabled {
		rpcConfig := rpc.DefaultConfig()
		rpcConfig.Addr = n.config.RPCAddr
		rpcConfig.LogRequests = n.config.RPCLogRequests
		if err := rpcConfig.Validate(); err != nil {
			return err
		}
		lis, err := net.Listen("tcp", rpcConfig.Addr)
		if err != nil {
			return fmt.Errorf("rpc listen: %w", err)
		}
		n.rpcServer = rpc.New(rpcConfig, bank, n.config.Logger)
		n.rpcListener = lis
	}

	return nil
}

// loadInitialSnapshot loads the configured snapshot into an empty
// accounts database. A non-empty database is left untouched.
func (n *Node) loadInitialSnapshot() error {
	if n.config.SnapshotPath == "" {
		return nil
	}
	count, err := n.accounts.AccountsCount()
	if err != nil {
		return err
	}
	if count > 0 {
		n.logger.Info("accounts database not empty, skipping snapshot",
			zap.String("path", n.config.SnapshotPath),
			zap.Uint64("accounts", count))
		return nil
	}

	header, err := accounts.LoadSnapshot(n.accounts, n.config.SnapshotPath)
	if err != nil {
		return err
	}
	n.logger.Info("snapshot loaded",
		zap.String("path", n.config.SnapshotPath),
		zap.Uint64("slot", header.Slot),
		zap.Uint64("accounts", header.AccountsCount),
		zap.Stringer("hash", header.AccountsHash))
	return nil
}

// loadFaucet reads the faucet keypair, creating it under DataDir when no
// path is configured and none exists yet.
func (n *Node) loadFaucet() (*types.Keypair, error) {
	path := n.config.FaucetKeypair
	if path != "" {
		return types.LoadKeypair(path)
	}

	path = filepath.Join(n.config.DataDir, "faucet.json")
	kp, err := types.LoadKeypair(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if kp, err = types.NewKeypair(); err != nil {
		return nil, err
	}
	if err := types.SaveKeypair(path, kp); err != nil {
		return nil, err
	}
	n.logger.Info("created faucet keypair", zap.String("path", path), zap.Stringer("pubkey", kp.Pubkey()))
	return kp, nil
}

// slotLoop advances the slot every SlotInterval.
func (n *Node) slotLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SlotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			slot, err := n.bank.Tick()
			if err != nil {
				n.reportError(err)
				continue
			}
			if n.config.OnSlotProcessed != nil {
				n.config.OnSlotProcessed(slot)
			}
		}
	}
}

// gcLoop periodically reclaims space in the accounts value log.
func (n *Node) gcLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.accounts.RunGC(); err != nil {
				n.logger.Warn("accounts gc failed", zap.Error(err))
			}
		}
	}
}

// Snapshot writes a snapshot of the accounts database to
// DataDir/snapshots and returns its path. It may run while the node is
// processing transactions; the file reflects one consistent view of the
// accounts.
func (n *Node) Snapshot() (string, error) {
	if n.accounts == nil {
		return "", ErrNotRunning
	}
	path, header, err := accounts.CreateSnapshotIn(n.accounts, filepath.Join(n.config.DataDir, "snapshots"))
	if err != nil {
		return "", err
	}
	n.logger.Info("snapshot written",
		zap.String("path", path),
		zap.Uint64("slot", header.Slot),
		zap.Uint64("accounts", header.AccountsCount))
	return path, nil
}

// closeListeners closes the server listeners. Listeners already closed by
// their server report an error, which is ignored.
func (n *Node) closeListeners() {
	if n.rpcListener != nil {
		n.rpcListener.Close()
	}
	if n.geyserListener != nil {
		n.geyserListener.Close()
	}
}

// closeStorage closes all storage backends.
func (n *Node) closeStorage() {
	if n.txlog != nil {
		n.txlog.Close()
	}
	if n.accounts != nil {
		n.accounts.Close()
	}
}

// Stop gracefully stops the node.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}

	// Cancel context to stop the ticker and the RPC server
	n.cancel()

	if n.geyserServer != nil {
		n.geyserServer.Stop()
	}
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}

	n.wg.Wait()
	n.closeListeners()

	var snapErr error
	if n.config.SnapshotOnShutdown {
		if _, err := n.Snapshot(); err != nil {
			snapErr = fmt.Errorf("snapshot on shutdown: %w", err)
			n.logger.Error("snapshot failed", zap.Error(err))
		}
	}

	slot := n.accounts.GetSlot()
	commitErr := n.accounts.Commit()
	n.closeStorage()

	n.running.Store(false)
	n.logger.Info("node stopped", zap.Uint64("slot", slot))
	return errors.Join(snapErr, commitErr)
}

// Status returns the current node status.
func (n *Node) Status() *Status {
	s := &Status{
		IsRunning: n.running.Load(),
		RPCAddr:   n.RPCAddr(),
		LastError: n.getLastError(),
	}
	if !s.IsRunning {
		return s
	}

	s.Uptime = time.Since(n.startTime)
	s.Slot = n.bank.Slot()
	s.Blockhash, _ = n.bank.LatestBlockhash()
	s.AccountsCount, _ = n.accounts.AccountsCount()
	s.TxsProcessed = n.txlog.Count()
	if n.geyserServer != nil {
		s.GeyserAddr = n.GeyserAddr()
		s.GeyserSubscribers = n.geyserServer.NumSubscribers()
	}
	return s
}

// Status contains the current node status.
type Status struct {
	// Slot is the current slot.
	Slot uint64

	// Blockhash is the newest blockhash.
	Blockhash types.Hash

	// AccountsCount is the total number of accounts in the database.
	AccountsCount uint64

	// TxsProcessed is the number of recorded transactions.
	TxsProcessed uint64

	// IsRunning indicates if the node is running.
	IsRunning bool

	// Uptime is how long the node has been running.
	Uptime time.Duration

	// RPCAddr is the bound RPC address if enabled.
	RPCAddr string

	// GeyserAddr is the bound geyser address if enabled.
	GeyserAddr string

	// GeyserSubscribers is the number of open geyser subscriptions.
	GeyserSubscribers int

	// LastError is the most recent background error.
	LastError error
}

// Bank returns the node's bank, or nil before Start.
func (n *Node) Bank() *runtime.Bank {
	return n.bank
}

// RPCAddr returns the bound RPC address, or "" when RPC is disabled.
func (n *Node) RPCAddr() string {
	if n.rpcListener == nil {
		return ""
	}
	return n.rpcListener.Addr().String()
}

// GeyserAddr returns the bound geyser address, or "" when disabled.
func (n *Node) GeyserAddr() string {
	if n.geyserListener == nil {
		return ""
	}
	return n.geyserListener.Addr().String()
}

func (n *Node) reportError(err error) {
	n.logger.Error("background error", zap.Error(err))
	n.setLastError(err)
	if n.config.OnError != nil {
		n.config.OnError(err)
	}
}

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}
