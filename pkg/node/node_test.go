package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/accounts"
	"github.com/fortiblox/yeet-at/pkg/rpc"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DataDir != "./data" {
		t.Errorf("expected DataDir './data', got %q", cfg.DataDir)
	}
	if cfg.RPCAddr != ":8899" {
		t.Errorf("expected RPCAddr ':8899', got %q", cfg.RPCAddr)
	}
	if !cfg.RPCEnabled || !cfg.GeyserEnabled {
		t.Error("expected RPC and geyser to be enabled")
	}
	if cfg.SlotInterval != 400*time.Millisecond {
		t.Errorf("expected SlotInterval 400ms, got %v", cfg.SlotInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing data dir",
			modify:  func(c *Config) { c.DataDir = "" },
			wantErr: true,
		},
		{
			name:    "zero slot interval",
			modify:  func(c *Config) { c.SlotInterval = 0 },
			wantErr: true,
		},
		{
			name:    "rpc without address",
			modify:  func(c *Config) { c.RPCAddr = "" },
			wantErr: true,
		},
		{
			name:    "rpc disabled without address",
			modify:  func(c *Config) { c.RPCEnabled = false; c.RPCAddr = "" },
			wantErr: false,
		},
		{
			name:    "geyser without address",
			modify:  func(c *Config) { c.GeyserAddr = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestNewNode(t *testing.T) {
	// Nil config falls back to defaults
	n, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil) failed: %v", err)
	}
	if n.config.DataDir != "./data" {
		t.Errorf("expected default DataDir, got %q", n.config.DataDir)
	}

	cfg := &Config{DataDir: t.TempDir(), RPCEnabled: true}
	if _, err := New(cfg); err == nil {
		t.Error("expected error for RPC without address")
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.RPCAddr = "127.0.0.1:0"
	cfg.GeyserAddr = "127.0.0.1:0"
	cfg.SlotInterval = 10 * time.Millisecond
	return cfg
}

func TestNodeLifecycle(t *testing.T) {
	cfg := testConfig(t)
	ticked := make(chan uint64, 16)
	cfg.OnSlotProcessed = func(slot uint64) {
		select {
		case ticked <- slot:
		default:
		}
	}

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning before Start, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := n.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	select {
	case slot := <-ticked:
		if slot == 0 {
			t.Error("expected slot to advance past 0")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for slot tick")
	}

	client, err := rpc.NewClient(5*time.Second, "http://"+n.RPCAddr())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.GetHealth(ctx); err != nil {
		t.Fatalf("GetHealth failed: %v", err)
	}
	user, err := types.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}
	if _, err := client.RequestAirdrop(ctx, user.Pubkey(), 1_000_000); err != nil {
		t.Fatalf("RequestAirdrop failed: %v", err)
	}

	status := n.Status()
	if !status.IsRunning {
		t.Error("expected node to be running")
	}
	if status.TxsProcessed != 1 {
		t.Errorf("expected 1 transaction, got %d", status.TxsProcessed)
	}
	if status.GeyserAddr == "" || status.RPCAddr == "" {
		t.Errorf("expected bound addresses, got %+v", status)
	}

	if _, err := os.Stat(filepath.Join(cfg.DataDir, "faucet.json")); err != nil {
		t.Errorf("expected faucet keypair to be created: %v", err)
	}

	// A snapshot taken while slots are ticking must load back.
	snap, err := n.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if _, err := accounts.LoadSnapshot(accounts.NewMemoryDB(), snap); err != nil {
		t.Errorf("LoadSnapshot of live snapshot failed: %v", err)
	}

	if err := n.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if n.Status().IsRunning {
		t.Error("expected node to be stopped")
	}
}

func TestNodeRestartKeepsState(t *testing.T) {
	cfg := testConfig(t)
	cfg.GeyserEnabled = false
	cfg.SnapshotOnShutdown = true
	ctx := context.Background()

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	user, _ := types.NewKeypair()
	if _, err := n.Bank().Airdrop(ctx, user.Pubkey(), 5_000); err != nil {
		t.Fatalf("Airdrop failed: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	snaps, err := filepath.Glob(filepath.Join(cfg.DataDir, "snapshots", "snapshot-*.yeetsnap"))
	if err != nil || len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %v (%v)", snaps, err)
	}

	// Same data directory: state comes from the accounts database.
	n, err = New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Start(ctx); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	balance, err := n.Bank().GetBalance(user.Pubkey())
	if err != nil || balance != 5_000 {
		t.Errorf("GetBalance after restart = %d, %v", balance, err)
	}
	n.Stop()

	// Fresh data directory seeded from the snapshot, reusing the faucet.
	fresh := testConfig(t)
	fresh.GeyserEnabled = false
	fresh.SnapshotPath = snaps[0]
	fresh.FaucetKeypair = filepath.Join(cfg.DataDir, "faucet.json")
	n, err = New(fresh)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start from snapshot failed: %v", err)
	}
	defer n.Stop()
	balance, err = n.Bank().GetBalance(user.Pubkey())
	if err != nil || balance != 5_000 {
		t.Errorf("GetBalance from snapshot = %d, %v", balance, err)
	}
}

func TestNodeStartFailsOnBusyPort(t *testing.T) {
	first, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer first.Stop()

	cfg := testConfig(t)
	cfg.RPCAddr = first.RPCAddr()
	second, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := second.Start(context.Background()); !errors.Is(err, ErrInitFailed) {
		t.Fatalf("expected ErrInitFailed, got %v", err)
	}
	if second.Status().IsRunning {
		t.Error("node should not be running after a failed start")
	}
}
