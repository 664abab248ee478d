package runtime

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/accounts"
	"github.com/fortiblox/yeet-at/pkg/pda"
	"github.com/fortiblox/yeet-at/pkg/svm"
	"github.com/fortiblox/yeet-at/pkg/svm/programs/system"
	"github.com/fortiblox/yeet-at/pkg/svm/programs/yeet"
	"github.com/fortiblox/yeet-at/pkg/txlog"
)

const sol = 1_000_000_000

func keypair(t *testing.T, b byte) *types.Keypair {
	t.Helper()
	kp, err := types.KeypairFromSeed(bytes.Repeat([]byte{b}, 32))
	if err != nil {
		t.Fatalf("KeypairFromSeed failed: %v", err)
	}
	return kp
}

type testBank struct {
	*Bank
	t      *testing.T
	db     *accounts.MemoryDB
	log    *txlog.Store
	faucet *types.Keypair
}

func newTestBank(t *testing.T, modify func(*Config)) *testBank {
	t.Helper()
	log, err := txlog.Open(txlog.DefaultConfig(filepath.Join(t.TempDir(), "tx.db")))
	if err != nil {
		t.Fatalf("txlog.Open failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	db := accounts.NewMemoryDB()
	cfg := DefaultConfig()
	cfg.Faucet = keypair(t, 0xfa)
	if modify != nil {
		modify(&cfg)
	}
	bank, err := NewBank(cfg, db, log)
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}
	return &testBank{Bank: bank, t: t, db: db, log: log, faucet: cfg.Faucet}
}

// send signs ixs with signers and processes the transaction, failing the
// test if it is rejected.
func (b *testBank) send(ixs []svm.Instruction, signers ...*types.Keypair) *Result {
	b.t.Helper()
	blockhash, _ := b.LatestBlockhash()
	tx, err := NewTransaction(blockhash, ixs, signers...)
	if err != nil {
		b.t.Fatalf("NewTransaction failed: %v", err)
	}
	res, err := b.ProcessTransaction(context.Background(), tx)
	if err != nil {
		b.t.Fatalf("ProcessTransaction rejected: %v", err)
	}
	return res
}

func (b *testBank) fund(to types.Pubkey, lamports uint64) {
	b.t.Helper()
	if _, err := b.Airdrop(context.Background(), to, lamports); err != nil {
		b.t.Fatalf("Airdrop failed: %v", err)
	}
}

func (b *testBank) initUser(user *types.Keypair) types.Pubkey {
	b.t.Helper()
	ixs, profile, err := yeet.InitUserInstructions(pda.Deriver{}, b.YeetProgramID(), user.Pubkey(),
		b.MinimumBalanceForRentExemption(yeet.ProfileSpace()))
	if err != nil {
		b.t.Fatalf("InitUserInstructions failed: %v", err)
	}
	if res := b.send(ixs, user); res.Err != nil {
		b.t.Fatalf("init user failed: %v", res.Err)
	}
	return profile
}

func (b *testBank) postIxs(user *types.Keypair, index uint64, content string) ([]svm.Instruction, types.Pubkey) {
	b.t.Helper()
	ixs, post, err := yeet.CreatePostInstructions(pda.Deriver{}, b.YeetProgramID(), user.Pubkey(), index,
		[]byte(content), b.MinimumBalanceForRentExemption(yeet.PostSpace(len(content))))
	if err != nil {
		b.t.Fatalf("CreatePostInstructions failed: %v", err)
	}
	return ixs, post
}

func TestInitUserAndPost(t *testing.T) {
	b := newTestBank(t, nil)
	user := keypair(t, 1)
	b.fund(user.Pubkey(), sol)

	profileKey := b.initUser(user)
	acc, err := b.GetAccount(profileKey)
	if err != nil {
		t.Fatalf("profile account missing: %v", err)
	}
	if acc.Owner != b.YeetProgramID() {
		t.Errorf("profile owner = %s, want %s", acc.Owner, b.YeetProgramID())
	}
	profile, err := yeet.UnpackUserProfile(acc.Data)
	if err != nil {
		t.Fatalf("UnpackUserProfile failed: %v", err)
	}
	if profile.Owner != user.Pubkey() || profile.PostCount != 0 {
		t.Errorf("profile = %+v", profile)
	}

	for i, content := range []string{"hello", "world"} {
		ixs, postKey := b.postIxs(user, uint64(i), content)
		res := b.send(ixs, user)
		if res.Err != nil {
			t.Fatalf("post %d failed: %v", i, res.Err)
		}

		acc, err := b.GetAccount(postKey)
		if err != nil {
			t.Fatalf("post account missing: %v", err)
		}
		post, err := yeet.UnpackPost(acc.Data)
		if err != nil {
			t.Fatalf("UnpackPost failed: %v", err)
		}
		if post.Author != user.Pubkey() || post.Index != uint64(i) || string(post.Content) != content {
			t.Errorf("post %d = %+v", i, post)
		}

		rec, err := b.GetTransaction(res.Signature)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if !rec.Success() || rec.ComputeUnits != res.ComputeUnits {
			t.Errorf("record = %+v", rec)
		}
	}

	acc, _ = b.GetAccount(profileKey)
	if got := yeet.ParsePostCount(acc.Data); got != 2 {
		t.Errorf("post count = %d, want 2", got)
	}
}

func TestFailedTransactionLeavesStateUnchanged(t *testing.T) {
	b := newTestBank(t, nil)
	user := keypair(t, 2)
	b.fund(user.Pubkey(), sol)
	profileKey := b.initUser(user)

	before, err := accounts.ComputeAccountsHash(b.db)
	if err != nil {
		t.Fatal(err)
	}
	balance, _ := b.GetBalance(user.Pubkey())

	// The allocation succeeds but index 1 is not the next post, so the
	// yeet instruction fails and the allocation must not commit either.
	ixs, postKey := b.postIxs(user, 1, "too early")
	res := b.send(ixs, user)
	if !errors.Is(res.Err, yeet.ErrInvalidAccountData) {
		t.Fatalf("Err = %v, want ErrInvalidAccountData", res.Err)
	}
	var ixErr *InstructionError
	if !errors.As(res.Err, &ixErr) || ixErr.Index != 1 {
		t.Errorf("Err = %v, want failure in instruction 1", res.Err)
	}
	if len(res.Accounts) != 0 {
		t.Errorf("failed transaction wrote %v", res.Accounts)
	}

	after, _ := accounts.ComputeAccountsHash(b.db)
	if after != before {
		t.Error("accounts hash changed after a failed transaction")
	}
	if ok, _ := b.db.HasAccount(postKey); ok {
		t.Error("post account was committed")
	}
	if got, _ := b.GetBalance(user.Pubkey()); got != balance {
		t.Errorf("balance = %d, want %d", got, balance)
	}
	acc, _ := b.GetAccount(profileKey)
	if yeet.ParsePostCount(acc.Data) != 0 {
		t.Error("profile post count changed")
	}

	rec, err := b.GetTransaction(res.Signature)
	if err != nil {
		t.Fatalf("failed transaction not recorded: %v", err)
	}
	if rec.Success() || rec.InstructionIndex != 1 || rec.ErrCode != uint32(yeet.CodeInvalidAccountData) {
		t.Errorf("record = %+v", rec)
	}
}

func TestInitUserTwiceFails(t *testing.T) {
	b := newTestBank(t, nil)
	user := keypair(t, 3)
	b.fund(user.Pubkey(), sol)
	profileKey := b.initUser(user)

	res := b.send([]svm.Instruction{yeet.NewInitUserInstruction(b.YeetProgramID(), user.Pubkey(), profileKey)}, user)
	if !errors.Is(res.Err, yeet.ErrAccountAlreadyInitialized) {
		t.Errorf("Err = %v, want ErrAccountAlreadyInitialized", res.Err)
	}

	// Allocating over the existing profile fails in the system program.
	ixs, _, _ := yeet.InitUserInstructions(pda.Deriver{}, b.YeetProgramID(), user.Pubkey(),
		b.MinimumBalanceForRentExemption(yeet.ProfileSpace()))
	res = b.send(ixs, user)
	if !errors.Is(res.Err, system.ErrAccountAlreadyInUse) {
		t.Errorf("Err = %v, want ErrAccountAlreadyInUse", res.Err)
	}
}

func TestSquattingDerivedAddressRejected(t *testing.T) {
	b := newTestBank(t, nil)
	alice := keypair(t, 4)
	mallory := keypair(t, 5)
	b.fund(alice.Pubkey(), sol)
	b.fund(mallory.Pubkey(), sol)

	squat := func(seeds [][]byte) types.Pubkey {
		t.Helper()
		addr, bump, err := pda.FindProgramAddress(seeds, b.YeetProgramID())
		if err != nil {
			t.Fatalf("FindProgramAddress failed: %v", err)
		}
		ix := system.NewCreateProgramAccountInstruction(mallory.Pubkey(), addr, system.CreateProgramAccountParams{
			CreateAccountParams: system.CreateAccountParams{
				Lamports: b.MinimumBalanceForRentExemption(5),
				Space:    5,
				Owner:    b.YeetProgramID(),
			},
			Seeds: seeds,
			Bump:  bump,
		})
		res := b.send([]svm.Instruction{ix}, mallory)
		if !errors.Is(res.Err, system.ErrSeedsNotSigned) {
			t.Fatalf("Err = %v, want ErrSeedsNotSigned", res.Err)
		}
		if ok, _ := b.db.HasAccount(addr); ok {
			t.Fatalf("squatted account %s was committed", addr)
		}
		return addr
	}
	squat(yeet.ProfileSeeds(alice.Pubkey()))
	squat(yeet.PostSeeds(alice.Pubkey(), 0))

	b.initUser(alice)
	ixs, postKey := b.postIxs(alice, 0, "still mine")
	if res := b.send(ixs, alice); res.Err != nil {
		t.Fatalf("post after squat attempt failed: %v", res.Err)
	}
	acc, err := b.GetAccount(postKey)
	if err != nil {
		t.Fatalf("post account missing: %v", err)
	}
	if post, err := yeet.UnpackPost(acc.Data); err != nil || string(post.Content) != "still mine" {
		t.Errorf("post = %+v, %v", post, err)
	}
}

func TestSignatureVerification(t *testing.T) {
	b := newTestBank(t, nil)
	user := keypair(t, 4)
	blockhash, _ := b.LatestBlockhash()

	newTx := func() *Transaction {
		tx, err := NewTransaction(blockhash,
			[]svm.Instruction{system.NewTransferInstruction(b.faucet.Pubkey(), user.Pubkey(), 1)}, b.faucet)
		if err != nil {
			t.Fatal(err)
		}
		return tx
	}

	tx := newTx()
	tx.Signatures[0][0] ^= 1
	if _, err := b.ProcessTransaction(context.Background(), tx); !errors.Is(err, ErrSignatureFailure) {
		t.Errorf("tampered signature: got %v", err)
	}

	tx = newTx()
	tx.Message.Instructions[0].Data[4] ^= 1
	if _, err := b.ProcessTransaction(context.Background(), tx); !errors.Is(err, ErrSignatureFailure) {
		t.Errorf("tampered message: got %v", err)
	}

	tx = newTx()
	tx.Signatures = nil
	if _, err := b.ProcessTransaction(context.Background(), tx); !errors.Is(err, ErrSignatureFailure) {
		t.Errorf("missing signature: got %v", err)
	}

	if n := b.log.Count(); n != 0 {
		t.Errorf("rejected transactions were recorded: %d", n)
	}
}

func TestDuplicateTransactionRejected(t *testing.T) {
	b := newTestBank(t, nil)
	user := keypair(t, 5)
	blockhash, _ := b.LatestBlockhash()
	tx, err := NewTransaction(blockhash,
		[]svm.Instruction{system.NewTransferInstruction(b.faucet.Pubkey(), user.Pubkey(), 10)}, b.faucet)
	if err != nil {
		t.Fatal(err)
	}

	if res, err := b.ProcessTransaction(context.Background(), tx); err != nil || res.Err != nil {
		t.Fatalf("first submission: %v, %v", err, res)
	}
	if _, err := b.ProcessTransaction(context.Background(), tx); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second submission: got %v, want ErrAlreadyProcessed", err)
	}
	if got, _ := b.GetBalance(user.Pubkey()); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestBlockhashExpiry(t *testing.T) {
	b := newTestBank(t, func(c *Config) { c.MaxRecentBlockhashes = 3 })
	user := keypair(t, 6)

	old, _ := b.LatestBlockhash()
	for i := 0; i < 3; i++ {
		if _, err := b.Tick(); err != nil {
			t.Fatal(err)
		}
	}
	if b.IsBlockhashValid(old) {
		t.Fatal("blockhash still valid after expiry")
	}
	if b.Slot() != 3 || b.db.GetSlot() != 3 {
		t.Errorf("slot = %d, db slot = %d, want 3", b.Slot(), b.db.GetSlot())
	}

	tx, err := NewTransaction(old,
		[]svm.Instruction{system.NewTransferInstruction(b.faucet.Pubkey(), user.Pubkey(), 1)}, b.faucet)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.ProcessTransaction(context.Background(), tx); !errors.Is(err, ErrBlockhashNotFound) {
		t.Errorf("got %v, want ErrBlockhashNotFound", err)
	}
}

func TestBlockhashChainSurvivesRestart(t *testing.T) {
	b := newTestBank(t, nil)
	b.Tick()
	b.Tick()
	want, _ := b.LatestBlockhash()

	again, err := NewBank(b.config, b.db, b.log)
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}
	if again.Slot() != 2 {
		t.Errorf("slot = %d, want 2", again.Slot())
	}
	got, _ := again.LatestBlockhash()
	if got == want {
		t.Error("restarted bank reused the previous tip blockhash")
	}

	faucet, _ := again.GetBalance(b.faucet.Pubkey())
	if faucet != b.config.FaucetLamports {
		t.Errorf("faucet balance = %d, want %d", faucet, b.config.FaucetLamports)
	}
}

func TestRuntimeAccountChecks(t *testing.T) {
	programID := types.MustPubkeyFromBase58("Test111111111111111111111111111111111111111")
	own := keypair(t, 7).Pubkey()
	other := keypair(t, 8).Pubkey()

	tests := []struct {
		name     string
		writable bool
		owned    bool
		mutate   func(a *svm.AccountInfo)
		wantErr  error
	}{
		{"data of unowned account", true, false, func(a *svm.AccountInfo) { a.Data = []byte{1} }, ErrExternalAccountDataModified},
		{"owner of unowned account", true, false, func(a *svm.AccountInfo) { a.Owner = programID }, ErrModifiedProgramID},
		{"debit unowned account", true, false, func(a *svm.AccountInfo) { a.Lamports-- }, ErrExternalAccountLamportSpend},
		{"readonly lamports", false, true, func(a *svm.AccountInfo) { a.Lamports++ }, ErrReadonlyLamportChange},
		{"readonly data", false, true, func(a *svm.AccountInfo) { a.Data[0] = 9 }, ErrReadonlyDataModified},
		{"executable bit", true, true, func(a *svm.AccountInfo) { a.Executable = true }, ErrExecutableModified},
		{"mint lamports", true, true, func(a *svm.AccountInfo) { a.Lamports++ }, ErrUnbalancedInstruction},
		{"owned data", true, true, func(a *svm.AccountInfo) { a.Data[0] = 9 }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBank(t, nil)
			b.programs[programID] = svm.ProgramFunc(func(ctx svm.InvokeContext, _ []byte) error {
				a, err := ctx.GetAccount(1)
				if err != nil {
					return err
				}
				tt.mutate(a)
				return nil
			})

			target := other
			acc := &accounts.Account{Lamports: 100, Data: []byte{0}, Owner: types.SystemProgramAddr}
			if tt.owned {
				target = own
				acc.Owner = programID
			}
			if err := b.db.SetAccount(target, acc); err != nil {
				t.Fatal(err)
			}

			ix := svm.Instruction{
				ProgramID: programID,
				Accounts: []svm.AccountMeta{
					svm.NewAccountMeta(b.faucet.Pubkey(), true),
					{Pubkey: target, IsWritable: tt.writable},
				},
			}
			res := b.send([]svm.Instruction{ix}, b.faucet)
			if !errors.Is(res.Err, tt.wantErr) {
				t.Fatalf("Err = %v, want %v", res.Err, tt.wantErr)
			}

			stored, _ := b.GetAccount(target)
			if tt.wantErr != nil && !stored.Equal(acc) {
				t.Errorf("account changed after failure: %+v", stored)
			}
			if tt.wantErr == nil && stored.Data[0] != 9 {
				t.Errorf("owned write not committed: %+v", stored)
			}
		})
	}
}

func TestUnknownProgram(t *testing.T) {
	b := newTestBank(t, nil)
	ix := svm.Instruction{ProgramID: keypair(t, 9).Pubkey()}
	res := b.send([]svm.Instruction{ix}, b.faucet)
	if !errors.Is(res.Err, ErrProgramNotFound) {
		t.Errorf("Err = %v, want ErrProgramNotFound", res.Err)
	}
}

func TestComputeBudget(t *testing.T) {
	b := newTestBank(t, func(c *Config) { c.ComputeUnitLimit = 2000 })
	user := keypair(t, 10)
	b.fund(user.Pubkey(), sol)

	// Signature verification plus the allocation's derivation exceed the
	// budget before the yeet instruction runs.
	ixs, profileKey, err := yeet.InitUserInstructions(pda.Deriver{}, b.YeetProgramID(), user.Pubkey(),
		b.MinimumBalanceForRentExemption(yeet.ProfileSpace()))
	if err != nil {
		t.Fatal(err)
	}
	res := b.send(ixs, user)
	if !errors.Is(res.Err, svm.ErrComputeExceeded) {
		t.Fatalf("Err = %v, want ErrComputeExceeded", res.Err)
	}
	if res.ComputeUnits != 2000 {
		t.Errorf("ComputeUnits = %d, want 2000", res.ComputeUnits)
	}
	if ok, _ := b.db.HasAccount(profileKey); ok {
		t.Error("profile committed despite compute failure")
	}
}

type recordingNotifier struct {
	batches [][]AccountUpdate
}

func (n *recordingNotifier) NotifyAccounts(updates []AccountUpdate) {
	n.batches = append(n.batches, updates)
}

func TestNotifierSeesCommittedUpdatesOnly(t *testing.T) {
	b := newTestBank(t, nil)
	n := &recordingNotifier{}
	b.SetNotifier(n)
	user := keypair(t, 11)

	sig, err := b.Airdrop(context.Background(), user.Pubkey(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(n.batches) != 1 || len(n.batches[0]) != 2 {
		t.Fatalf("batches = %+v", n.batches)
	}
	for _, u := range n.batches[0] {
		if u.Signature != sig {
			t.Errorf("update signature = %s, want %s", u.Signature, sig)
		}
		if u.Pubkey == user.Pubkey() && u.Account.Lamports != 1000 {
			t.Errorf("user lamports = %d", u.Account.Lamports)
		}
	}

	// Too poor to allocate a profile.
	ixs, _, _ := yeet.InitUserInstructions(pda.Deriver{}, b.YeetProgramID(), user.Pubkey(),
		b.MinimumBalanceForRentExemption(yeet.ProfileSpace()))
	res := b.send(ixs, user)
	if !errors.Is(res.Err, system.ErrInsufficientFunds) {
		t.Fatalf("Err = %v, want ErrInsufficientFunds", res.Err)
	}
	if len(n.batches) != 1 {
		t.Errorf("failed transaction was published: %+v", n.batches[1:])
	}
}

func TestAirdropLimits(t *testing.T) {
	b := newTestBank(t, func(c *Config) {
		c.AirdropMax = 100
		c.FaucetLamports = 150
	})
	user := keypair(t, 12).Pubkey()

	if _, err := b.Airdrop(context.Background(), user, 101); !errors.Is(err, ErrAirdropLimitExceeded) {
		t.Errorf("over limit: got %v", err)
	}
	if _, err := b.Airdrop(context.Background(), user, 100); err != nil {
		t.Fatalf("Airdrop failed: %v", err)
	}
	if _, err := b.Airdrop(context.Background(), user, 60); !errors.Is(err, ErrInsufficientFundsForAirdrop) {
		t.Errorf("drained faucet: got %v", err)
	}

	noFaucet := newTestBank(t, func(c *Config) { c.Faucet = nil })
	if _, err := noFaucet.Airdrop(context.Background(), user, 1); !errors.Is(err, ErrInsufficientFundsForAirdrop) {
		t.Errorf("disabled faucet: got %v", err)
	}
}

func TestMinimumBalanceForRentExemption(t *testing.T) {
	b := newTestBank(t, nil)
	if got, want := b.MinimumBalanceForRentExemption(0), uint64(128*3480*2); got != want {
		t.Errorf("MinimumBalanceForRentExemption(0) = %d, want %d", got, want)
	}
	if got, want := b.MinimumBalanceForRentExemption(41), uint64((128+41)*3480*2); got != want {
		t.Errorf("MinimumBalanceForRentExemption(41) = %d, want %d", got, want)
	}
}

func TestCanceledContext(t *testing.T) {
	b := newTestBank(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Airdrop(ctx, keypair(t, 13).Pubkey(), 1); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
