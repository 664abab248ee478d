// Package runtime executes signed transactions against the accounts DB.
//
// A Bank owns the slot clock, the recent blockhash queue and the set of
// native programs. Every transaction runs against a private working set
// loaded from the DB; its writes are committed in one batch only when every
// instruction succeeds, so a failed transaction leaves no trace in account
// state.
package runtime

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/accounts"
	"github.com/fortiblox/yeet-at/pkg/pda"
	"github.com/fortiblox/yeet-at/pkg/svm"
	"github.com/fortiblox/yeet-at/pkg/svm/programs/system"
	"github.com/fortiblox/yeet-at/pkg/svm/programs/yeet"
	"github.com/fortiblox/yeet-at/pkg/txlog"
)

// Rent parameters.
const (
	// AccountStorageOverhead is the per-account byte overhead rent charges for.
	AccountStorageOverhead = 128

	// DefaultLamportsPerByteYear is the rent rate.
	DefaultLamportsPerByteYear = 3480

	// DefaultExemptionThreshold is the number of years of rent an account
	// must hold to be exempt.
	DefaultExemptionThreshold = 2
)

// DefaultMaxRecentBlockhashes is how many slots a blockhash stays valid.
const DefaultMaxRecentBlockhashes = 150

// Config holds Bank configuration options.
type Config struct {
	// ComputeUnitLimit is the per-transaction compute budget.
	ComputeUnitLimit uint64

	// MaxRecentBlockhashes is the number of recent blockhashes accepted.
	MaxRecentBlockhashes int

	LamportsPerByteYear uint64
	ExemptionThreshold  uint64

	// YeetProgramID is where the yeet program is registered.
	YeetProgramID types.Pubkey

	// Faucet signs airdrops. Nil disables airdrops.
	Faucet *types.Keypair

	// FaucetLamports funds the faucet when its account does not exist.
	FaucetLamports uint64

	// AirdropMax caps a single airdrop.
	AirdropMax uint64

	// GenesisSeed seeds the blockhash chain.
	GenesisSeed string

	Logger *zap.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ComputeUnitLimit:     svm.CUDefault,
		MaxRecentBlockhashes: DefaultMaxRecentBlockhashes,
		LamportsPerByteYear:  DefaultLamportsPerByteYear,
		ExemptionThreshold:   DefaultExemptionThreshold,
		YeetProgramID:        types.YeetProgramAddr,
		FaucetLamports:       500_000_000 * 1_000_000_000,
		AirdropMax:           10 * 1_000_000_000,
		GenesisSeed:          "yeet-at",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ComputeUnitLimit == 0 || c.ComputeUnitLimit > svm.CUMax {
		return fmt.Errorf("compute unit limit must be in (0, %d]", svm.CUMax)
	}
	if c.MaxRecentBlockhashes <= 0 {
		return errors.New("max recent blockhashes must be positive")
	}
	if c.YeetProgramID.IsZero() || c.YeetProgramID == types.SystemProgramAddr {
		return errors.New("yeet program id must not be the system program")
	}
	return nil
}

// AccountUpdate is a committed change to one account.
type AccountUpdate struct {
	Slot      uint64
	Pubkey    types.Pubkey
	Account   *accounts.Account
	Signature types.Signature
}

// Notifier receives the account updates of committed transactions.
// Implementations must not block.
type Notifier interface {
	NotifyAccounts(updates []AccountUpdate)
}

// TxLog stores transaction outcomes.
type TxLog interface {
	Put(rec *txlog.Record) error
	Get(sig types.Signature) (*txlog.Record, error)
}

// Result is the outcome of an executed transaction.
type Result struct {
	Signature types.Signature
	Slot      uint64

	// Err is nil when the transaction committed.
	Err error

	Logs         []string
	ComputeUnits uint64

	// Accounts lists the accounts the transaction wrote.
	Accounts []types.Pubkey
}

// Bank executes transactions and tracks the chain tip.
type Bank struct {
	config   Config
	db       accounts.DB
	txlog    TxLog
	notifier Notifier
	programs map[types.Pubkey]svm.Program
	logger   *zap.Logger

	mu          sync.Mutex
	slot        uint64
	blockhashes []types.Hash
	validHashes map[types.Hash]uint64
	seen        map[types.Signature]types.Hash
}

// NewBank creates a bank over db, creating genesis accounts that are
// missing. log may be nil.
func NewBank(config Config, db accounts.DB, log TxLog) (*Bank, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	deriver := pda.Deriver{}
	b := &Bank{
		config: config,
		db:     db,
		txlog:  log,
		programs: map[types.Pubkey]svm.Program{
			types.SystemProgramAddr: system.NewProcessor(deriver),
			config.YeetProgramID:    yeet.NewProcessor(deriver),
		},
		logger:      logger.Named("bank"),
		slot:        db.GetSlot(),
		validHashes: make(map[types.Hash]uint64),
		seen:        make(map[types.Signature]types.Hash),
	}

	seed := types.ComputeHash([]byte(config.GenesisSeed))
	b.pushBlockhash(nextBlockhash(seed, b.slot))

	if err := b.genesis(); err != nil {
		return nil, err
	}
	b.logger.Info("bank ready",
		zap.Uint64("slot", b.slot),
		zap.Stringer("blockhash", b.blockhashes[len(b.blockhashes)-1]),
		zap.Stringer("yeet_program", config.YeetProgramID))
	return b, nil
}

// genesis creates the program accounts and the faucet account if absent.
func (b *Bank) genesis() error {
	var batch accounts.Batch
	for id := range b.programs {
		ok, err := b.db.HasAccount(id)
		if err != nil {
			return err
		}
		if !ok {
			batch.Set(id, &accounts.Account{
				Lamports:   1,
				Data:       []byte{},
				Owner:      types.NativeLoaderAddr,
				Executable: true,
			})
		}
	}
	if b.config.Faucet != nil {
		faucet := b.config.Faucet.Pubkey()
		ok, err := b.db.HasAccount(faucet)
		if err != nil {
			return err
		}
		if !ok {
			batch.Set(faucet, &accounts.Account{
				Lamports: b.config.FaucetLamports,
				Data:     []byte{},
				Owner:    types.SystemProgramAddr,
			})
		}
	}
	if len(batch) == 0 {
		return nil
	}
	if err := b.db.ApplyBatch(batch); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	b.logger.Info("created genesis accounts", zap.Int("count", len(batch)))
	return nil
}

func nextBlockhash(prev types.Hash, slot uint64) types.Hash {
	buf := make([]byte, 0, len(prev)+8)
	buf = append(buf, prev[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, slot)
	return types.ComputeHash(buf)
}

// pushBlockhash appends h to the recent queue and expires the oldest
// entries along with the signatures that referenced them.
func (b *Bank) pushBlockhash(h types.Hash) {
	b.blockhashes = append(b.blockhashes, h)
	b.validHashes[h] = b.slot
	for len(b.blockhashes) > b.config.MaxRecentBlockhashes {
		old := b.blockhashes[0]
		b.blockhashes = b.blockhashes[1:]
		delete(b.validHashes, old)
		for sig, bh := range b.seen {
			if bh == old {
				delete(b.seen, sig)
			}
		}
	}
}

// Tick advances the slot and produces a new blockhash.
func (b *Bank) Tick() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.slot++
	b.pushBlockhash(nextBlockhash(b.blockhashes[len(b.blockhashes)-1], b.slot))
	if err := b.db.SetSlot(b.slot); err != nil {
		return b.slot, fmt.Errorf("persist slot: %w", err)
	}
	return b.slot, nil
}

// Slot returns the current slot.
func (b *Bank) Slot() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slot
}

// LatestBlockhash returns the newest blockhash and the last slot at which
// it is still accepted.
func (b *Bank) LatestBlockhash() (types.Hash, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockhashes[len(b.blockhashes)-1], b.slot + uint64(b.config.MaxRecentBlockhashes) - 1
}

// IsBlockhashValid reports whether h is among the recent blockhashes.
func (b *Bank) IsBlockhashValid(h types.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.validHashes[h]
	return ok
}

// MinimumBalanceForRentExemption returns the balance an account holding
// dataLen bytes needs to be rent exempt.
func (b *Bank) MinimumBalanceForRentExemption(dataLen uint64) uint64 {
	return (AccountStorageOverhead + dataLen) * b.config.LamportsPerByteYear * b.config.ExemptionThreshold
}

// GetAccount returns the committed state of an account.
func (b *Bank) GetAccount(pubkey types.Pubkey) (*accounts.Account, error) {
	return b.db.GetAccount(pubkey)
}

// GetBalance returns an account's lamports, zero if it does not exist.
func (b *Bank) GetBalance(pubkey types.Pubkey) (uint64, error) {
	acc, err := b.db.GetAccount(pubkey)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acc.Lamports, nil
}

// GetTransaction returns the recorded outcome of a transaction.
func (b *Bank) GetTransaction(sig types.Signature) (*txlog.Record, error) {
	if b.txlog == nil {
		return nil, txlog.ErrNotFound
	}
	return b.txlog.Get(sig)
}

// YeetProgramID returns the address the yeet program is registered at.
func (b *Bank) YeetProgramID() types.Pubkey {
	return b.config.YeetProgramID
}

// DB returns the underlying accounts database.
func (b *Bank) DB() accounts.DB {
	return b.db
}

// SetNotifier installs n to receive committed account updates.
func (b *Bank) SetNotifier(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifier = n
}

// ProcessTransaction validates and executes tx.
//
// A non-nil error means the transaction was rejected before execution and
// nothing was recorded. Otherwise the transaction was executed and
// recorded; Result.Err reports whether it committed.
func (b *Bank) ProcessTransaction(ctx context.Context, tx *Transaction) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tx.Message.Sanitize(); err != nil {
		return nil, err
	}
	if n := len(tx.Serialize()); n > PacketSize {
		return nil, fmt.Errorf("%w: transaction is %d bytes", ErrSanitizeFailure, n)
	}
	if err := tx.Verify(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sig := tx.Signature()
	blockhash := tx.Message.RecentBlockhash
	if _, ok := b.validHashes[blockhash]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockhashNotFound, blockhash)
	}
	if _, ok := b.seen[sig]; ok {
		return nil, ErrAlreadyProcessed
	}
	if b.txlog != nil {
		if _, err := b.txlog.Get(sig); err == nil {
			return nil, ErrAlreadyProcessed
		}
	}

	set, err := b.loadWorkingSet(&tx.Message)
	if err != nil {
		return nil, err
	}

	meter := svm.NewComputeMeter(b.config.ComputeUnitLimit)
	result := &Result{Signature: sig, Slot: b.slot}
	result.Err = b.execute(&tx.Message, set, meter, &result.Logs)
	result.ComputeUnits = meter.Consumed()

	var updates []AccountUpdate
	if result.Err == nil {
		updates, err = b.commit(set, sig)
		if err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		for _, u := range updates {
			result.Accounts = append(result.Accounts, u.Pubkey)
		}
	}
	b.seen[sig] = blockhash

	if err := b.record(result); err != nil {
		b.logger.Error("failed to record transaction", zap.Stringer("signature", sig), zap.Error(err))
	}
	if result.Err != nil {
		b.logger.Debug("transaction failed", zap.Stringer("signature", sig), zap.Error(result.Err))
	} else {
		b.logger.Debug("transaction committed",
			zap.Stringer("signature", sig),
			zap.Int("accounts", len(updates)),
			zap.Uint64("compute_units", result.ComputeUnits))
	}
	if b.notifier != nil && len(updates) > 0 {
		b.notifier.NotifyAccounts(updates)
	}
	return result, nil
}

// loadedAccount is one entry of a transaction's working set.
type loadedAccount struct {
	info *svm.AccountInfo

	// stored is the committed state, nil if the account did not exist.
	stored *accounts.Account
}

// loadWorkingSet copies every account the message references.
func (b *Bank) loadWorkingSet(msg *Message) ([]loadedAccount, error) {
	set := make([]loadedAccount, len(msg.AccountKeys))
	for i, key := range msg.AccountKeys {
		stored, err := b.db.GetAccount(key)
		if err != nil && !errors.Is(err, accounts.ErrAccountNotFound) {
			return nil, fmt.Errorf("load account %s: %w", key, err)
		}
		info := &svm.AccountInfo{
			Key:        key,
			Owner:      types.SystemProgramAddr,
			Data:       []byte{},
			IsSigner:   msg.IsSigner(i),
			IsWritable: msg.IsWritable(i),
		}
		if stored != nil {
			c := stored.Clone()
			info.Owner = c.Owner
			info.Lamports = c.Lamports
			info.Data = c.Data
			info.Executable = c.Executable
			info.RentEpoch = c.RentEpoch
		}
		set[i] = loadedAccount{info: info, stored: stored}
	}
	return set, nil
}

// execute runs every instruction of msg against set, stopping at the first
// failure.
func (b *Bank) execute(msg *Message, set []loadedAccount, meter *svm.ComputeMeter, logs *[]string) error {
	for range msg.Signers() {
		if err := meter.Consume(svm.CUSignatureVerify); err != nil {
			return err
		}
	}

	for i, ix := range msg.Instructions {
		if err := b.executeInstruction(msg, &ix, set, meter, logs); err != nil {
			return &InstructionError{Index: i, Err: err}
		}
	}
	return nil
}

func (b *Bank) executeInstruction(msg *Message, ix *CompiledInstruction, set []loadedAccount, meter *svm.ComputeMeter, logs *[]string) error {
	programID := msg.AccountKeys[ix.ProgramIDIndex]
	program, ok := b.programs[programID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, programID)
	}

	ictx := &instructionContext{
		programID: programID,
		accounts:  make([]*svm.AccountInfo, len(ix.Accounts)),
		meter:     meter,
		rent:      b.MinimumBalanceForRentExemption,
		logs:      logs,
	}

	// An account listed twice is the same *AccountInfo, so pre-state is
	// captured once per distinct index.
	var distinct []uint8
	var pre []accountState
	var lamportsBefore uint64
	for i, idx := range ix.Accounts {
		info := set[idx].info
		ictx.accounts[i] = info
		if !slices.Contains(distinct, idx) {
			distinct = append(distinct, idx)
			pre = append(pre, captureState(info))
			lamportsBefore += info.Lamports
		}
	}

	*logs = append(*logs, fmt.Sprintf("Program %s invoke", programID))
	if err := program.Process(ictx, ix.Data); err != nil {
		*logs = append(*logs, fmt.Sprintf("Program %s failed: %v", programID, err))
		return err
	}

	var lamportsAfter uint64
	for j, idx := range distinct {
		post := set[idx].info
		if err := verifyAccountChange(programID, pre[j], post); err != nil {
			return fmt.Errorf("%w: account %s", err, post.Key)
		}
		sum := lamportsAfter + post.Lamports
		if sum < lamportsAfter {
			return ErrUnbalancedInstruction
		}
		lamportsAfter = sum
	}
	if lamportsAfter != lamportsBefore {
		return fmt.Errorf("%w: %d before, %d after", ErrUnbalancedInstruction, lamportsBefore, lamportsAfter)
	}

	*logs = append(*logs, fmt.Sprintf("Program %s success", programID))
	return nil
}

// commit writes every changed writable account in one batch.
func (b *Bank) commit(set []loadedAccount, sig types.Signature) ([]AccountUpdate, error) {
	var batch accounts.Batch
	var updates []AccountUpdate
	for _, la := range set {
		if !la.info.IsWritable {
			continue
		}
		acc := &accounts.Account{
			Lamports:   la.info.Lamports,
			Data:       la.info.Data,
			Owner:      la.info.Owner,
			Executable: la.info.Executable,
			RentEpoch:  la.info.RentEpoch,
		}
		if la.stored == nil && acc.IsZero() {
			continue
		}
		if acc.Equal(la.stored) {
			continue
		}
		batch.Set(la.info.Key, acc)
		updates = append(updates, AccountUpdate{
			Slot:      b.slot,
			Pubkey:    la.info.Key,
			Account:   acc.Clone(),
			Signature: sig,
		})
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if err := b.db.ApplyBatch(batch); err != nil {
		return nil, err
	}
	return updates, nil
}

func (b *Bank) record(result *Result) error {
	if b.txlog == nil {
		return nil
	}
	rec := &txlog.Record{
		Signature:        result.Signature,
		Slot:             result.Slot,
		BlockTime:        time.Now().Unix(),
		InstructionIndex: -1,
		Logs:             result.Logs,
		ComputeUnits:     result.ComputeUnits,
		Accounts:         result.Accounts,
	}
	if result.Err != nil {
		rec.Err = result.Err.Error()
		var ixErr *InstructionError
		if errors.As(result.Err, &ixErr) {
			rec.InstructionIndex = ixErr.Index
		}
		rec.ErrCode = uint32(yeet.ErrorCode(result.Err))
	}
	return b.txlog.Put(rec)
}

// Airdrop transfers lamports from the faucet to to and returns the
// transaction signature.
func (b *Bank) Airdrop(ctx context.Context, to types.Pubkey, lamports uint64) (types.Signature, error) {
	faucet := b.config.Faucet
	if faucet == nil {
		return types.Signature{}, fmt.Errorf("%w: faucet disabled", ErrInsufficientFundsForAirdrop)
	}
	if lamports == 0 || lamports > b.config.AirdropMax {
		return types.Signature{}, fmt.Errorf("%w: %d lamports (max %d)", ErrAirdropLimitExceeded, lamports, b.config.AirdropMax)
	}
	balance, err := b.GetBalance(faucet.Pubkey())
	if err != nil {
		return types.Signature{}, err
	}
	if balance < lamports {
		return types.Signature{}, fmt.Errorf("%w: faucet holds %d", ErrInsufficientFundsForAirdrop, balance)
	}

	blockhash, _ := b.LatestBlockhash()
	tx, err := NewTransaction(blockhash,
		[]svm.Instruction{system.NewTransferInstruction(faucet.Pubkey(), to, lamports)},
		faucet)
	if err != nil {
		return types.Signature{}, err
	}
	result, err := b.ProcessTransaction(ctx, tx)
	if err != nil {
		return tx.Signature(), err
	}
	if result.Err != nil {
		return result.Signature, result.Err
	}
	b.logger.Info("airdrop", zap.Stringer("to", to), zap.Uint64("lamports", lamports))
	return result.Signature, nil
}
