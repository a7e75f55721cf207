package rewards

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"collectionvault/core/events"
	"collectionvault/crypto"
)

type engineState interface {
	Global() (*GlobalRewardState, error)
	PutGlobal(*GlobalRewardState) error
	Collection(collection crypto.Address) (*CollectionConfig, error)
	PutCollection(*CollectionConfig) error
	Record(account, collection crypto.Address) (*UserCollectionRecord, error)
	PutRecord(*UserCollectionRecord) error
	Snapshots(account, collection crypto.Address) ([]Snapshot, error)
	PutSnapshots(account, collection crypto.Address, snaps []Snapshot) error
	UpdaterNonce(updater crypto.Address) (uint64, error)
	PutUpdaterNonce(updater crypto.Address, nonce uint64) error
	ActiveCollections(account crypto.Address) ([]crypto.Address, error)
	PutActiveCollections(account crypto.Address, collections []crypto.Address) error
}

// Engine is the reward controller: it verifies signed balance-update batches,
// maintains the global accumulator and per-pair records, and settles claims
// against the yield source. All mutating operations are serialised; a batch or
// claim either fully applies or leaves no trace.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	yield   YieldSource
	params  Params
	admin   crypto.Address
	updater crypto.Address
	emitter events.Emitter

	// settling marks accounts with a claim in flight. Re-entrant claims and
	// balance updates for those accounts are rejected until settlement
	// completes, which keeps the external payout call outside the lock
	// without losing update atomicity.
	settling map[string]bool
}

// NewEngine constructs a controller with the designated admin identity and the
// initially authorized updater.
func NewEngine(admin, updater crypto.Address, params Params) *Engine {
	return &Engine{
		admin:    admin,
		updater:  updater,
		params:   params,
		emitter:  events.NoopEmitter{},
		settling: make(map[string]bool),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetYieldSource wires the engine to the lending adapter it draws rewards
// from.
func (e *Engine) SetYieldSource(src YieldSource) { e.yield = src }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Params returns the controller configuration.
func (e *Engine) Params() Params { return e.params }

// Updater returns the currently authorized balance updater.
func (e *Engine) Updater() crypto.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updater
}

// RotateUpdater swaps the authorized updater identity. Only the admin may
// rotate; accrual state and outstanding nonces are untouched.
func (e *Engine) RotateUpdater(caller, next crypto.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !sameAddress(caller, e.admin) {
		return ErrAdminOnly
	}
	var old, fresh [20]byte
	copy(old[:], e.updater.Bytes())
	copy(fresh[:], next.Bytes())
	e.updater = next
	e.emitter.Emit(events.UpdaterRotated{OldUpdater: old, NewUpdater: fresh})
	return nil
}

// ApplyBatch verifies and applies one signed balance-update batch. The
// signature must be produced by the authorized updater over the canonical
// digest embedding the updater's current nonce; any verification failure is
// reported uniformly as ErrUnauthorized. On success the nonce is consumed and
// every delta is applied in order, or the whole batch is rejected.
func (e *Engine) ApplyBatch(batch *UpdateBatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	if e.yield == nil {
		return errNilYield
	}
	if batch == nil || len(batch.Updates) == 0 {
		return ErrEmptyBatch
	}
	if e.settling[addrKey(batch.Account)] {
		return ErrClaimInProgress
	}

	if !sameAddress(batch.Updater, e.updater) {
		return ErrUnauthorized
	}
	nonce, err := e.state.UpdaterNonce(batch.Updater)
	if err != nil {
		return err
	}
	signer, err := batch.recoverSigner(e.params.NetworkTag, nonce)
	if err != nil || !bytes.Equal(signer, batch.Updater.Bytes()) {
		return ErrUnauthorized
	}

	global, err := e.state.Global()
	if err != nil {
		return err
	}
	global = ensureGlobal(global)

	// Stage every mutation first; nothing is persisted until the whole
	// batch has validated.
	records := make(map[string]*UserCollectionRecord)
	snapshots := make(map[string][]Snapshot)
	order := make([]string, 0, len(batch.Updates))

	for _, update := range batch.Updates {
		cfg, err := e.state.Collection(update.Collection)
		if err != nil {
			return err
		}
		if cfg == nil || !cfg.Whitelisted {
			return fmt.Errorf("%w: %s", ErrNotWhitelisted, update.Collection.String())
		}

		advanceIndex(global, e.yield, update.UpdateHeight)

		key := pairKey(batch.Account, update.Collection)
		record, ok := records[key]
		if !ok {
			record, err = e.loadRecord(batch.Account, update.Collection)
			if err != nil {
				return err
			}
			snaps, err := e.state.Snapshots(batch.Account, update.Collection)
			if err != nil {
				return err
			}
			records[key] = record
			snapshots[key] = snaps
			order = append(order, key)
		}

		if update.UpdateHeight < record.LastUpdateHeight {
			return fmt.Errorf("%w: collection %s height %d < %d",
				ErrStaleUpdate, update.Collection.String(), update.UpdateHeight, record.LastUpdateHeight)
		}
		if update.UpdateHeight > record.LastUpdateHeight {
			e.settleRecord(record, global.Index, cfg.BetaFP)
			record.LastUpdateHeight = update.UpdateHeight
		}

		if err := applyDeltas(record, update, global); err != nil {
			return err
		}

		snaps := snapshots[key]
		entry := Snapshot{
			NFTBalance:     record.NFTBalance,
			DepositBalance: copyBigInt(record.DepositBalance),
			Index:          copyBigInt(record.LastSyncedIndex),
			Height:         update.UpdateHeight,
		}
		if n := len(snaps); n > 0 && snaps[n-1].Height == update.UpdateHeight {
			snaps[n-1] = entry
		} else {
			if n >= e.params.MaxSnapshots {
				return fmt.Errorf("%w: cap %d", ErrSnapshotLimit, e.params.MaxSnapshots)
			}
			snaps = append(snaps, entry)
		}
		snapshots[key] = snaps
	}

	// Validation complete; persist the staged state.
	if err := e.state.PutUpdaterNonce(batch.Updater, nonce+1); err != nil {
		return err
	}
	if err := e.state.PutGlobal(global); err != nil {
		return err
	}
	for _, key := range order {
		record := records[key]
		if err := e.state.PutRecord(record); err != nil {
			return err
		}
		if err := e.state.PutSnapshots(record.Account, record.Collection, snapshots[key]); err != nil {
			return err
		}
	}
	if err := e.refreshActiveSet(batch.Account, records); err != nil {
		return err
	}

	var updater, account [20]byte
	copy(updater[:], batch.Updater.Bytes())
	copy(account[:], batch.Account.Bytes())
	e.emitter.Emit(events.RewardsBatchProcessed{
		Updater:     updater,
		Account:     account,
		Nonce:       nonce,
		UpdateCount: len(batch.Updates),
	})
	return nil
}

// Claim settles the accrued reward for the account across the requested
// collections (all active collections when none are named). The index is
// advanced to currentHeight first, the amount due is requested from the yield
// source capped to its availability, and any shortfall is carried forward as
// accrued reward. Consumed snapshots are cleared; balances are preserved.
func (e *Engine) Claim(ctx context.Context, account crypto.Address, collections []crypto.Address, currentHeight uint64) (*ClaimOutcome, error) {
	e.mu.Lock()
	if e.state == nil {
		e.mu.Unlock()
		return nil, errNilState
	}
	if e.yield == nil {
		e.mu.Unlock()
		return nil, errNilYield
	}
	key := addrKey(account)
	if e.settling[key] {
		e.mu.Unlock()
		return nil, ErrClaimInProgress
	}

	global, err := e.state.Global()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	global = ensureGlobal(global)
	if advanceIndex(global, e.yield, currentHeight) {
		if err := e.state.PutGlobal(global); err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}
	claimIndex := copyBigInt(global.Index)

	if len(collections) == 0 {
		collections, err = e.state.ActiveCollections(account)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}

	// Stage each pair once; a repeated collection name must not settle the
	// same interval twice.
	staged := make([]*UserCollectionRecord, 0, len(collections))
	seen := make(map[string]bool, len(collections))
	totalDue := big.NewInt(0)
	for _, collection := range collections {
		if seen[pairKey(account, collection)] {
			continue
		}
		seen[pairKey(account, collection)] = true
		record, err := e.state.Record(account, collection)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		if record == nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNoPosition, collection.String())
		}
		record = normalizeRecord(record)
		beta := big.NewInt(0)
		if cfg, err := e.state.Collection(collection); err != nil {
			e.mu.Unlock()
			return nil, err
		} else if cfg != nil {
			beta = cfg.BetaFP
		}
		e.settleRecord(record, claimIndex, beta)
		totalDue.Add(totalDue, record.AccruedReward)
		staged = append(staged, record)
	}

	if totalDue.Sign() == 0 {
		e.mu.Unlock()
		return nil, ErrNothingToClaim
	}

	request := new(big.Int).Set(totalDue)
	if available := e.yield.AvailableYield(); available != nil && available.Cmp(request) < 0 {
		request.Set(available)
	}

	// Hold the settling marker, not the lock, across the external payout.
	// Batches and claims for this account are rejected until we finish.
	e.settling[key] = true
	e.mu.Unlock()

	paid := big.NewInt(0)
	var transferErr error
	if request.Sign() > 0 {
		paid, transferErr = e.yield.TransferCapped(ctx, request, account)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer delete(e.settling, key)
	if transferErr != nil {
		return nil, fmt.Errorf("claim transfer: %w", transferErr)
	}
	if paid == nil {
		paid = big.NewInt(0)
	}
	if paid.Cmp(request) > 0 {
		paid = new(big.Int).Set(request)
	}

	// Retire paid amounts record by record in claim order; whatever the
	// yield source could not cover stays behind as accrued reward.
	remaining := new(big.Int).Set(paid)
	for _, record := range staged {
		take := new(big.Int).Set(record.AccruedReward)
		if take.Cmp(remaining) > 0 {
			take.Set(remaining)
		}
		record.AccruedReward = new(big.Int).Sub(record.AccruedReward, take)
		remaining.Sub(remaining, take)
		record.LastSyncedIndex = copyBigInt(claimIndex)
		// Per-record heights never move backwards, even when the claim
		// names an earlier height.
		if currentHeight > record.LastUpdateHeight {
			record.LastUpdateHeight = currentHeight
		}
	}

	touched := make(map[string]*UserCollectionRecord, len(staged))
	for _, record := range staged {
		if err := e.state.PutRecord(record); err != nil {
			return nil, err
		}
		if err := e.state.PutSnapshots(account, record.Collection, nil); err != nil {
			return nil, err
		}
		touched[pairKey(account, record.Collection)] = record
	}
	if err := e.refreshActiveSet(account, touched); err != nil {
		return nil, err
	}

	deficit := new(big.Int).Sub(totalDue, paid)
	var acct [20]byte
	copy(acct[:], account.Bytes())
	e.emitter.Emit(events.RewardsClaimed{
		Account:     acct,
		Collections: len(staged),
		TotalDue:    copyBigInt(totalDue),
		Paid:        copyBigInt(paid),
		Capped:      deficit.Sign() > 0,
	})

	claimed := make([]crypto.Address, len(staged))
	for i, record := range staged {
		claimed[i] = record.Collection
	}
	return &ClaimOutcome{
		Account:     account,
		Collections: claimed,
		TotalDue:    totalDue,
		Paid:        paid,
		Deficit:     deficit,
		Height:      currentHeight,
	}, nil
}

// AdvanceTo advances and persists the global accumulator to the supplied
// height, returning a copy of the resulting state. Calls at or behind the
// last recorded height return the current state unchanged.
func (e *Engine) AdvanceTo(height uint64) (*GlobalRewardState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	if e.yield == nil {
		return nil, errNilYield
	}
	global, err := e.state.Global()
	if err != nil {
		return nil, err
	}
	global = ensureGlobal(global)
	if advanceIndex(global, e.yield, height) {
		if err := e.state.PutGlobal(global); err != nil {
			return nil, err
		}
	}
	return global.Clone(), nil
}

// Position returns a copy of the record and snapshot history for one pair.
// The record is nil when the account has never been updated for the
// collection.
func (e *Engine) Position(account, collection crypto.Address) (*UserCollectionRecord, []Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, nil, errNilState
	}
	record, err := e.state.Record(account, collection)
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		return nil, nil, nil
	}
	snaps, err := e.state.Snapshots(account, collection)
	if err != nil {
		return nil, nil, err
	}
	cloned := make([]Snapshot, len(snaps))
	for i := range snaps {
		cloned[i] = snaps[i].Clone()
	}
	return record.Clone(), cloned, nil
}

// PendingReward reports what a claim at the supplied height would owe for one
// pair without mutating the record.
func (e *Engine) PendingReward(account, collection crypto.Address, height uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	if e.yield == nil {
		return nil, errNilYield
	}
	global, err := e.state.Global()
	if err != nil {
		return nil, err
	}
	global = ensureGlobal(global)
	if advanceIndex(global, e.yield, height) {
		if err := e.state.PutGlobal(global); err != nil {
			return nil, err
		}
	}
	record, err := e.state.Record(account, collection)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return big.NewInt(0), nil
	}
	record = normalizeRecord(record)
	beta := big.NewInt(0)
	if cfg, err := e.state.Collection(collection); err != nil {
		return nil, err
	} else if cfg != nil {
		beta = cfg.BetaFP
	}
	pending := accrualAmount(record.DepositBalance, record.NFTBalance, record.LastSyncedIndex, global.Index, beta, e.params.MaxBoostFP)
	return pending.Add(pending, record.AccruedReward), nil
}

// ActiveCollections lists the collections the account currently holds a
// non-zero balance in.
func (e *Engine) ActiveCollections(account crypto.Address) ([]crypto.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.ActiveCollections(account)
}

func (e *Engine) settleRecord(record *UserCollectionRecord, currentIndex, betaFP *big.Int) {
	amount := accrualAmount(record.DepositBalance, record.NFTBalance, record.LastSyncedIndex, currentIndex, betaFP, e.params.MaxBoostFP)
	if amount.Sign() > 0 {
		record.AccruedReward = new(big.Int).Add(record.AccruedReward, amount)
	}
	record.LastSyncedIndex = copyBigInt(currentIndex)
}

func (e *Engine) loadRecord(account, collection crypto.Address) (*UserCollectionRecord, error) {
	record, err := e.state.Record(account, collection)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &UserCollectionRecord{Account: account, Collection: collection}
	}
	return normalizeRecord(record), nil
}

func (e *Engine) refreshActiveSet(account crypto.Address, touched map[string]*UserCollectionRecord) error {
	active, err := e.state.ActiveCollections(account)
	if err != nil {
		return err
	}
	result := make([]crypto.Address, 0, len(active)+len(touched))
	seen := make(map[string]bool, len(active)+len(touched))
	for _, collection := range active {
		key := pairKey(account, collection)
		if record, ok := touched[key]; ok {
			if recordActive(record) {
				result = append(result, collection)
			}
			seen[key] = true
			continue
		}
		result = append(result, collection)
		seen[pairKey(account, collection)] = true
	}
	for key, record := range touched {
		if seen[key] {
			continue
		}
		if recordActive(record) {
			result = append(result, record.Collection)
		}
	}
	return e.state.PutActiveCollections(account, result)
}

func applyDeltas(record *UserCollectionRecord, update BalanceUpdate, global *GlobalRewardState) error {
	if update.NFTDelta < 0 {
		magnitude := uint64(-update.NFTDelta)
		if magnitude > record.NFTBalance {
			return fmt.Errorf("%w: nft balance %d, delta -%d", ErrBalanceUnderflow, record.NFTBalance, magnitude)
		}
		record.NFTBalance -= magnitude
	} else {
		record.NFTBalance += uint64(update.NFTDelta)
	}

	if update.DepositDelta != nil && update.DepositDelta.Sign() != 0 {
		if update.DepositDelta.Sign() < 0 {
			magnitude := new(big.Int).Neg(update.DepositDelta)
			if magnitude.Cmp(record.DepositBalance) > 0 {
				return fmt.Errorf("%w: deposit balance %s, delta -%s", ErrBalanceUnderflow, record.DepositBalance, magnitude)
			}
		}
		record.DepositBalance = new(big.Int).Add(record.DepositBalance, update.DepositDelta)
		global.TotalDeposits = new(big.Int).Add(global.TotalDeposits, update.DepositDelta)
		if global.TotalDeposits.Sign() < 0 {
			global.TotalDeposits = big.NewInt(0)
		}
	}
	return nil
}

func normalizeRecord(record *UserCollectionRecord) *UserCollectionRecord {
	if record.DepositBalance == nil {
		record.DepositBalance = big.NewInt(0)
	}
	if record.LastSyncedIndex == nil {
		record.LastSyncedIndex = big.NewInt(0)
	}
	if record.AccruedReward == nil {
		record.AccruedReward = big.NewInt(0)
	}
	return record
}

// recordActive reports whether the pair still belongs in the account's active
// set. Pending accrued reward keeps a drained pair claimable through the
// claim-all path.
func recordActive(record *UserCollectionRecord) bool {
	if record.NFTBalance > 0 {
		return true
	}
	if record.DepositBalance != nil && record.DepositBalance.Sign() > 0 {
		return true
	}
	return record.AccruedReward != nil && record.AccruedReward.Sign() > 0
}

func sameAddress(a, b crypto.Address) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}

func addrKey(addr crypto.Address) string {
	return string(addr.Bytes())
}

func pairKey(account, collection crypto.Address) string {
	return string(account.Bytes()) + "/" + string(collection.Bytes())
}
