package rewards

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"collectionvault/crypto"
)

// memState is an in-memory engine state for tests. It clones on every read
// and write so staged engine mutations never leak into stored state, matching
// the behaviour of the persistent adapter.
type memState struct {
	global      *GlobalRewardState
	collections map[string]*CollectionConfig
	records     map[string]*UserCollectionRecord
	snaps       map[string][]Snapshot
	nonces      map[string]uint64
	active      map[string][]crypto.Address
}

func newMemState() *memState {
	return &memState{
		collections: make(map[string]*CollectionConfig),
		records:     make(map[string]*UserCollectionRecord),
		snaps:       make(map[string][]Snapshot),
		nonces:      make(map[string]uint64),
		active:      make(map[string][]crypto.Address),
	}
}

func (m *memState) Global() (*GlobalRewardState, error) { return m.global.Clone(), nil }

func (m *memState) PutGlobal(global *GlobalRewardState) error {
	m.global = global.Clone()
	return nil
}

func (m *memState) Collection(collection crypto.Address) (*CollectionConfig, error) {
	return m.collections[string(collection.Bytes())].Clone(), nil
}

func (m *memState) PutCollection(cfg *CollectionConfig) error {
	m.collections[string(cfg.Collection.Bytes())] = cfg.Clone()
	return nil
}

func (m *memState) Collections() ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(m.collections))
	for _, cfg := range m.collections {
		out = append(out, cfg.Collection)
	}
	return out, nil
}

func (m *memState) Record(account, collection crypto.Address) (*UserCollectionRecord, error) {
	return m.records[pairKey(account, collection)].Clone(), nil
}

func (m *memState) PutRecord(record *UserCollectionRecord) error {
	m.records[pairKey(record.Account, record.Collection)] = record.Clone()
	return nil
}

func (m *memState) Snapshots(account, collection crypto.Address) ([]Snapshot, error) {
	stored := m.snaps[pairKey(account, collection)]
	out := make([]Snapshot, len(stored))
	for i := range stored {
		out[i] = stored[i].Clone()
	}
	return out, nil
}

func (m *memState) PutSnapshots(account, collection crypto.Address, snaps []Snapshot) error {
	key := pairKey(account, collection)
	if len(snaps) == 0 {
		delete(m.snaps, key)
		return nil
	}
	stored := make([]Snapshot, len(snaps))
	for i := range snaps {
		stored[i] = snaps[i].Clone()
	}
	m.snaps[key] = stored
	return nil
}

func (m *memState) UpdaterNonce(updater crypto.Address) (uint64, error) {
	return m.nonces[addrKey(updater)], nil
}

func (m *memState) PutUpdaterNonce(updater crypto.Address, nonce uint64) error {
	m.nonces[addrKey(updater)] = nonce
	return nil
}

func (m *memState) ActiveCollections(account crypto.Address) ([]crypto.Address, error) {
	return append([]crypto.Address(nil), m.active[addrKey(account)]...), nil
}

func (m *memState) PutActiveCollections(account crypto.Address, collections []crypto.Address) error {
	if len(collections) == 0 {
		delete(m.active, addrKey(account))
		return nil
	}
	m.active[addrKey(account)] = append([]crypto.Address(nil), collections...)
	return nil
}

type engineFixture struct {
	engine     *Engine
	state      *memState
	yield      *stubYield
	updaterKey *crypto.PrivateKey
	admin      crypto.Address
	account    crypto.Address
	collection crypto.Address
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	updaterKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate updater key: %v", err)
	}
	admin := testAddress(t, crypto.AccountPrefix, 0xad)
	account := testAddress(t, crypto.AccountPrefix, 0x11)
	collection := testAddress(t, crypto.CollectionPrefix, 0xc0)

	params := DefaultParams()
	params.NetworkTag = "cv-test"

	state := newMemState()
	if err := state.PutCollection(&CollectionConfig{
		Collection:  collection,
		BetaFP:      big.NewInt(100_000_000_000_000_000), // 0.1
		RewardBasis: RewardBasisDeposit,
		Whitelisted: true,
	}); err != nil {
		t.Fatalf("seed collection: %v", err)
	}

	// rate*scale/assets yields an index increment of 1e12 per height
	yield := newStubYield(1_000_000, 1, 0)

	engine := NewEngine(admin, updaterKey.PubKey().Address(), params)
	engine.SetState(state)
	engine.SetYieldSource(yield)

	return &engineFixture{
		engine:     engine,
		state:      state,
		yield:      yield,
		updaterKey: updaterKey,
		admin:      admin,
		account:    account,
		collection: collection,
	}
}

func (f *engineFixture) apply(t *testing.T, nonce uint64, updates ...BalanceUpdate) error {
	t.Helper()
	batch := &UpdateBatch{Account: f.account, Updates: updates}
	if err := batch.Sign(f.updaterKey, f.engine.Params().NetworkTag, nonce); err != nil {
		t.Fatalf("sign batch: %v", err)
	}
	return f.engine.ApplyBatch(batch)
}

func (f *engineFixture) mustApply(t *testing.T, nonce uint64, updates ...BalanceUpdate) {
	t.Helper()
	if err := f.apply(t, nonce, updates...); err != nil {
		t.Fatalf("apply batch: %v", err)
	}
}

func depositUpdate(collection crypto.Address, height uint64, nftDelta int64, deposit int64) BalanceUpdate {
	amount := big.NewInt(deposit)
	if deposit != 0 {
		amount = new(big.Int).Mul(amount, big.NewInt(1_000_000_000_000_000_000))
	}
	return BalanceUpdate{
		Collection:   collection,
		UpdateHeight: height,
		NFTDelta:     nftDelta,
		DepositDelta: amount,
	}
}

func TestApplyBatchEstablishesPosition(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 2, 1))

	record, snaps, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if record == nil {
		t.Fatal("expected record after first batch")
	}
	if record.NFTBalance != 2 {
		t.Fatalf("nft balance = %d, want 2", record.NFTBalance)
	}
	wantDeposit := new(big.Int).Set(IndexUnit())
	if record.DepositBalance.Cmp(wantDeposit) != 0 {
		t.Fatalf("deposit = %s, want %s", record.DepositBalance, wantDeposit)
	}
	// first sync earns nothing but sets the baseline
	if record.AccruedReward.Sign() != 0 {
		t.Fatalf("accrued after first sync = %s, want 0", record.AccruedReward)
	}
	wantIndex := new(big.Int).Add(IndexUnit(), big.NewInt(10_000_000_000_000))
	if record.LastSyncedIndex.Cmp(wantIndex) != 0 {
		t.Fatalf("synced index = %s, want %s", record.LastSyncedIndex, wantIndex)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	if snaps[0].Height != 10 {
		t.Fatalf("snapshot height = %d, want 10", snaps[0].Height)
	}

	active, err := f.engine.ActiveCollections(f.account)
	if err != nil {
		t.Fatalf("active collections: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active collections = %d, want 1", len(active))
	}
}

func TestApplyBatchAccruesAcrossHeights(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 2, 1))
	f.mustApply(t, 1, depositUpdate(f.collection, 20, 0, 1))

	record, _, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	// ten heights at 1e12 per height over a 1e18 deposit with a 1.2x
	// multiplier: 1e13 * 1.2
	want := big.NewInt(12_000_000_000_000)
	if record.AccruedReward.Cmp(want) != 0 {
		t.Fatalf("accrued = %s, want %s", record.AccruedReward, want)
	}
	wantDeposit := new(big.Int).Mul(big.NewInt(2), IndexUnit())
	if record.DepositBalance.Cmp(wantDeposit) != 0 {
		t.Fatalf("deposit = %s, want %s", record.DepositBalance, wantDeposit)
	}
}

func TestApplyBatchReplayRejected(t *testing.T) {
	f := newEngineFixture(t)
	batch := &UpdateBatch{Account: f.account, Updates: []BalanceUpdate{depositUpdate(f.collection, 10, 1, 1)}}
	if err := batch.Sign(f.updaterKey, f.engine.Params().NetworkTag, 0); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := f.engine.ApplyBatch(batch); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := f.engine.ApplyBatch(batch); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("replay error = %v, want ErrUnauthorized", err)
	}
}

func TestApplyBatchWrongSigner(t *testing.T) {
	f := newEngineFixture(t)
	rogue, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	batch := &UpdateBatch{Account: f.account, Updates: []BalanceUpdate{depositUpdate(f.collection, 10, 1, 1)}}
	if err := batch.Sign(rogue, f.engine.Params().NetworkTag, 0); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := f.engine.ApplyBatch(batch); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}

	// forging the updater field without the key fails the same way
	batch.Updater = f.engine.Updater()
	if err := f.engine.ApplyBatch(batch); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("forged updater error = %v, want ErrUnauthorized", err)
	}
}

func TestApplyBatchStaleNonce(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.apply(t, 5, depositUpdate(f.collection, 10, 1, 1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestApplyBatchEmpty(t *testing.T) {
	f := newEngineFixture(t)
	batch := &UpdateBatch{Updater: f.engine.Updater(), Account: f.account}
	if err := f.engine.ApplyBatch(batch); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("error = %v, want ErrEmptyBatch", err)
	}
	if err := f.engine.ApplyBatch(nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("nil batch error = %v, want ErrEmptyBatch", err)
	}
}

func TestApplyBatchUnknownCollection(t *testing.T) {
	f := newEngineFixture(t)
	stranger := testAddress(t, crypto.CollectionPrefix, 0xee)
	if err := f.apply(t, 0, depositUpdate(stranger, 10, 1, 1)); !errors.Is(err, ErrNotWhitelisted) {
		t.Fatalf("error = %v, want ErrNotWhitelisted", err)
	}
}

func TestApplyBatchStaleHeight(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 20, 1, 1))
	if err := f.apply(t, 1, depositUpdate(f.collection, 10, 1, 1)); !errors.Is(err, ErrStaleUpdate) {
		t.Fatalf("error = %v, want ErrStaleUpdate", err)
	}
}

func TestApplyBatchSameHeightAccumulates(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 1, 1))

	before, _, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}

	f.mustApply(t, 1, depositUpdate(f.collection, 10, 2, 1))

	after, snaps, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if after.NFTBalance != 3 {
		t.Fatalf("nft balance = %d, want 3", after.NFTBalance)
	}
	// same height: no settlement, baseline untouched, snapshot replaced
	if after.LastSyncedIndex.Cmp(before.LastSyncedIndex) != 0 {
		t.Fatalf("synced index moved at same height: %s -> %s", before.LastSyncedIndex, after.LastSyncedIndex)
	}
	if after.AccruedReward.Sign() != 0 {
		t.Fatalf("accrued = %s, want 0", after.AccruedReward)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1 after same-height overwrite", len(snaps))
	}
	if snaps[0].NFTBalance != 3 {
		t.Fatalf("snapshot nft = %d, want 3", snaps[0].NFTBalance)
	}
}

func TestApplyBatchUnderflowAtomic(t *testing.T) {
	f := newEngineFixture(t)
	other := testAddress(t, crypto.CollectionPrefix, 0xc1)
	if err := f.state.PutCollection(&CollectionConfig{
		Collection:  other,
		BetaFP:      big.NewInt(0),
		RewardBasis: RewardBasisDeposit,
		Whitelisted: true,
	}); err != nil {
		t.Fatalf("seed collection: %v", err)
	}

	err := f.apply(t, 0,
		depositUpdate(f.collection, 10, 1, 1),
		BalanceUpdate{Collection: other, UpdateHeight: 10, NFTDelta: -5},
	)
	if !errors.Is(err, ErrBalanceUnderflow) {
		t.Fatalf("error = %v, want ErrBalanceUnderflow", err)
	}

	// the valid first update must not have been persisted
	record, _, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if record != nil {
		t.Fatal("failed batch leaked state")
	}
	nonce, err := f.state.UpdaterNonce(f.engine.Updater())
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("nonce = %d, want 0 after rejected batch", nonce)
	}
}

func TestApplyBatchDepositUnderflow(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 0, 1))
	err := f.apply(t, 1, depositUpdate(f.collection, 20, 0, -2))
	if !errors.Is(err, ErrBalanceUnderflow) {
		t.Fatalf("error = %v, want ErrBalanceUnderflow", err)
	}
}

func TestSnapshotLimitForcesClaim(t *testing.T) {
	f := newEngineFixture(t)
	params := f.engine.Params()
	params.MaxSnapshots = 3
	engine := NewEngine(f.admin, f.updaterKey.PubKey().Address(), params)
	engine.SetState(f.state)
	engine.SetYieldSource(f.yield)
	f.engine = engine

	for i := uint64(0); i < 3; i++ {
		f.mustApply(t, i, depositUpdate(f.collection, 10+i, 1, 1))
	}
	err := f.apply(t, 3, depositUpdate(f.collection, 20, 1, 1))
	if !errors.Is(err, ErrSnapshotLimit) {
		t.Fatalf("error = %v, want ErrSnapshotLimit", err)
	}

	f.yield.available = big.NewInt(1_000_000_000_000_000)
	if _, err := f.engine.Claim(context.Background(), f.account, nil, 20); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// history cleared, updates flow again
	f.mustApply(t, 3, depositUpdate(f.collection, 21, 1, 1))
	_, snaps, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1 after claim reset", len(snaps))
	}
}

func TestClaimSettlesAccrued(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 2, 1))
	f.mustApply(t, 1, depositUpdate(f.collection, 20, 0, 0))
	f.yield.available = big.NewInt(1_000_000_000_000_000)

	outcome, err := f.engine.Claim(context.Background(), f.account, nil, 20)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	want := big.NewInt(12_000_000_000_000)
	if outcome.TotalDue.Cmp(want) != 0 {
		t.Fatalf("total due = %s, want %s", outcome.TotalDue, want)
	}
	if outcome.Paid.Cmp(want) != 0 {
		t.Fatalf("paid = %s, want %s", outcome.Paid, want)
	}
	if outcome.Deficit.Sign() != 0 {
		t.Fatalf("deficit = %s, want 0", outcome.Deficit)
	}

	record, snaps, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if record.AccruedReward.Sign() != 0 {
		t.Fatalf("accrued after claim = %s, want 0", record.AccruedReward)
	}
	if record.NFTBalance != 2 {
		t.Fatalf("claim must preserve balances, nft = %d", record.NFTBalance)
	}
	if len(snaps) != 0 {
		t.Fatalf("snapshots after claim = %d, want 0", len(snaps))
	}

	if _, err := f.engine.Claim(context.Background(), f.account, nil, 20); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("second claim error = %v, want ErrNothingToClaim", err)
	}
}

func TestClaimCappedCarriesDeficit(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 2, 1))
	f.mustApply(t, 1, depositUpdate(f.collection, 20, 0, 0))

	due := big.NewInt(12_000_000_000_000)
	f.yield.available = big.NewInt(6_000_000_000_000)

	outcome, err := f.engine.Claim(context.Background(), f.account, nil, 20)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if outcome.TotalDue.Cmp(due) != 0 {
		t.Fatalf("total due = %s, want %s", outcome.TotalDue, due)
	}
	if outcome.Paid.Cmp(big.NewInt(6_000_000_000_000)) != 0 {
		t.Fatalf("paid = %s, want 6e12", outcome.Paid)
	}
	if outcome.Deficit.Cmp(big.NewInt(6_000_000_000_000)) != 0 {
		t.Fatalf("deficit = %s, want 6e12", outcome.Deficit)
	}

	record, _, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if record.AccruedReward.Cmp(big.NewInt(6_000_000_000_000)) != 0 {
		t.Fatalf("carried accrued = %s, want 6e12", record.AccruedReward)
	}

	// once replenished the carried deficit settles in full
	f.yield.available = big.NewInt(1_000_000_000_000_000)
	outcome, err = f.engine.Claim(context.Background(), f.account, nil, 20)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if outcome.Paid.Cmp(big.NewInt(6_000_000_000_000)) != 0 {
		t.Fatalf("second paid = %s, want 6e12", outcome.Paid)
	}
}

func TestClaimDeficitDistributionConserves(t *testing.T) {
	f := newEngineFixture(t)
	other := testAddress(t, crypto.CollectionPrefix, 0xc1)
	if err := f.state.PutCollection(&CollectionConfig{
		Collection:  other,
		BetaFP:      big.NewInt(0),
		RewardBasis: RewardBasisDeposit,
		Whitelisted: true,
	}); err != nil {
		t.Fatalf("seed collection: %v", err)
	}

	f.mustApply(t, 0,
		depositUpdate(f.collection, 10, 0, 1),
		depositUpdate(other, 10, 0, 1),
	)
	f.mustApply(t, 1,
		depositUpdate(f.collection, 20, 0, 0),
		depositUpdate(other, 20, 0, 0),
	)

	// each pair is due 1e13; cover one and a half of them
	f.yield.available = big.NewInt(15_000_000_000_000)
	outcome, err := f.engine.Claim(context.Background(), f.account, []crypto.Address{f.collection, other}, 20)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if outcome.TotalDue.Cmp(big.NewInt(20_000_000_000_000)) != 0 {
		t.Fatalf("total due = %s, want 2e13", outcome.TotalDue)
	}
	if outcome.Paid.Cmp(big.NewInt(15_000_000_000_000)) != 0 {
		t.Fatalf("paid = %s, want 1.5e13", outcome.Paid)
	}

	first, _, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	second, _, err := f.engine.Position(f.account, other)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	carried := new(big.Int).Add(first.AccruedReward, second.AccruedReward)
	if carried.Cmp(outcome.Deficit) != 0 {
		t.Fatalf("carried %s != deficit %s", carried, outcome.Deficit)
	}
	// claim order retires the first pair in full
	if first.AccruedReward.Sign() != 0 {
		t.Fatalf("first pair accrued = %s, want 0", first.AccruedReward)
	}
	if second.AccruedReward.Cmp(big.NewInt(5_000_000_000_000)) != 0 {
		t.Fatalf("second pair accrued = %s, want 5e12", second.AccruedReward)
	}
}

func TestClaimUnknownPosition(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Claim(context.Background(), f.account, []crypto.Address{f.collection}, 10)
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("error = %v, want ErrNoPosition", err)
	}
}

func TestClaimNothingWithoutAccrual(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 1, 1))
	_, err := f.engine.Claim(context.Background(), f.account, nil, 10)
	if !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("error = %v, want ErrNothingToClaim", err)
	}
}

func TestPendingRewardMatchesClaim(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 2, 1))

	pending, err := f.engine.PendingReward(f.account, f.collection, 20)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	want := big.NewInt(12_000_000_000_000)
	if pending.Cmp(want) != 0 {
		t.Fatalf("pending = %s, want %s", pending, want)
	}

	// the preview must not mutate the record
	record, _, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if record.AccruedReward.Sign() != 0 {
		t.Fatalf("preview folded accrual: %s", record.AccruedReward)
	}

	f.yield.available = big.NewInt(1_000_000_000_000_000)
	outcome, err := f.engine.Claim(context.Background(), f.account, nil, 20)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if outcome.TotalDue.Cmp(want) != 0 {
		t.Fatalf("claim due = %s, pending preview was %s", outcome.TotalDue, want)
	}
}

func TestRotateUpdater(t *testing.T) {
	f := newEngineFixture(t)
	nextKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	next := nextKey.PubKey().Address()

	if err := f.engine.RotateUpdater(f.account, next); !errors.Is(err, ErrAdminOnly) {
		t.Fatalf("error = %v, want ErrAdminOnly", err)
	}
	if err := f.engine.RotateUpdater(f.admin, next); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// the old key no longer authenticates
	if err := f.apply(t, 0, depositUpdate(f.collection, 10, 1, 1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old key error = %v, want ErrUnauthorized", err)
	}

	batch := &UpdateBatch{Account: f.account, Updates: []BalanceUpdate{depositUpdate(f.collection, 10, 1, 1)}}
	if err := batch.Sign(nextKey, f.engine.Params().NetworkTag, 0); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := f.engine.ApplyBatch(batch); err != nil {
		t.Fatalf("new key apply: %v", err)
	}
}

// blockingYield parks TransferCapped until released so tests can observe the
// controller mid-settlement.
type blockingYield struct {
	*stubYield
	entered chan struct{}
	release chan struct{}
}

func (b *blockingYield) TransferCapped(ctx context.Context, amount *big.Int, recipient crypto.Address) (*big.Int, error) {
	close(b.entered)
	<-b.release
	return b.stubYield.TransferCapped(ctx, amount, recipient)
}

func TestClaimInProgressBlocksAccount(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 2, 1))
	f.mustApply(t, 1, depositUpdate(f.collection, 20, 0, 0))

	blocking := &blockingYield{
		stubYield: newStubYield(1_000_000, 1, 1_000_000_000_000_000),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	f.engine.SetYieldSource(blocking)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Claim(context.Background(), f.account, nil, 20)
		done <- err
	}()
	<-blocking.entered

	if _, err := f.engine.Claim(context.Background(), f.account, nil, 20); !errors.Is(err, ErrClaimInProgress) {
		t.Fatalf("concurrent claim error = %v, want ErrClaimInProgress", err)
	}
	if err := f.apply(t, 2, depositUpdate(f.collection, 30, 1, 1)); !errors.Is(err, ErrClaimInProgress) {
		t.Fatalf("batch during claim error = %v, want ErrClaimInProgress", err)
	}

	close(blocking.release)
	if err := <-done; err != nil {
		t.Fatalf("claim: %v", err)
	}

	// once settled the account accepts updates again
	f.mustApply(t, 2, depositUpdate(f.collection, 30, 1, 1))
}

func TestClaimDuplicateCollectionsSettlesOnce(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 2, 1))
	f.mustApply(t, 1, depositUpdate(f.collection, 20, 0, 0))
	f.yield.available = big.NewInt(1_000_000_000_000_000)

	// naming the pair repeatedly must not settle the interval repeatedly
	outcome, err := f.engine.Claim(context.Background(), f.account,
		[]crypto.Address{f.collection, f.collection, f.collection}, 20)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	want := big.NewInt(12_000_000_000_000)
	if outcome.TotalDue.Cmp(want) != 0 {
		t.Fatalf("total due = %s, want %s", outcome.TotalDue, want)
	}
	if outcome.Paid.Cmp(want) != 0 {
		t.Fatalf("paid = %s, want %s", outcome.Paid, want)
	}
	if len(outcome.Collections) != 1 {
		t.Fatalf("settled pairs = %d, want 1", len(outcome.Collections))
	}

	record, _, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if record.AccruedReward.Sign() != 0 {
		t.Fatalf("accrued after claim = %s, want 0", record.AccruedReward)
	}
}

func TestClaimBehindHeightKeepsOrdering(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 2, 1))
	f.mustApply(t, 1, depositUpdate(f.collection, 20, 0, 0))
	f.yield.available = big.NewInt(1_000_000_000_000_000)

	if _, err := f.engine.Claim(context.Background(), f.account, nil, 5); err != nil {
		t.Fatalf("claim: %v", err)
	}

	record, _, err := f.engine.Position(f.account, f.collection)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	// a claim naming an earlier height must not rewind the record height
	if record.LastUpdateHeight != 20 {
		t.Fatalf("record height = %d, want 20", record.LastUpdateHeight)
	}

	// heights behind the record stay stale after the claim
	if err := f.apply(t, 2, depositUpdate(f.collection, 6, 1, 1)); !errors.Is(err, ErrStaleUpdate) {
		t.Fatalf("error = %v, want ErrStaleUpdate", err)
	}
	f.mustApply(t, 2, depositUpdate(f.collection, 21, 1, 1))
}

func TestClaimAllIncludesDrainedPair(t *testing.T) {
	f := newEngineFixture(t)
	f.mustApply(t, 0, depositUpdate(f.collection, 10, 1, 1))
	// withdraw everything; the accrual settled on the way out stays owed
	f.mustApply(t, 1, depositUpdate(f.collection, 20, -1, -1))

	active, err := f.engine.ActiveCollections(f.account)
	if err != nil {
		t.Fatalf("active collections: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("drained pair with pending reward left active set: %d entries", len(active))
	}

	f.yield.available = big.NewInt(1_000_000_000_000_000)
	outcome, err := f.engine.Claim(context.Background(), f.account, nil, 20)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// ten heights of 1e12 over a 1e18 deposit with a 1.1x multiplier
	want := big.NewInt(11_000_000_000_000)
	if outcome.Paid.Cmp(want) != 0 {
		t.Fatalf("paid = %s, want %s", outcome.Paid, want)
	}

	// fully settled and drained, the pair leaves the active set
	active, err = f.engine.ActiveCollections(f.account)
	if err != nil {
		t.Fatalf("active collections: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("settled pair still active: %d entries", len(active))
	}
	if _, err := f.engine.Claim(context.Background(), f.account, nil, 20); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("error = %v, want ErrNothingToClaim", err)
	}
}

func TestAdvanceToIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	first, err := f.engine.AdvanceTo(50)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	second, err := f.engine.AdvanceTo(50)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if first.Index.Cmp(second.Index) != 0 {
		t.Fatalf("repeated advance moved the index: %s -> %s", first.Index, second.Index)
	}
	if second.LastUpdateHeight != 50 {
		t.Fatalf("height = %d, want 50", second.LastUpdateHeight)
	}
}
