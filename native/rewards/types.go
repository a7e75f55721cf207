package rewards

import (
	"math/big"

	"collectionvault/crypto"
)

// RewardBasis selects which balance a collection's accrual is weighted by.
type RewardBasis string

const (
	// RewardBasisDeposit weights accrual by the account's deposit balance.
	RewardBasisDeposit RewardBasis = "deposit"
	// RewardBasisBorrow weights accrual by the account's borrow balance. It
	// is accepted as configuration but settles identically to the deposit
	// basis until borrow tracking lands.
	RewardBasisBorrow RewardBasis = "borrow"
)

// CollectionConfig captures the per-collection boost configuration managed by
// the registry. The collection address is immutable once registered.
type CollectionConfig struct {
	// Collection is the unique identity of the whitelisted collection.
	Collection crypto.Address
	// BetaFP is the bonus fraction granted per held unit, in 1e18 fixed
	// point.
	BetaFP *big.Int
	// RewardBasis selects the balance the accrual formula weights by.
	RewardBasis RewardBasis
	// Whitelisted reports whether the collection currently accepts balance
	// updates. Removal flips this off without touching accrued user state.
	Whitelisted bool
}

// Clone returns a deep copy of the configuration.
func (c *CollectionConfig) Clone() *CollectionConfig {
	if c == nil {
		return nil
	}
	return &CollectionConfig{
		Collection:  c.Collection,
		BetaFP:      copyBigInt(c.BetaFP),
		RewardBasis: c.RewardBasis,
		Whitelisted: c.Whitelisted,
	}
}

// GlobalRewardState is the single process-wide accumulator record. Index never
// decreases; it is seeded at the fixed-point unit so a stored per-user synced
// index of zero always means "never synced".
type GlobalRewardState struct {
	// Index is the cumulative reward-per-unit-deposit value in 1e18 fixed
	// point.
	Index *big.Int
	// LastUpdateHeight records the height the index was last advanced to.
	LastUpdateHeight uint64
	// TotalDeposits tracks the aggregate deposit balance across all
	// accounts and collections.
	TotalDeposits *big.Int
}

// Clone returns a deep copy of the accumulator record.
func (g *GlobalRewardState) Clone() *GlobalRewardState {
	if g == nil {
		return nil
	}
	return &GlobalRewardState{
		Index:            copyBigInt(g.Index),
		LastUpdateHeight: g.LastUpdateHeight,
		TotalDeposits:    copyBigInt(g.TotalDeposits),
	}
}

// UserCollectionRecord maintains the accrual position of one account within
// one collection. Balances never go below zero; an update whose magnitude
// exceeds the current value is rejected rather than clamped.
type UserCollectionRecord struct {
	Account    crypto.Address
	Collection crypto.Address
	// NFTBalance is the count of boost tokens held from the collection.
	NFTBalance uint64
	// DepositBalance is the underlying deposit amount in wei.
	DepositBalance *big.Int
	// LastSyncedIndex is the global index value the record was last
	// reconciled against. Zero means the record has never been synced.
	LastSyncedIndex *big.Int
	// LastUpdateHeight is monotonically non-decreasing per record.
	LastUpdateHeight uint64
	// AccruedReward carries reward computed as due but not yet paid out,
	// including deficits left by capped claims.
	AccruedReward *big.Int
}

// Clone returns a deep copy of the record.
func (r *UserCollectionRecord) Clone() *UserCollectionRecord {
	if r == nil {
		return nil
	}
	return &UserCollectionRecord{
		Account:          r.Account,
		Collection:       r.Collection,
		NFTBalance:       r.NFTBalance,
		DepositBalance:   copyBigInt(r.DepositBalance),
		LastSyncedIndex:  copyBigInt(r.LastSyncedIndex),
		LastUpdateHeight: r.LastUpdateHeight,
		AccruedReward:    copyBigInt(r.AccruedReward),
	}
}

// Snapshot captures the balance state of a record at one authenticated
// update, enabling retroactive multi-period reconciliation at claim time.
type Snapshot struct {
	NFTBalance     uint64   `json:"nftBalance"`
	DepositBalance *big.Int `json:"depositBalance"`
	Index          *big.Int `json:"index"`
	Height         uint64   `json:"height"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		NFTBalance:     s.NFTBalance,
		DepositBalance: copyBigInt(s.DepositBalance),
		Index:          copyBigInt(s.Index),
		Height:         s.Height,
	}
}

// BalanceUpdate is a single signed delta against one (account, collection)
// pair. Deltas are signed integers; the deposit delta is denominated in wei.
type BalanceUpdate struct {
	Collection   crypto.Address
	UpdateHeight uint64
	NFTDelta     int64
	DepositDelta *big.Int
}

// UpdateBatch bundles the ordered deltas an off-chain updater attests for one
// account. The signature binds the updater, the account, the exact update
// order and a fresh per-updater nonce.
type UpdateBatch struct {
	Updater   crypto.Address
	Account   crypto.Address
	Updates   []BalanceUpdate
	Signature []byte
}

// ClaimOutcome summarises a settled claim.
type ClaimOutcome struct {
	Account     crypto.Address
	Collections []crypto.Address
	// TotalDue is the reward owed across all reconciled intervals.
	TotalDue *big.Int
	// Paid is the amount the yield source actually transferred.
	Paid *big.Int
	// Deficit is the shortfall carried forward as accrued reward.
	Deficit *big.Int
	Height  uint64
}

func copyBigInt(value *big.Int) *big.Int {
	if value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(value)
}
