package rewards

import (
	"context"
	"math/big"

	"collectionvault/crypto"
)

// YieldSource is the boundary to the external lending adapter the controller
// draws rewards from. Rate and availability queries are cheap reads; only the
// capped transfer performs real work and it may pay less than requested.
type YieldSource interface {
	// TotalAssets reports the yield-bearing assets backing the vault.
	TotalAssets() *big.Int
	// RewardRatePerPeriod reports the reward emitted per height unit.
	RewardRatePerPeriod() *big.Int
	// AvailableYield reports the yield currently claimable.
	AvailableYield() *big.Int
	// TransferCapped pays out at most the requested amount and returns what
	// was actually transferred. A short payment is not an error.
	TransferCapped(ctx context.Context, amount *big.Int, recipient crypto.Address) (*big.Int, error)
}

// ensureGlobal normalises a loaded accumulator record, seeding the index at
// the fixed-point unit on first use.
func ensureGlobal(global *GlobalRewardState) *GlobalRewardState {
	if global == nil {
		global = &GlobalRewardState{}
	}
	if global.Index == nil || global.Index.Sign() <= 0 {
		global.Index = new(big.Int).Set(indexScaleBig)
	}
	if global.TotalDeposits == nil {
		global.TotalDeposits = big.NewInt(0)
	}
	return global
}

// advanceIndex moves the accumulator forward to toHeight. Calls at or behind
// the last recorded height are no-ops, which makes the advance idempotent and
// keeps the index monotone. The per-height rate divides the reward rate by the
// yield source's total assets, flooring so the index never over-credits.
func advanceIndex(global *GlobalRewardState, src YieldSource, toHeight uint64) bool {
	if global == nil || src == nil {
		return false
	}
	if toHeight <= global.LastUpdateHeight {
		return false
	}
	delta := toHeight - global.LastUpdateHeight
	global.LastUpdateHeight = toHeight

	rate := src.RewardRatePerPeriod()
	if rate == nil || rate.Sign() <= 0 {
		return true
	}
	assets := src.TotalAssets()
	if assets == nil || assets.Sign() <= 0 {
		assets = big.NewInt(1)
	}

	perHeight := new(big.Int).Mul(rate, indexScaleBig)
	perHeight.Quo(perHeight, assets)
	increment := perHeight.Mul(perHeight, new(big.Int).SetUint64(delta))
	if increment.Sign() > 0 {
		global.Index.Add(global.Index, increment)
	}
	return true
}

// accrualAmount applies the reconciliation formula for one interval:
// base = deposit × Δindex / scale, bonus = base × boost / scale. A zero
// deposit earns nothing regardless of holdings, and a record that has never
// been synced (zero baseline) earns nothing for its first interval.
func accrualAmount(deposit *big.Int, nftCount uint64, lastSyncedIndex, currentIndex, betaFP, maxBoostFP *big.Int) *big.Int {
	if deposit == nil || deposit.Sign() == 0 {
		return big.NewInt(0)
	}
	if lastSyncedIndex == nil || lastSyncedIndex.Sign() == 0 {
		return big.NewInt(0)
	}
	if currentIndex == nil || currentIndex.Cmp(lastSyncedIndex) <= 0 {
		return big.NewInt(0)
	}
	deltaIndex := new(big.Int).Sub(currentIndex, lastSyncedIndex)

	base := new(big.Int).Mul(deposit, deltaIndex)
	base.Quo(base, indexScaleBig)
	if base.Sign() == 0 {
		return base
	}

	boost := Boost(nftCount, betaFP, maxBoostFP)
	if boost.Sign() == 0 {
		return base
	}
	bonus := new(big.Int).Mul(base, boost)
	bonus.Quo(bonus, indexScaleBig)
	return base.Add(base, bonus)
}
