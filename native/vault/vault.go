package vault

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"collectionvault/crypto"
)

var (
	errInvalidAmount = errors.New("vault: amount must be positive")
	errNilRecipient  = errors.New("vault: recipient required")
)

// Vault is an in-process lending adapter backing the reward controller. It
// tracks the yield-bearing assets under management, emits yield at a flat
// per-height rate, and pays claims capped to the yield actually available.
type Vault struct {
	mu                sync.Mutex
	totalAssets       *big.Int
	ratePerPeriod     *big.Int
	available         *big.Int
	lastAccrualHeight uint64
	balances          map[string]*big.Int
}

// NewVault constructs a vault with the supplied assets under management and
// per-height reward rate.
func NewVault(totalAssets, ratePerPeriod *big.Int) *Vault {
	return &Vault{
		totalAssets:   copyBig(totalAssets),
		ratePerPeriod: copyBig(ratePerPeriod),
		available:     big.NewInt(0),
		balances:      make(map[string]*big.Int),
	}
}

// TotalAssets reports the yield-bearing assets backing the vault.
func (v *Vault) TotalAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.totalAssets)
}

// RewardRatePerPeriod reports the reward emitted per height unit.
func (v *Vault) RewardRatePerPeriod() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.ratePerPeriod)
}

// AvailableYield reports the yield currently claimable.
func (v *Vault) AvailableYield() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.available)
}

// AccrueYield grows the claimable yield by the per-height rate for every
// height elapsed since the previous accrual. Calls at or behind the last
// accrual height are no-ops.
func (v *Vault) AccrueYield(height uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if height <= v.lastAccrualHeight {
		return
	}
	delta := height - v.lastAccrualHeight
	v.lastAccrualHeight = height
	if v.ratePerPeriod.Sign() <= 0 {
		return
	}
	earned := new(big.Int).Mul(v.ratePerPeriod, new(big.Int).SetUint64(delta))
	v.available.Add(v.available, earned)
}

// Fund credits additional claimable yield directly, e.g. a top-up from the
// protocol treasury.
func (v *Vault) Fund(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.available.Add(v.available, amount)
	return nil
}

// SetTotalAssets adjusts the assets under management, which feeds the
// controller's per-deposit rate computation.
func (v *Vault) SetTotalAssets(amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.totalAssets = copyBig(amount)
}

// SetRewardRate adjusts the per-height reward rate.
func (v *Vault) SetRewardRate(rate *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ratePerPeriod = copyBig(rate)
}

// TransferCapped pays out at most the requested amount, bounded by the yield
// available, and returns what was actually transferred. A short payment is
// reported through the return value, never as an error.
func (v *Vault) TransferCapped(ctx context.Context, amount *big.Int, recipient crypto.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if len(recipient.Bytes()) != 20 {
		return nil, errNilRecipient
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	paid := new(big.Int).Set(amount)
	if paid.Cmp(v.available) > 0 {
		paid.Set(v.available)
	}
	if paid.Sign() > 0 {
		v.available.Sub(v.available, paid)
		key := string(recipient.Bytes())
		balance, ok := v.balances[key]
		if !ok {
			balance = big.NewInt(0)
		}
		v.balances[key] = balance.Add(balance, paid)
	}
	return paid, nil
}

// BalanceOf reports the cumulative amount paid out to the recipient.
func (v *Vault) BalanceOf(recipient crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if balance, ok := v.balances[string(recipient.Bytes())]; ok {
		return new(big.Int).Set(balance)
	}
	return big.NewInt(0)
}

func copyBig(value *big.Int) *big.Int {
	if value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(value)
}
