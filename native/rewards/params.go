package rewards

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// indexScale is the fixed-point denominator shared by the global index,
	// collection betas and the boost multiplier.
	indexScale = int64(1_000_000_000_000_000_000)
	// defaultMaxSnapshots bounds the per-pair snapshot history.
	defaultMaxSnapshots = 50
)

var indexScaleBig = big.NewInt(indexScale)

// IndexUnit returns the fixed-point scaling factor used by the controller.
func IndexUnit() *big.Int {
	return new(big.Int).Set(indexScaleBig)
}

// Params groups the protocol-wide knobs of the reward controller.
type Params struct {
	// MaxBoostFP caps the boost multiplier, in 1e18 fixed point. The
	// default grants at most 900% of the base reward.
	MaxBoostFP *big.Int
	// MaxSnapshots bounds the snapshot history per (account, collection).
	// Exceeding it fails the update until the account claims.
	MaxSnapshots int
	// NetworkTag is mixed into every batch digest so signatures cannot be
	// replayed across deployments.
	NetworkTag string
}

// DefaultParams returns the baseline controller configuration.
func DefaultParams() Params {
	maxBoost := new(big.Int).Mul(big.NewInt(9), indexScaleBig)
	return Params{
		MaxBoostFP:   maxBoost,
		MaxSnapshots: defaultMaxSnapshots,
		NetworkTag:   "cv-local",
	}
}

// Validate ensures the configuration is internally consistent.
func (p Params) Validate() error {
	if p.MaxBoostFP == nil || p.MaxBoostFP.Sign() < 0 {
		return errors.New("max boost must be non-negative")
	}
	if p.MaxSnapshots <= 0 {
		return fmt.Errorf("max snapshots must be positive, got %d", p.MaxSnapshots)
	}
	if strings.TrimSpace(p.NetworkTag) == "" {
		return errors.New("network tag required for signature domain separation")
	}
	return nil
}
