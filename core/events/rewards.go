package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"collectionvault/core/types"
)

const (
	// TypeRewardsBatchProcessed is emitted once per accepted balance-update
	// batch, regardless of how many individual deltas it carried.
	TypeRewardsBatchProcessed = "rewards.batch.processed"
	// TypeRewardsClaimed is emitted when an account settles its accrued
	// reward across one or more collections.
	TypeRewardsClaimed = "rewards.claimed"
	// TypeCollectionRegistered is emitted when a collection is whitelisted.
	TypeCollectionRegistered = "rewards.collection.registered"
	// TypeCollectionUpdated is emitted when a collection's boost
	// configuration changes.
	TypeCollectionUpdated = "rewards.collection.updated"
	// TypeCollectionRemoved is emitted when a collection is removed from the
	// whitelist.
	TypeCollectionRemoved = "rewards.collection.removed"
	// TypeUpdaterRotated is emitted when the authorized balance updater key
	// is rotated.
	TypeUpdaterRotated = "rewards.updater.rotated"
)

// RewardsBatchProcessed captures the acceptance of a signed balance-update
// batch for one account.
type RewardsBatchProcessed struct {
	Updater     [20]byte
	Account     [20]byte
	Nonce       uint64
	UpdateCount int
}

// EventType implements the Event interface.
func (RewardsBatchProcessed) EventType() string { return TypeRewardsBatchProcessed }

// Event converts the batch acceptance to the generic event payload.
func (e RewardsBatchProcessed) Event() *types.Event {
	return &types.Event{
		Type: TypeRewardsBatchProcessed,
		Attributes: map[string]string{
			"updater": "0x" + common.Bytes2Hex(e.Updater[:]),
			"account": "0x" + common.Bytes2Hex(e.Account[:]),
			"nonce":   strconv.FormatUint(e.Nonce, 10),
			"updates": strconv.Itoa(e.UpdateCount),
		},
	}
}

// RewardsClaimed captures a claim settlement, including the shortfall left
// behind when the yield source could not cover the full amount due.
type RewardsClaimed struct {
	Account     [20]byte
	Collections int
	TotalDue    *big.Int
	Paid        *big.Int
	Capped      bool
}

// EventType implements the Event interface.
func (RewardsClaimed) EventType() string { return TypeRewardsClaimed }

// Event converts the claim settlement to the generic event payload.
func (e RewardsClaimed) Event() *types.Event {
	due := big.NewInt(0)
	if e.TotalDue != nil {
		due = new(big.Int).Set(e.TotalDue)
	}
	paid := big.NewInt(0)
	if e.Paid != nil {
		paid = new(big.Int).Set(e.Paid)
	}
	deficit := new(big.Int).Sub(due, paid)
	if deficit.Sign() < 0 {
		deficit = big.NewInt(0)
	}
	return &types.Event{
		Type: TypeRewardsClaimed,
		Attributes: map[string]string{
			"account":     "0x" + common.Bytes2Hex(e.Account[:]),
			"collections": strconv.Itoa(e.Collections),
			"due":         due.String(),
			"paid":        paid.String(),
			"deficit":     deficit.String(),
			"capped":      strconv.FormatBool(e.Capped),
		},
	}
}

// CollectionRegistered captures the whitelisting of a boost collection.
type CollectionRegistered struct {
	Collection  [20]byte
	BetaFP      *big.Int
	RewardBasis string
}

// EventType implements the Event interface.
func (CollectionRegistered) EventType() string { return TypeCollectionRegistered }

// Event converts the registration to the generic event payload.
func (e CollectionRegistered) Event() *types.Event {
	beta := big.NewInt(0)
	if e.BetaFP != nil {
		beta = new(big.Int).Set(e.BetaFP)
	}
	return &types.Event{
		Type: TypeCollectionRegistered,
		Attributes: map[string]string{
			"collection": "0x" + common.Bytes2Hex(e.Collection[:]),
			"beta_fp":    beta.String(),
			"basis":      e.RewardBasis,
		},
	}
}

// CollectionUpdated captures a boost configuration change.
type CollectionUpdated struct {
	Collection  [20]byte
	BetaFP      *big.Int
	RewardBasis string
}

// EventType implements the Event interface.
func (CollectionUpdated) EventType() string { return TypeCollectionUpdated }

// Event converts the update to the generic event payload.
func (e CollectionUpdated) Event() *types.Event {
	beta := big.NewInt(0)
	if e.BetaFP != nil {
		beta = new(big.Int).Set(e.BetaFP)
	}
	return &types.Event{
		Type: TypeCollectionUpdated,
		Attributes: map[string]string{
			"collection": "0x" + common.Bytes2Hex(e.Collection[:]),
			"beta_fp":    beta.String(),
			"basis":      e.RewardBasis,
		},
	}
}

// CollectionRemoved captures the removal of a collection from the whitelist.
type CollectionRemoved struct {
	Collection [20]byte
}

// EventType implements the Event interface.
func (CollectionRemoved) EventType() string { return TypeCollectionRemoved }

// Event converts the removal to the generic event payload.
func (e CollectionRemoved) Event() *types.Event {
	return &types.Event{
		Type: TypeCollectionRemoved,
		Attributes: map[string]string{
			"collection": "0x" + common.Bytes2Hex(e.Collection[:]),
		},
	}
}

// UpdaterRotated captures the rotation of the authorized updater identity.
type UpdaterRotated struct {
	OldUpdater [20]byte
	NewUpdater [20]byte
}

// EventType implements the Event interface.
func (UpdaterRotated) EventType() string { return TypeUpdaterRotated }

// Event converts the rotation to the generic event payload.
func (e UpdaterRotated) Event() *types.Event {
	return &types.Event{
		Type: TypeUpdaterRotated,
		Attributes: map[string]string{
			"old_updater": "0x" + common.Bytes2Hex(e.OldUpdater[:]),
			"new_updater": "0x" + common.Bytes2Hex(e.NewUpdater[:]),
		},
	}
}
