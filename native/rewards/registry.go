package rewards

import (
	"fmt"
	"math/big"
	"sort"

	"collectionvault/core/events"
	"collectionvault/crypto"
)

type registryState interface {
	Collection(collection crypto.Address) (*CollectionConfig, error)
	PutCollection(*CollectionConfig) error
	Collections() ([]crypto.Address, error)
}

// Registry manages the whitelist of boost collections and their beta
// configuration. Every mutating operation is restricted to the admin
// identity.
type Registry struct {
	st      registryState
	admin   crypto.Address
	emitter events.Emitter
}

// NewRegistry creates a registry backed by the provided state manager.
func NewRegistry(st registryState, admin crypto.Address) *Registry {
	return &Registry{st: st, admin: admin, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter used to broadcast registry updates.
// Passing nil resets the emitter to a no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// RegisterCollection whitelists a new collection. The collection address is
// its immutable identity; registering it twice fails.
func (r *Registry) RegisterCollection(caller crypto.Address, cfg *CollectionConfig) error {
	if cfg == nil {
		return ErrInvalidCollection
	}
	if !sameAddress(caller, r.admin) {
		return ErrAdminOnly
	}
	sanitized, err := sanitizeCollection(cfg)
	if err != nil {
		return err
	}
	existing, err := r.st.Collection(sanitized.Collection)
	if err != nil {
		return err
	}
	if existing != nil && existing.Whitelisted {
		return fmt.Errorf("%w: %s", ErrCollectionExists, sanitized.Collection.String())
	}
	sanitized.Whitelisted = true
	if err := r.st.PutCollection(sanitized); err != nil {
		return err
	}
	r.emitter.Emit(events.CollectionRegistered{
		Collection:  addr20(sanitized.Collection),
		BetaFP:      copyBigInt(sanitized.BetaFP),
		RewardBasis: string(sanitized.RewardBasis),
	})
	return nil
}

// UpdateCollection changes the beta or reward basis of a registered
// collection. Already-accrued user state is unaffected; the new beta applies
// from the next reconciliation onward.
func (r *Registry) UpdateCollection(caller crypto.Address, cfg *CollectionConfig) error {
	if cfg == nil {
		return ErrInvalidCollection
	}
	if !sameAddress(caller, r.admin) {
		return ErrAdminOnly
	}
	existing, err := r.st.Collection(cfg.Collection)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, cfg.Collection.String())
	}
	sanitized, err := sanitizeCollection(cfg)
	if err != nil {
		return err
	}
	existing.BetaFP = sanitized.BetaFP
	existing.RewardBasis = sanitized.RewardBasis
	if err := r.st.PutCollection(existing); err != nil {
		return err
	}
	r.emitter.Emit(events.CollectionUpdated{
		Collection:  addr20(existing.Collection),
		BetaFP:      copyBigInt(existing.BetaFP),
		RewardBasis: string(existing.RewardBasis),
	})
	return nil
}

// RemoveCollection takes a collection off the whitelist. The configuration is
// kept with the whitelist flag cleared so reward already accrued against the
// collection's beta still settles correctly at claim time.
func (r *Registry) RemoveCollection(caller, collection crypto.Address) error {
	if !sameAddress(caller, r.admin) {
		return ErrAdminOnly
	}
	existing, err := r.st.Collection(collection)
	if err != nil {
		return err
	}
	if existing == nil || !existing.Whitelisted {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection.String())
	}
	existing.Whitelisted = false
	if err := r.st.PutCollection(existing); err != nil {
		return err
	}
	r.emitter.Emit(events.CollectionRemoved{Collection: addr20(collection)})
	return nil
}

// GetCollection retrieves a collection configuration by address.
func (r *Registry) GetCollection(collection crypto.Address) (*CollectionConfig, bool) {
	cfg, err := r.st.Collection(collection)
	if err != nil || cfg == nil {
		return nil, false
	}
	return cfg.Clone(), true
}

// ListCollections returns every registered collection address in
// deterministic order, including removed ones.
func (r *Registry) ListCollections() ([]crypto.Address, error) {
	collections, err := r.st.Collections()
	if err != nil {
		return nil, err
	}
	sort.Slice(collections, func(i, j int) bool {
		return string(collections[i].Bytes()) < string(collections[j].Bytes())
	})
	return collections, nil
}

func sanitizeCollection(cfg *CollectionConfig) (*CollectionConfig, error) {
	out := cfg.Clone()
	if len(out.Collection.Bytes()) != 20 {
		return nil, fmt.Errorf("%w: collection address required", ErrInvalidCollection)
	}
	if out.BetaFP == nil {
		out.BetaFP = big.NewInt(0)
	}
	if out.BetaFP.Sign() < 0 {
		return nil, fmt.Errorf("%w: beta must be non-negative", ErrInvalidCollection)
	}
	switch out.RewardBasis {
	case RewardBasisDeposit, RewardBasisBorrow:
	case "":
		out.RewardBasis = RewardBasisDeposit
	default:
		return nil, fmt.Errorf("%w: unsupported reward basis %q", ErrInvalidCollection, out.RewardBasis)
	}
	return out, nil
}

func addr20(addr crypto.Address) [20]byte {
	var out [20]byte
	copy(out[:], addr.Bytes())
	return out
}
