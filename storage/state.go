package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"collectionvault/crypto"
	"collectionvault/native/rewards"
)

const (
	keyGlobal          = "rewards/global"
	keyCollectionsList = "rewards/collections"

	prefixCollection = "rewards/collection/"
	prefixRecord     = "rewards/record/"
	prefixSnapshots  = "rewards/snaps/"
	prefixNonce      = "rewards/nonce/"
	prefixActive     = "rewards/active/"
)

// State persists the reward controller's records in a key-value database
// using JSON encoding. It satisfies the state interfaces declared by the
// rewards engine and registry.
type State struct {
	db Database
}

// NewState wraps the supplied database.
func NewState(db Database) *State {
	return &State{db: db}
}

// storedAddress round-trips a prefixed address through JSON.
type storedAddress struct {
	Prefix string `json:"prefix"`
	Bytes  []byte `json:"bytes"`
}

func toStoredAddress(addr crypto.Address) storedAddress {
	return storedAddress{Prefix: string(addr.Prefix()), Bytes: addr.Bytes()}
}

func (s storedAddress) address() (crypto.Address, error) {
	if len(s.Bytes) != 20 {
		return crypto.Address{}, fmt.Errorf("storage: malformed address of %d bytes", len(s.Bytes))
	}
	return crypto.NewAddress(crypto.AddressPrefix(s.Prefix), s.Bytes), nil
}

type storedGlobal struct {
	Index            *big.Int `json:"index"`
	LastUpdateHeight uint64   `json:"lastUpdateHeight"`
	TotalDeposits    *big.Int `json:"totalDeposits"`
}

type storedCollection struct {
	Collection  storedAddress `json:"collection"`
	BetaFP      *big.Int      `json:"betaFP"`
	RewardBasis string        `json:"rewardBasis"`
	Whitelisted bool          `json:"whitelisted"`
}

type storedRecord struct {
	Account          storedAddress `json:"account"`
	Collection       storedAddress `json:"collection"`
	NFTBalance       uint64        `json:"nftBalance"`
	DepositBalance   *big.Int      `json:"depositBalance"`
	LastSyncedIndex  *big.Int      `json:"lastSyncedIndex"`
	LastUpdateHeight uint64        `json:"lastUpdateHeight"`
	AccruedReward    *big.Int      `json:"accruedReward"`
}

// Global implements the engine state interface.
func (s *State) Global() (*rewards.GlobalRewardState, error) {
	var stored storedGlobal
	found, err := s.get([]byte(keyGlobal), &stored)
	if err != nil || !found {
		return nil, err
	}
	return &rewards.GlobalRewardState{
		Index:            stored.Index,
		LastUpdateHeight: stored.LastUpdateHeight,
		TotalDeposits:    stored.TotalDeposits,
	}, nil
}

// PutGlobal implements the engine state interface.
func (s *State) PutGlobal(global *rewards.GlobalRewardState) error {
	if global == nil {
		return fmt.Errorf("storage: nil global state")
	}
	return s.put([]byte(keyGlobal), storedGlobal{
		Index:            global.Index,
		LastUpdateHeight: global.LastUpdateHeight,
		TotalDeposits:    global.TotalDeposits,
	})
}

// Collection implements the engine and registry state interfaces. A missing
// entry is reported as nil without error.
func (s *State) Collection(collection crypto.Address) (*rewards.CollectionConfig, error) {
	var stored storedCollection
	found, err := s.get(collectionKey(collection), &stored)
	if err != nil || !found {
		return nil, err
	}
	addr, err := stored.Collection.address()
	if err != nil {
		return nil, err
	}
	return &rewards.CollectionConfig{
		Collection:  addr,
		BetaFP:      stored.BetaFP,
		RewardBasis: rewards.RewardBasis(stored.RewardBasis),
		Whitelisted: stored.Whitelisted,
	}, nil
}

// PutCollection implements the engine and registry state interfaces and keeps
// the collection index up to date.
func (s *State) PutCollection(cfg *rewards.CollectionConfig) error {
	if cfg == nil {
		return fmt.Errorf("storage: nil collection config")
	}
	stored := storedCollection{
		Collection:  toStoredAddress(cfg.Collection),
		BetaFP:      cfg.BetaFP,
		RewardBasis: string(cfg.RewardBasis),
		Whitelisted: cfg.Whitelisted,
	}
	if err := s.put(collectionKey(cfg.Collection), stored); err != nil {
		return err
	}
	return s.indexCollection(cfg.Collection)
}

// Collections implements the registry state interface.
func (s *State) Collections() ([]crypto.Address, error) {
	var list []storedAddress
	if _, err := s.get([]byte(keyCollectionsList), &list); err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(list))
	for _, entry := range list {
		addr, err := entry.address()
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// Record implements the engine state interface. A missing record is reported
// as nil without error.
func (s *State) Record(account, collection crypto.Address) (*rewards.UserCollectionRecord, error) {
	var stored storedRecord
	found, err := s.get(recordKey(account, collection), &stored)
	if err != nil || !found {
		return nil, err
	}
	acct, err := stored.Account.address()
	if err != nil {
		return nil, err
	}
	coll, err := stored.Collection.address()
	if err != nil {
		return nil, err
	}
	return &rewards.UserCollectionRecord{
		Account:          acct,
		Collection:       coll,
		NFTBalance:       stored.NFTBalance,
		DepositBalance:   stored.DepositBalance,
		LastSyncedIndex:  stored.LastSyncedIndex,
		LastUpdateHeight: stored.LastUpdateHeight,
		AccruedReward:    stored.AccruedReward,
	}, nil
}

// PutRecord implements the engine state interface.
func (s *State) PutRecord(record *rewards.UserCollectionRecord) error {
	if record == nil {
		return fmt.Errorf("storage: nil record")
	}
	return s.put(recordKey(record.Account, record.Collection), storedRecord{
		Account:          toStoredAddress(record.Account),
		Collection:       toStoredAddress(record.Collection),
		NFTBalance:       record.NFTBalance,
		DepositBalance:   record.DepositBalance,
		LastSyncedIndex:  record.LastSyncedIndex,
		LastUpdateHeight: record.LastUpdateHeight,
		AccruedReward:    record.AccruedReward,
	})
}

// Snapshots implements the engine state interface.
func (s *State) Snapshots(account, collection crypto.Address) ([]rewards.Snapshot, error) {
	var snaps []rewards.Snapshot
	if _, err := s.get(snapshotsKey(account, collection), &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// PutSnapshots implements the engine state interface. A nil or empty slice
// clears the stored history.
func (s *State) PutSnapshots(account, collection crypto.Address, snaps []rewards.Snapshot) error {
	key := snapshotsKey(account, collection)
	if len(snaps) == 0 {
		return s.db.Delete(key)
	}
	return s.put(key, snaps)
}

// UpdaterNonce implements the engine state interface; unknown updaters start
// at zero.
func (s *State) UpdaterNonce(updater crypto.Address) (uint64, error) {
	var nonce uint64
	if _, err := s.get(nonceKey(updater), &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// PutUpdaterNonce implements the engine state interface.
func (s *State) PutUpdaterNonce(updater crypto.Address, nonce uint64) error {
	return s.put(nonceKey(updater), nonce)
}

// ActiveCollections implements the engine state interface.
func (s *State) ActiveCollections(account crypto.Address) ([]crypto.Address, error) {
	var list []storedAddress
	if _, err := s.get(activeKey(account), &list); err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(list))
	for _, entry := range list {
		addr, err := entry.address()
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// PutActiveCollections implements the engine state interface.
func (s *State) PutActiveCollections(account crypto.Address, collections []crypto.Address) error {
	key := activeKey(account)
	if len(collections) == 0 {
		return s.db.Delete(key)
	}
	list := make([]storedAddress, len(collections))
	for i, collection := range collections {
		list[i] = toStoredAddress(collection)
	}
	return s.put(key, list)
}

func (s *State) indexCollection(collection crypto.Address) error {
	var list []storedAddress
	if _, err := s.get([]byte(keyCollectionsList), &list); err != nil {
		return err
	}
	for _, entry := range list {
		if string(entry.Bytes) == string(collection.Bytes()) {
			return nil
		}
	}
	list = append(list, toStoredAddress(collection))
	return s.put([]byte(keyCollectionsList), list)
}

func (s *State) get(key []byte, out interface{}) (bool, error) {
	raw, found, err := s.db.Get(key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *State) put(key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return s.db.Put(key, raw)
}

func collectionKey(collection crypto.Address) []byte {
	return []byte(prefixCollection + hex.EncodeToString(collection.Bytes()))
}

func recordKey(account, collection crypto.Address) []byte {
	return []byte(prefixRecord + hex.EncodeToString(account.Bytes()) + "/" + hex.EncodeToString(collection.Bytes()))
}

func snapshotsKey(account, collection crypto.Address) []byte {
	return []byte(prefixSnapshots + hex.EncodeToString(account.Bytes()) + "/" + hex.EncodeToString(collection.Bytes()))
}

func nonceKey(updater crypto.Address) []byte {
	return []byte(prefixNonce + hex.EncodeToString(updater.Bytes()))
}

func activeKey(account crypto.Address) []byte {
	return []byte(prefixActive + hex.EncodeToString(account.Bytes()))
}
