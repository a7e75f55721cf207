package rewards

import "errors"

var (
	// ErrUnauthorized covers every batch authentication failure: wrong
	// signer, stale or incorrect nonce, tampered payload, malformed
	// signature. The cause is deliberately not distinguished.
	ErrUnauthorized = errors.New("rewards: unauthorized batch")
	// ErrEmptyBatch rejects batches carrying no updates.
	ErrEmptyBatch = errors.New("rewards: empty update batch")
	// ErrNotWhitelisted rejects updates against unregistered or removed
	// collections.
	ErrNotWhitelisted = errors.New("rewards: collection not whitelisted")
	// ErrStaleUpdate rejects updates whose height precedes the recorded
	// height for the pair.
	ErrStaleUpdate = errors.New("rewards: update height behind recorded height")
	// ErrBalanceUnderflow rejects deltas whose magnitude exceeds the
	// current balance.
	ErrBalanceUnderflow = errors.New("rewards: balance delta underflow")
	// ErrSnapshotLimit rejects updates once the bounded snapshot history is
	// full; the account must claim before further updates are accepted.
	ErrSnapshotLimit = errors.New("rewards: snapshot limit reached, claim required")
	// ErrNothingToClaim fails claims that would settle a zero amount.
	ErrNothingToClaim = errors.New("rewards: nothing to claim")
	// ErrClaimInProgress rejects re-entrant claims for an account while a
	// settlement is still in flight.
	ErrClaimInProgress = errors.New("rewards: claim already in progress")
	// ErrNoPosition fails claims naming a collection the account has no
	// record for.
	ErrNoPosition = errors.New("rewards: no position for collection")

	// ErrAdminOnly guards the registry's administrative surface.
	ErrAdminOnly = errors.New("rewards: admin only")
	// ErrCollectionExists rejects duplicate registrations.
	ErrCollectionExists = errors.New("rewards: collection already registered")
	// ErrCollectionNotFound reports a missing registry entry.
	ErrCollectionNotFound = errors.New("rewards: collection not found")
	// ErrInvalidCollection reports malformed collection configuration.
	ErrInvalidCollection = errors.New("rewards: invalid collection config")

	errNilState = errors.New("rewards: state not configured")
	errNilYield = errors.New("rewards: yield source not configured")
)
