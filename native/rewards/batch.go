package rewards

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"collectionvault/crypto"
)

// updateBatchDomain versions the canonical batch payload. Bumping it
// invalidates every outstanding signature.
const updateBatchDomain = "cv-balance-update-v1"

// Digest computes the canonical keccak256 digest an updater signs for a
// batch. The payload binds the domain, the network tag, the updater, the
// target account, the per-updater nonce and every update in array order, so
// any tampering or cross-network replay changes the digest.
func (b *UpdateBatch) Digest(networkTag string, nonce uint64) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("nil batch")
	}
	if strings.TrimSpace(networkTag) == "" {
		return nil, fmt.Errorf("network tag required")
	}
	if len(b.Updater.Bytes()) != 20 || len(b.Account.Bytes()) != 20 {
		return nil, fmt.Errorf("updater and account required")
	}
	var payload strings.Builder
	fmt.Fprintf(&payload, "%s|net=%s|updater=%s|account=%s|nonce=%d",
		updateBatchDomain,
		strings.TrimSpace(networkTag),
		hex.EncodeToString(b.Updater.Bytes()),
		hex.EncodeToString(b.Account.Bytes()),
		nonce,
	)
	for _, u := range b.Updates {
		deposit := big.NewInt(0)
		if u.DepositDelta != nil {
			deposit = u.DepositDelta
		}
		fmt.Fprintf(&payload, "|coll=%s:h=%d:nft=%d:dep=%s",
			hex.EncodeToString(u.Collection.Bytes()),
			u.UpdateHeight,
			u.NFTDelta,
			deposit.String(),
		)
	}
	return ethcrypto.Keccak256([]byte(payload.String())), nil
}

// Sign attaches the updater's signature over the canonical digest. The
// updater identity is derived from the signing key.
func (b *UpdateBatch) Sign(key *crypto.PrivateKey, networkTag string, nonce uint64) error {
	if b == nil || key == nil {
		return fmt.Errorf("nil batch or key")
	}
	b.Updater = key.PubKey().Address()
	digest, err := b.Digest(networkTag, nonce)
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(digest, key.PrivateKey)
	if err != nil {
		return fmt.Errorf("sign batch: %w", err)
	}
	b.Signature = sig
	return nil
}

// recoverSigner returns the raw 20-byte address recovered from the batch
// signature over the digest for the supplied nonce. Callers compare the
// result against the registered updater; any mismatch is reported uniformly.
func (b *UpdateBatch) recoverSigner(networkTag string, nonce uint64) ([]byte, error) {
	if b == nil || len(b.Signature) != 65 {
		return nil, fmt.Errorf("malformed signature")
	}
	digest, err := b.Digest(networkTag, nonce)
	if err != nil {
		return nil, err
	}
	pub, err := ethcrypto.SigToPub(digest, b.Signature)
	if err != nil {
		return nil, fmt.Errorf("recover pubkey: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Bytes(), nil
}
