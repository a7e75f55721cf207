package rewards

import "math/big"

// Boost maps a held boost-token count and a collection beta to the bonus
// multiplier applied on top of the base reward. The result is capped at
// maxBoost and expressed in 1e18 fixed point; zero holdings always yield a
// zero boost. The function is pure: no history, no randomness.
func Boost(nftCount uint64, betaFP, maxBoostFP *big.Int) *big.Int {
	if nftCount == 0 || betaFP == nil || betaFP.Sign() <= 0 {
		return big.NewInt(0)
	}
	boost := new(big.Int).Mul(new(big.Int).SetUint64(nftCount), betaFP)
	if maxBoostFP != nil && maxBoostFP.Sign() >= 0 && boost.Cmp(maxBoostFP) > 0 {
		return new(big.Int).Set(maxBoostFP)
	}
	return boost
}
