package registry

import "math/big"

// diff1Target is the Bitcoin-style pool-difficulty-1 target:
// 0x00000000ffff0000000000000000000000000000000000000000000000000000
// (nbits 0x1d00ffff expanded to a full 256-bit integer). It is fixed for the
// package; there is no per-registry override.
var diff1Target = mustParseHexInt("00000000ffff0000000000000000000000000000000000000000000000000000")

func mustParseHexInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("registry: invalid embedded difficulty-1 target constant")
	}
	return v
}

// DifficultyToTarget converts a pool difficulty into the 256-bit target a
// share's header hash must be numerically less than or equal to. Exact
// big.Rat division is used instead of a float approximation because the
// registry's block-candidacy comparison (hash <= target) must be bit-exact,
// not merely close.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		difficulty = 1
	}

	diffRat := new(big.Rat).SetFloat64(difficulty)
	if diffRat == nil {
		diffRat = big.NewRat(1, 1)
	}

	targetRat := new(big.Rat).SetInt(diff1Target)
	targetRat.Quo(targetRat, diffRat)

	target := new(big.Int).Quo(targetRat.Num(), targetRat.Denom())
	if target.Sign() <= 0 {
		target.SetInt64(1)
	}
	maxTarget := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if target.Cmp(maxTarget) > 0 {
		target.Set(maxTarget)
	}
	return target
}

// TargetToDifficulty converts a 256-bit target (or a hash value measured
// against the difficulty-1 target) back into a difficulty number.
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}

	diffRat := new(big.Rat).SetInt(diff1Target)
	targetRat := new(big.Rat).SetInt(target)
	diffRat.Quo(diffRat, targetRat)

	f, _ := diffRat.Float64()
	return f
}

// NBitsToTarget expands a compact "nbits" field into a 256-bit target.
func NBitsToTarget(nbits uint32) *big.Int {
	exponent := nbits >> 24
	mantissa := nbits & 0x007fffff

	if nbits&0x00800000 != 0 {
		// Negative targets are invalid in this protocol; treat as zero.
		return big.NewInt(0)
	}

	target := new(big.Int).SetUint64(uint64(mantissa))
	if exponent <= 3 {
		shift := 8 * (3 - int(exponent))
		target.Rsh(target, uint(shift))
	} else {
		shift := 8 * (int(exponent) - 3)
		target.Lsh(target, uint(shift))
	}
	return target
}
