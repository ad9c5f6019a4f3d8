package registry

import (
	"encoding/hex"
	"math/big"

	"github.com/viddhana/pool/pkg/crypto"
)

// HashResult bundles the forms a header hash is needed in: the integer form
// used for target comparisons, and the hex forms the upstream submitblock
// RPC and the wire layer expect. SolutionHex/CheckHex exist separately from
// Hex because some coin variants (e.g. Equihash-style solutions) carry a
// distinct proof-of-work solution blob alongside the header hash; for a
// plain double-SHA256 header hash the two coincide with the nonce and the
// canonical hash respectively.
type HashResult struct {
	Int         *big.Int
	Hex         string
	HeaderHex   string
	SolutionHex string
	CheckHex    string
}

// HeaderHasher is the deferred, chain-specific hash primitive. The registry
// performs no hashing arithmetic beyond big-integer target comparison; the
// actual header-hash function (double SHA-256, scrypt, Equihash, ...) is
// injected so the registry stays coin-agnostic.
type HeaderHasher interface {
	HashHeader(headerBin []byte, ntimeHex, nonceHex string) HashResult
}

// DoubleSHA256Hasher is the default HeaderHasher for Bitcoin-compatible
// chains: header hash is SHA256(SHA256(header)), displayed byte-reversed.
type DoubleSHA256Hasher struct{}

// HashHeader implements HeaderHasher.
func (DoubleSHA256Hasher) HashHeader(headerBin []byte, ntimeHex, nonceHex string) HashResult {
	raw := crypto.DoubleSHA256(headerBin)
	displayed := crypto.ReverseBytes(raw)

	hashInt := new(big.Int).SetBytes(displayed)
	hashHex := hex.EncodeToString(displayed)

	return HashResult{
		Int:         hashInt,
		Hex:         hashHex,
		HeaderHex:   hex.EncodeToString(headerBin),
		SolutionHex: nonceHex,
		CheckHex:    hashHex,
	}
}
