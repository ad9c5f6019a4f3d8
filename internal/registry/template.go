package registry

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/viddhana/pool/pkg/crypto"
)

// BroadcastArgs is the fixed tuple handed to the wire layer for
// mining.notify: (job_id, prevhash, coinbase1, coinbase2, merkle_branch,
// version, nbits, ntime, clean_jobs).
type BroadcastArgs struct {
	JobID          string
	PrevHash       string
	CoinbasePrefix string
	CoinbaseSuffix string
	MerkleBranch   []string
	Version        string
	NBits          string
	NTime          string
	CleanJobs      bool
}

// submitKey is the 4-tuple (extranonce1, extranonce2, ntime, nonce) used to
// deduplicate share submissions against a template.
type submitKey struct {
	extranonce1 string
	extranonce2 string
	ntime       string
	nonce       string
}

// BlockTemplate represents one mineable block candidate: a Merkle tree, a
// coinbase builder, a header serializer, a submit deduplicator and a
// finalizer. Its Merkle branch is fixed at creation and never mutated; its
// submits set grows monotonically; its finalized block is set at most once.
type BlockTemplate struct {
	mu sync.Mutex

	jobID  string
	height int64

	prevHashBytes []byte // as returned by the daemon, display/big-endian order
	prevHashHex   string

	version uint32
	nbits   uint32
	curtime uint32
	target  *big.Int

	ntimeAgeLimit time.Duration

	coinbaseValue   uint64
	coinbasePrefix  []byte
	coinbaseSuffix  []byte
	extranonceTotal int

	merkleBranch [][]byte // internal (non-reversed) byte order, as used in the fold
	txList       [][]byte

	submits map[submitKey]struct{}

	broadcastArgs BroadcastArgs

	hasher HeaderHasher

	finalized       bool
	finalizedHeader []byte
	finalizedBlock  []byte
}

// newBlockTemplate constructs an empty template for the given job id.
// Construction alone performs no I/O; FillFromRPC populates it.
func newBlockTemplate(jobID string, extranonceTotal int, ntimeAgeLimit time.Duration, hasher HeaderHasher) *BlockTemplate {
	return &BlockTemplate{
		jobID:           jobID,
		extranonceTotal: extranonceTotal,
		ntimeAgeLimit:   ntimeAgeLimit,
		hasher:          hasher,
		submits:         make(map[submitKey]struct{}),
	}
}

// JobID returns the template's opaque job id.
func (t *BlockTemplate) JobID() string { return t.jobID }

// Height returns the template's block height.
func (t *BlockTemplate) Height() int64 { return t.height }

// PrevHashHex returns the previous block hash in display/big-endian hex.
func (t *BlockTemplate) PrevHashHex() string { return t.prevHashHex }

// Target returns the network difficulty target for this template.
func (t *BlockTemplate) Target() *big.Int { return new(big.Int).Set(t.target) }

// BroadcastArgs returns the fixed mining.notify tuple for this template.
func (t *BlockTemplate) BroadcastArgs() BroadcastArgs { return t.broadcastArgs }

// FillFromRPC consumes an upstream getblocktemplate response: it extracts
// header fields, computes the network target, builds the coinbase halves
// and precomputes the Merkle branch for the (yet-to-be-built) coinbase.
func (t *BlockTemplate) FillFromRPC(data *TemplateData, poolTag string, cleanJobs bool) error {
	prevHashBytes, err := hex.DecodeString(data.PreviousBlockHash)
	if err != nil || len(prevHashBytes) != 32 {
		return fmt.Errorf("registry: invalid previousblockhash: %w", err)
	}

	nbits, err := parseNBitsHex(data.Bits)
	if err != nil {
		return err
	}

	var target *big.Int
	if data.TargetHex != "" {
		v, ok := new(big.Int).SetString(data.TargetHex, 16)
		if !ok {
			return fmt.Errorf("registry: invalid target hex %q", data.TargetHex)
		}
		target = v
	} else {
		target = NBitsToTarget(nbits)
	}

	t.height = data.Height
	t.prevHashBytes = prevHashBytes
	t.prevHashHex = data.PreviousBlockHash
	t.version = data.Version
	t.nbits = nbits
	t.curtime = data.CurTime
	t.target = target
	t.coinbaseValue = data.CoinbaseValue

	t.txList = make([][]byte, 0, len(data.Transactions))
	txHashes := make([][]byte, 0, len(data.Transactions))
	for _, tx := range data.Transactions {
		raw, err := hex.DecodeString(tx.DataHex)
		if err != nil {
			return fmt.Errorf("registry: invalid transaction data: %w", err)
		}
		t.txList = append(t.txList, raw)
		txHashes = append(txHashes, crypto.DoubleSHA256(raw))
	}
	t.merkleBranch = computeMerkleBranch(txHashes)

	prefix, suffix, err := buildCoinbase(data, poolTag, t.extranonceTotal)
	if err != nil {
		return err
	}
	t.coinbasePrefix = prefix
	t.coinbaseSuffix = suffix

	branchHex := make([]string, len(t.merkleBranch))
	for i, b := range t.merkleBranch {
		branchHex[i] = hex.EncodeToString(b)
	}

	t.broadcastArgs = BroadcastArgs{
		JobID:          t.jobID,
		PrevHash:       t.prevHashHex,
		CoinbasePrefix: hex.EncodeToString(t.coinbasePrefix),
		CoinbaseSuffix: hex.EncodeToString(t.coinbaseSuffix),
		MerkleBranch:   branchHex,
		Version:        fmt.Sprintf("%08x", t.version),
		NBits:          fmt.Sprintf("%08x", t.nbits),
		NTime:          fmt.Sprintf("%08x", t.curtime),
		CleanJobs:      cleanJobs,
	}

	return nil
}

// SerializeCoinbase returns coinbase_prefix || extranonce1 || extranonce2 ||
// coinbase_suffix. Both extranonce halves together must exactly fill the
// reserved extranonce region.
func (t *BlockTemplate) SerializeCoinbase(extranonce1, extranonce2 []byte) ([]byte, error) {
	if len(extranonce1)+len(extranonce2) != t.extranonceTotal {
		return nil, fmt.Errorf("registry: extranonce1+extranonce2 length %d != reserved %d",
			len(extranonce1)+len(extranonce2), t.extranonceTotal)
	}

	out := make([]byte, 0, len(t.coinbasePrefix)+len(extranonce1)+len(extranonce2)+len(t.coinbaseSuffix))
	out = append(out, t.coinbasePrefix...)
	out = append(out, extranonce1...)
	out = append(out, extranonce2...)
	out = append(out, t.coinbaseSuffix...)
	return out, nil
}

// CheckNtime reports whether ntime falls within [curtime-maxAge, curtime+maxAge].
func (t *BlockTemplate) CheckNtime(ntime uint32, maxAge time.Duration) bool {
	age := int64(maxAge / time.Second)
	lo := int64(t.curtime) - age
	hi := int64(t.curtime) + age
	n := int64(ntime)
	return n >= lo && n <= hi
}

// RegisterSubmit atomically inserts the 4-tuple into the submits set and
// reports whether it was new. A false return means a duplicate share.
func (t *BlockTemplate) RegisterSubmit(extranonce1, extranonce2, ntime, nonce string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := submitKey{extranonce1: extranonce1, extranonce2: extranonce2, ntime: ntime, nonce: nonce}
	if _, exists := t.submits[key]; exists {
		return false
	}
	t.submits[key] = struct{}{}
	return true
}

// MerkleWithFirst folds coinbaseHash through the stored Merkle branch to
// produce the Merkle root, in internal (non-reversed) byte order.
func (t *BlockTemplate) MerkleWithFirst(coinbaseHash []byte) []byte {
	return crypto.CalculateMerkleRootWithCoinbase(coinbaseHash, t.merkleBranch)
}

// SerializeHeader little-endian packs the 80-byte block header:
// version || prevhash || merkle_root || ntime || nbits || nonce.
func (t *BlockTemplate) SerializeHeader(merkleRoot, ntimeBin, nonceBin []byte) []byte {
	header := make([]byte, 80)

	var versionBytes [4]byte
	binary.LittleEndian.PutUint32(versionBytes[:], t.version)
	copy(header[0:4], versionBytes[:])

	copy(header[4:36], crypto.ReverseBytes(t.prevHashBytes))
	copy(header[36:68], merkleRoot)
	copy(header[68:72], ntimeBin)

	var nbitsBytes [4]byte
	binary.LittleEndian.PutUint32(nbitsBytes[:], t.nbits)
	copy(header[72:76], nbitsBytes[:])

	copy(header[76:80], nonceBin)

	return header
}

// Finalize fills the in-memory block assembly (header + tx-count varint +
// coinbase + transactions) once a candidate solution has been found.
func (t *BlockTemplate) Finalize(headerBin, coinbaseBin []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return
	}

	buf := make([]byte, 0, len(headerBin)+9+len(coinbaseBin)+sumLens(t.txList))
	buf = append(buf, headerBin...)
	buf = appendVarint(buf, uint64(len(t.txList)+1))
	buf = append(buf, coinbaseBin...)
	for _, tx := range t.txList {
		buf = append(buf, tx...)
	}

	t.finalizedHeader = headerBin
	t.finalizedBlock = buf
	t.finalized = true
}

// Serialize returns the wire-format block produced by Finalize.
func (t *BlockTemplate) Serialize() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalizedBlock
}

// IsValid is an internal cross-check invoked after Finalize: it rebuilds the
// header hash from the finalized header and reports whether it still meets
// the claimed worker difficulty. A failure is an engineering fault, not a
// rejection: the source logs it but proceeds with submission anyway, a
// behavior this implementation preserves (see DESIGN.md).
func (t *BlockTemplate) IsValid(difficulty float64) bool {
	t.mu.Lock()
	header := t.finalizedHeader
	t.mu.Unlock()

	if len(header) != 80 {
		return false
	}

	result := t.hasher.HashHeader(header, "", "")
	workerTarget := DifficultyToTarget(difficulty)
	return result.Int.Cmp(workerTarget) <= 0
}

func sumLens(bufs [][]byte) int {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	return total
}

// appendVarint appends a Bitcoin-style compact size integer.
func appendVarint(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(buf, byte(v))
	case v <= 0xffff:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		return append(append(buf, 0xfd), b[:]...)
	case v <= 0xffffffff:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		return append(append(buf, 0xfe), b[:]...)
	default:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return append(append(buf, 0xff), b[:]...)
	}
}

func parseNBitsHex(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, fmt.Errorf("registry: invalid nbits %q", s)
	}
	return binary.BigEndian.Uint32(b), nil
}

// computeMerkleBranch computes the ordered sibling hashes needed to fold a
// not-yet-known coinbase hash into the Merkle root, given the hashes of all
// other (non-coinbase) transactions in internal byte order. This is the
// classic single-pass algorithm used by Stratum pools: at each level, record
// the sibling adjacent to the (still unknown) first leaf, then collapse the
// remaining pairs up one level.
func computeMerkleBranch(txHashes [][]byte) [][]byte {
	if len(txHashes) == 0 {
		return nil
	}

	branch := make([][]byte, 0, len(txHashes))

	level := make([][]byte, len(txHashes)+1)
	level[0] = nil // placeholder for the coinbase, filled in at share time
	copy(level[1:], txHashes)

	for len(level) > 1 {
		branch = append(branch, level[1])

		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := make([][]byte, 1, len(level)/2+1)
		next[0] = nil
		for i := 2; i < len(level); i += 2 {
			combined := make([]byte, 0, 64)
			combined = append(combined, level[i]...)
			combined = append(combined, level[i+1]...)
			next = append(next, crypto.DoubleSHA256(combined))
		}
		level = next
	}

	return branch
}

// buildCoinbase constructs the two halves of the coinbase transaction that
// sandwich the extranonce area, following the same transaction layout the
// pool's original job builder used (version, null input, BIP34 height push,
// extranonce placeholder, pool tag, single P2PKH-style output, locktime).
func buildCoinbase(data *TemplateData, poolTag string, extranonceTotal int) ([]byte, []byte, error) {
	var prefix []byte

	// Version (4 bytes, little-endian) = 1
	prefix = append(prefix, 0x01, 0x00, 0x00, 0x00)

	// Input count: always 1 for a coinbase.
	prefix = append(prefix, 0x01)

	// Null previous-output reference (32-byte hash of zero, 4-byte index 0xFFFFFFFF).
	prefix = append(prefix, make([]byte, 32)...)
	prefix = append(prefix, 0xff, 0xff, 0xff, 0xff)

	heightScript := encodeHeightScript(data.Height)

	tag, err := hex.DecodeString(data.CoinbaseFlags)
	if err != nil {
		tag = nil
	}
	if poolTag != "" {
		if extra, err := hex.DecodeString(poolTag); err == nil {
			tag = append(tag, extra...)
		}
	}

	scriptLen := len(heightScript) + extranonceTotal + len(tag)
	prefix = appendVarint(prefix, uint64(scriptLen))
	prefix = append(prefix, heightScript...)

	var suffix []byte
	suffix = append(suffix, tag...)

	// Sequence.
	suffix = append(suffix, 0xff, 0xff, 0xff, 0xff)

	// Output count: 1 (pool payout only; upstream is responsible for any
	// auxiliary outputs it demands via CoinbaseFlags/witness commitments).
	suffix = append(suffix, 0x01)

	var valueBytes [8]byte
	binary.LittleEndian.PutUint64(valueBytes[:], data.CoinbaseValue)
	suffix = append(suffix, valueBytes[:]...)

	scriptPubKey, err := hex.DecodeString(data.PoolScriptPubKey)
	if err != nil || len(scriptPubKey) == 0 {
		return nil, nil, fmt.Errorf("registry: invalid or missing pool_script_pubkey")
	}
	suffix = appendVarint(suffix, uint64(len(scriptPubKey)))
	suffix = append(suffix, scriptPubKey...)

	// Locktime.
	suffix = append(suffix, 0x00, 0x00, 0x00, 0x00)

	return prefix, suffix, nil
}

// encodeHeightScript encodes the block height as a minimal push per BIP34.
func encodeHeightScript(height int64) []byte {
	if height < 17 {
		return []byte{byte(0x50 + height)}
	}

	var b []byte
	h := height
	for h > 0 {
		b = append(b, byte(h&0xff))
		h >>= 8
	}
	if b[len(b)-1]&0x80 != 0 {
		b = append(b, 0x00)
	}

	out := make([]byte, 0, len(b)+1)
	out = append(out, byte(len(b)))
	out = append(out, b...)
	return out
}
