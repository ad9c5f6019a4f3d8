package registry

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/viddhana/pool/pkg/crypto"
	"go.uber.org/zap"
)

// refreshState is the Idle/Refreshing state machine driving update_block.
type refreshState int

const (
	stateIdle refreshState = iota
	stateRefreshing
)

// Config holds the registry's tunable options.
type Config struct {
	InstanceID            byte
	ExtranonceTotalSize   int
	RejectStaleShares     bool
	NtimeAge              time.Duration
	VdiffFloat            bool
	PoolTargetDifficulty  float64
	HangDetectionTimeout  time.Duration
	CoinbasePoolTag       string
	PoolScriptPubKeyHex   string
}

// ShareSubmission is everything the wire layer collects for mining.submit.
type ShareSubmission struct {
	WorkerName  string
	JobID       string
	Extranonce1 []byte
	Extranonce2Hex string
	NtimeHex    string
	NonceHex    string
	Difficulty  float64
	IP          string
}

// ShareOutcome is the result of SubmitShare: header/solution hex for logging,
// the share's own difficulty, the template's identity, and (only set when
// the share was a block candidate) the upstream submission result.
type ShareOutcome struct {
	HeaderHex    string
	SolutionHex  string
	ShareDiff    float64
	PrevHashHex  string
	Height       int64
	IsCandidate  bool
	SubmitResult *SubmitBlockResult
	Stale        bool
}

// TemplateRegistry holds the active template set indexed by previous-block
// hash and by job id; it orchestrates upstream refresh and share validation.
// The registry's data model assumes single-threaded cooperative access
// between suspension points (the two upstream RPC calls); the mutex below
// is the coarse lock that assumption needs once goroutines make that access
// genuinely concurrent, and it costs nothing relative to RPC latency.
type TemplateRegistry struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger

	upstream   UpstreamClient
	timeSource TimeSource
	hasher     HeaderHasher

	onBlock    BlockSink
	onTemplate TemplateSink

	extranonceCounter *ExtranonceCounter
	jobIDGen          *JobIdGenerator
	extranonce2Size   int

	prevHashes map[string][]*BlockTemplate
	jobs       map[string]*BlockTemplate
	lastTmpl   *BlockTemplate

	refreshState   refreshState
	updateStarted  time.Time
	cancelRefresh  context.CancelFunc
	refreshEpoch   uint64

	metrics *registryMetrics
}

// New constructs a TemplateRegistry. Construction performs no I/O; callers
// are expected to call UpdateBlock once the registry is wired up, mirroring
// the source's "create first template on startup" behavior without baking
// a side effect into the constructor.
func New(cfg Config, logger *zap.Logger, upstream UpstreamClient, timeSource TimeSource, hasher HeaderHasher, onBlock BlockSink, onTemplate TemplateSink) (*TemplateRegistry, error) {
	extranonceCounter, err := NewExtranonceCounter(cfg.InstanceID, extranonce1Width(cfg.ExtranonceTotalSize))
	if err != nil {
		return nil, err
	}

	if timeSource == nil {
		timeSource = SystemTimeSource{}
	}
	if hasher == nil {
		hasher = DoubleSHA256Hasher{}
	}
	if cfg.HangDetectionTimeout <= 0 {
		cfg.HangDetectionTimeout = 30 * time.Second
	}
	if cfg.NtimeAge <= 0 {
		return nil, fmt.Errorf("registry: ntime_age is required and must be positive")
	}

	return &TemplateRegistry{
		cfg:               cfg,
		logger:            logger.Named("registry"),
		upstream:          upstream,
		timeSource:        timeSource,
		hasher:            hasher,
		onBlock:           onBlock,
		onTemplate:        onTemplate,
		extranonceCounter: extranonceCounter,
		jobIDGen:          NewJobIdGenerator(),
		extranonce2Size:   cfg.ExtranonceTotalSize - extranonce1Width(cfg.ExtranonceTotalSize),
		prevHashes:        make(map[string][]*BlockTemplate),
		jobs:              make(map[string]*BlockTemplate),
		metrics:           newRegistryMetrics(),
	}, nil
}

// extranonce1Width picks how much of the reserved extranonce region goes to
// the pool-assigned extranonce1, leaving the remainder to extranonce2: half
// the region, rounded down, raised to 2 bytes if smaller, then capped at
// total-1 so extranonce2 keeps at least one byte. A total of 2 therefore
// yields 1, which NewExtranonceCounter rejects.
func extranonce1Width(total int) int {
	w := total / 2
	if w < 2 {
		w = 2
	}
	if w > total-1 {
		w = total - 1
	}
	return w
}

// NewExtranonce1 delegates to the registry's ExtranonceCounter.
func (r *TemplateRegistry) NewExtranonce1() ([]byte, error) {
	return r.extranonceCounter.NewExtranonce1()
}

// Extranonce2Size returns the size reserved for worker-chosen extranonce2.
func (r *TemplateRegistry) Extranonce2Size() int {
	return r.extranonce2Size
}

// LastBroadcastArgs returns the current broadcast template's mining.notify
// tuple. Returns an error until the first upstream refresh completes.
func (r *TemplateRegistry) LastBroadcastArgs() (BroadcastArgs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastTmpl == nil {
		return BroadcastArgs{}, fmt.Errorf("registry: no template yet")
	}
	return r.lastTmpl.BroadcastArgs(), nil
}

// addTemplate files a freshly-built template, designates it the current
// broadcast template, and drops every other previous-hash bucket. It reports
// whether this opened a new chain tip but does not fire the sinks itself:
// those run after the caller releases r.mu, since both sinks may call back
// into the registry (LastBroadcastArgs, job lookups) and r.mu is not
// reentrant. Caller must hold r.mu.
func (r *TemplateRegistry) addTemplate(tmpl *BlockTemplate) (newBlock bool) {
	prevHash := tmpl.PrevHashHex()

	_, exists := r.prevHashes[prevHash]
	newBlock = !exists
	if newBlock {
		r.prevHashes[prevHash] = nil
	}

	r.prevHashes[prevHash] = append(r.prevHashes[prevHash], tmpl)
	r.jobs[tmpl.JobID()] = tmpl
	r.lastTmpl = tmpl

	for ph := range r.prevHashes {
		if ph != prevHash {
			delete(r.prevHashes, ph)
		}
	}

	r.logger.Info("new template filed",
		zap.String("prevhash", prevHash),
		zap.Int64("height", tmpl.Height()),
		zap.Bool("new_block", newBlock),
	)

	return newBlock
}

// UpdateBlock drives the Idle/Refreshing state machine for upstream
// refresh. force=true cancels any outstanding request and starts a new one
// immediately; force=false on an in-progress refresh just checks for a
// hang (>= the configured hang-detection timeout) and otherwise no-ops.
func (r *TemplateRegistry) UpdateBlock(ctx context.Context, force bool) {
	r.mu.Lock()

	if r.refreshState == stateRefreshing {
		if force {
			r.logger.Warn("forcing block update, cancelling in-flight request")
			if r.cancelRefresh != nil {
				r.cancelRefresh()
			}
			r.refreshState = stateIdle
		} else {
			running := r.timeSource.Now().Sub(r.updateStarted)
			r.logger.Warn("block update already in progress", zap.Duration("running_for", running))
			if running >= r.cfg.HangDetectionTimeout {
				r.logger.Error("block update appears hung, cancelling", zap.Duration("running_for", running))
				if r.cancelRefresh != nil {
					r.cancelRefresh()
				}
				r.refreshState = stateIdle
			}
			r.mu.Unlock()
			return
		}
	}

	r.refreshState = stateRefreshing
	r.updateStarted = r.timeSource.Now()
	refreshCtx, cancel := context.WithCancel(ctx)
	r.cancelRefresh = cancel
	r.refreshEpoch++
	epoch := r.refreshEpoch
	r.mu.Unlock()

	go r.runRefresh(refreshCtx, epoch)
}

// runRefresh fetches one template from upstream and files it. epoch is the
// refreshEpoch value at the moment this goroutine was started; a cancelled
// (superseded) refresh can still reach the post-RPC code below after a
// successor refresh has already started, so every mutation of shared state
// is guarded by epoch still matching r.refreshEpoch, rather than letting a
// stale goroutine clobber state the current refresh owns.
func (r *TemplateRegistry) runRefresh(ctx context.Context, epoch uint64) {
	data, err := r.upstream.GetBlockTemplate(ctx)

	r.mu.Lock()

	if r.refreshEpoch != epoch {
		r.logger.Debug("discarding result from superseded refresh")
		r.mu.Unlock()
		return
	}

	r.refreshState = stateIdle
	r.cancelRefresh = nil

	if err != nil {
		r.logger.Error("block template fetch failed", zap.Error(err))
		r.mu.Unlock()
		return
	}

	jobID := r.jobIDGen.Next()
	tmpl := newBlockTemplate(jobID, r.cfg.ExtranonceTotalSize, r.cfg.NtimeAge, r.hasher)

	cleanJobs := true
	if prevTemplates, ok := r.prevHashes[data.PreviousBlockHash]; ok && len(prevTemplates) > 0 {
		cleanJobs = false
	}

	cfg := r.cfg
	if cfg.PoolScriptPubKeyHex != "" && data.PoolScriptPubKey == "" {
		data.PoolScriptPubKey = cfg.PoolScriptPubKeyHex
	}

	if err := tmpl.FillFromRPC(data, cfg.CoinbasePoolTag, cleanJobs); err != nil {
		r.logger.Error("failed to build template from RPC data", zap.Error(err))
		r.mu.Unlock()
		return
	}

	newBlock := r.addTemplate(tmpl)
	prevHash := tmpl.PrevHashHex()
	height := tmpl.Height()
	args := tmpl.BroadcastArgs()

	// Sinks run with r.mu released: they may call back into the registry
	// (LastBroadcastArgs, GetJob) and the mutex above is not reentrant.
	r.mu.Unlock()

	if newBlock && r.onBlock != nil {
		r.onBlock(prevHash, height)
	}
	if r.onTemplate != nil {
		r.onTemplate(args, newBlock)
	}
}

// RunPolling periodically calls UpdateBlock(ctx, false) at the given
// interval until ctx is cancelled.
func (r *TemplateRegistry) RunPolling(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.UpdateBlock(ctx, false)
		}
	}
}

// GetJob resolves a job id defensively: the map entry alone is not proof of
// liveness, because a template may still be reachable via `jobs` briefly
// after its previous-hash bucket was dropped (see DESIGN.md on weak
// back-references). Only membership in the live bucket counts.
func (r *TemplateRegistry) GetJob(jobID, workerName, ip string) *BlockTemplate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getJobLocked(jobID, workerName, ip)
}

func (r *TemplateRegistry) getJobLocked(jobID, workerName, ip string) *BlockTemplate {
	tmpl, ok := r.jobs[jobID]
	if !ok {
		r.logger.Debug("unknown job id", zap.String("job_id", jobID), zap.String("worker", workerName), zap.String("ip", ip))
		return nil
	}

	bucket, ok := r.prevHashes[tmpl.PrevHashHex()]
	if !ok {
		return nil
	}

	for _, candidate := range bucket {
		if candidate == tmpl {
			return tmpl
		}
	}
	return nil
}

// SubmitShare runs the full ordered set of share validation checks. The
// order is load-bearing: cheap, malice-detecting checks run before any
// hashing, and no later check is allowed to run before an earlier one.
func (r *TemplateRegistry) SubmitShare(ctx context.Context, sub ShareSubmission) (*ShareOutcome, error) {
	// 1. Difficulty sanity.
	if sub.Difficulty <= 0 {
		r.metrics.shareRejected("fraud_suspected")
		return nil, newShareError(ErrFraudSuspected, "difficulty %.6f is non-positive", sub.Difficulty)
	}

	// 2. Extranonce2 width.
	if len(sub.Extranonce2Hex) != 2*r.extranonce2Size {
		r.metrics.shareRejected("malformed_extranonce")
		return nil, newShareError(ErrMalformedExtranonce, "expected %d hex chars for extranonce2, got %d", 2*r.extranonce2Size, len(sub.Extranonce2Hex))
	}

	// 3. Job resolution.
	tmpl := r.GetJob(sub.JobID, sub.WorkerName, sub.IP)
	if tmpl == nil {
		if r.cfg.RejectStaleShares {
			r.metrics.shareRejected("stale_job")
			return nil, newShareError(ErrStaleJob, "job %q not found", sub.JobID)
		}
		r.logger.Info("accepted stale share under permissive policy",
			zap.String("worker", sub.WorkerName), zap.String("job_id", sub.JobID))
		registryStaleShares.Inc()
		r.metrics.shareAccepted(false)
		return &ShareOutcome{Stale: true}, nil
	}

	// 4. ntime syntax.
	ntimeBin, err := hex.DecodeString(sub.NtimeHex)
	if err != nil || len(ntimeBin) != 4 {
		r.metrics.shareRejected("malformed_ntime")
		return nil, newShareError(ErrMalformedNtime, "malformed ntime %q", sub.NtimeHex)
	}
	ntimeVal := beUint32(ntimeBin)

	// 5. ntime range.
	if !tmpl.CheckNtime(ntimeVal, r.cfg.NtimeAge) {
		r.metrics.shareRejected("ntime_out_of_range")
		return nil, newShareError(ErrNtimeOutOfRange, "ntime %08x out of range", ntimeVal)
	}

	// 6. Nonce syntax.
	nonceBin, err := hex.DecodeString(sub.NonceHex)
	if err != nil || len(nonceBin) != 4 {
		r.metrics.shareRejected("malformed_nonce")
		return nil, newShareError(ErrMalformedNonce, "malformed nonce %q", sub.NonceHex)
	}

	extranonce2Bin, err := hex.DecodeString(sub.Extranonce2Hex)
	if err != nil {
		r.metrics.shareRejected("malformed_extranonce")
		return nil, newShareError(ErrMalformedExtranonce, "malformed extranonce2 %q", sub.Extranonce2Hex)
	}

	// 7. Duplicate.
	if !tmpl.RegisterSubmit(hex.EncodeToString(sub.Extranonce1), sub.Extranonce2Hex, sub.NtimeHex, sub.NonceHex) {
		r.metrics.shareRejected("duplicate_share")
		return nil, newShareError(ErrDuplicateShare, "duplicate share for job %q", sub.JobID)
	}

	// 8. Coinbase build + hash.
	coinbaseBin, err := tmpl.SerializeCoinbase(sub.Extranonce1, extranonce2Bin)
	if err != nil {
		r.metrics.shareRejected("malformed_extranonce")
		return nil, newShareError(ErrMalformedExtranonce, "%v", err)
	}
	coinbaseHash := crypto.DoubleSHA256(coinbaseBin)

	// 9. Merkle root.
	merkleRoot := tmpl.MerkleWithFirst(coinbaseHash)

	// 10. Header.
	headerBin := tmpl.SerializeHeader(merkleRoot, ntimeBin, nonceBin)

	// 11. Header hash.
	result := r.hasher.HashHeader(headerBin, sub.NtimeHex, sub.NonceHex)

	// 12. Worker target check.
	workerTarget := DifficultyToTarget(sub.Difficulty)
	if result.Int.Cmp(workerTarget) > 0 {
		r.metrics.shareRejected("low_difficulty")
		return nil, newShareError(ErrLowDifficulty, "hash %s above worker target", result.Hex)
	}

	// 13. Share diff.
	shareDiff := TargetToDifficulty(result.Int)
	if !r.cfg.VdiffFloat {
		shareDiff = float64(int64(shareDiff))
	}
	if r.cfg.PoolTargetDifficulty > 0 && shareDiff >= r.cfg.PoolTargetDifficulty {
		r.logger.Info("share cleared pool reference difficulty",
			zap.Float64("share_diff", shareDiff), zap.Float64("pool_target", r.cfg.PoolTargetDifficulty))
	}

	outcome := &ShareOutcome{
		HeaderHex:   result.HeaderHex,
		SolutionHex: result.SolutionHex,
		ShareDiff:   shareDiff,
		PrevHashHex: tmpl.PrevHashHex(),
		Height:      tmpl.Height(),
	}

	// 14. Block candidacy.
	if result.Int.Cmp(tmpl.Target()) <= 0 {
		outcome.IsCandidate = true

		tmpl.Finalize(headerBin, coinbaseBin)

		if !tmpl.IsValid(sub.Difficulty) {
			r.metrics.internalInconsistency()
			r.logger.Error("post-finalize validation failed; submitting anyway",
				zap.String("job_id", sub.JobID), zap.Int64("height", tmpl.Height()))
		}

		blockHex := hex.EncodeToString(tmpl.Serialize())
		submitResult, err := r.upstream.SubmitBlock(ctx, blockHex, result.CheckHex, result.Hex)
		if err != nil {
			r.logger.Error("submitblock RPC failed", zap.Error(err))
			outcome.SubmitResult = &SubmitBlockResult{Accepted: false, RawMessage: err.Error()}
		} else {
			outcome.SubmitResult = submitResult
			if submitResult != nil && submitResult.Accepted {
				r.logger.Info("block accepted by upstream",
					zap.Int64("height", tmpl.Height()), zap.String("hash", result.Hex))
				r.metrics.blockFound()
				r.UpdateBlock(ctx, false)
			}
		}
	}

	r.metrics.shareAccepted(outcome.IsCandidate)
	return outcome, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
