package registry

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeUpstream serves a queue of templates (one per GetBlockTemplate call,
// the last one repeating) and records submitblock calls.
type fakeUpstream struct {
	mu           sync.Mutex
	templates    []*TemplateData
	getCalls     int
	submitCalls  int
	submitResult *SubmitBlockResult
	submitErr    error
}

func (f *fakeUpstream) GetBlockTemplate(ctx context.Context) (*TemplateData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.templates) == 0 {
		return nil, errors.New("fakeUpstream: no templates queued")
	}
	idx := f.getCalls
	if idx >= len(f.templates) {
		idx = len(f.templates) - 1
	}
	f.getCalls++
	return f.templates[idx], nil
}

func (f *fakeUpstream) SubmitBlock(ctx context.Context, blockHex, checkHex, hashHex string) (*SubmitBlockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	return f.submitResult, f.submitErr
}

// gatedUpstream serves one TemplateData per call, blocking each call on its
// own gate until the test releases it. It ignores ctx cancellation, letting
// tests reproduce the race where a cancelled refresh's RPC call still
// completes after a successor refresh has already finished.
type gatedUpstream struct {
	mu    sync.Mutex
	data  []*TemplateData
	gates []chan struct{}
	calls int
}

func newGatedUpstream(data ...*TemplateData) *gatedUpstream {
	g := &gatedUpstream{data: data}
	for range data {
		g.gates = append(g.gates, make(chan struct{}))
	}
	return g
}

func (g *gatedUpstream) release(i int) { close(g.gates[i]) }

func (g *gatedUpstream) GetBlockTemplate(ctx context.Context) (*TemplateData, error) {
	g.mu.Lock()
	idx := g.calls
	g.calls++
	g.mu.Unlock()
	<-g.gates[idx]
	return g.data[idx], nil
}

func (g *gatedUpstream) SubmitBlock(ctx context.Context, blockHex, checkHex, hashHex string) (*SubmitBlockResult, error) {
	return &SubmitBlockResult{Accepted: true}, nil
}

// fixedTimeSource lets tests control "now" without sleeping.
type fixedTimeSource struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fixedTimeSource) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// forcingHasher wraps the real double-SHA256 hasher but substitutes a fixed
// integer value for the hash's numeric comparison, letting tests force a
// share to be a block candidate (or not) without grinding nonces.
type forcingHasher struct {
	forced *big.Int
}

func (h forcingHasher) HashHeader(headerBin []byte, ntimeHex, nonceHex string) HashResult {
	result := DoubleSHA256Hasher{}.HashHeader(headerBin, ntimeHex, nonceHex)
	if h.forced != nil {
		result.Int = h.forced
		result.Hex = hex.EncodeToString(h.forced.Bytes())
	}
	return result
}

func fakeTemplateData(prevHash string, height int64, curtime uint32) *TemplateData {
	return &TemplateData{
		Version:           0x20000000,
		PreviousBlockHash: prevHash,
		Bits:              "1d00ffff",
		CurTime:           curtime,
		Height:            height,
		CoinbaseValue:     5000000000,
	}
}

func newTestRegistry(t *testing.T, upstream UpstreamClient, hasher HeaderHasher, rejectStale bool) (*TemplateRegistry, chan bool) {
	t.Helper()

	onTemplateCh := make(chan bool, 16)
	cfg := Config{
		InstanceID:           1,
		ExtranonceTotalSize:  8,
		RejectStaleShares:    rejectStale,
		NtimeAge:             2 * time.Minute,
		PoolTargetDifficulty: 0,
		HangDetectionTimeout: 30 * time.Second,
		CoinbasePoolTag:      "2f706f6f6c2f",
		PoolScriptPubKeyHex:  "76a914000000000000000000000000000000000000000088ac",
	}

	reg, err := New(cfg, zap.NewNop(), upstream, &fixedTimeSource{now: time.Now()}, hasher,
		func(prevHashHex string, height int64) {},
		func(args BroadcastArgs, cleanJobs bool) { onTemplateCh <- cleanJobs },
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg, onTemplateCh
}

func waitForTemplate(t *testing.T, ch chan bool) bool {
	t.Helper()
	select {
	case cleanJobs := <-ch:
		return cleanJobs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a template to be filed")
		return false
	}
}

func TestNewRejectsMissingNtimeAge(t *testing.T) {
	cfg := Config{ExtranonceTotalSize: 8}
	_, err := New(cfg, zap.NewNop(), &fakeUpstream{}, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected an error when ntime_age is not set")
	}
}

func TestUpdateBlockBootstrapFilesTemplate(t *testing.T) {
	prevHash := hex.EncodeToString(bytes.Repeat([]byte{0x01}, 32))
	upstream := &fakeUpstream{templates: []*TemplateData{fakeTemplateData(prevHash, 800000, 1_700_000_000)}}
	reg, ch := newTestRegistry(t, upstream, DoubleSHA256Hasher{}, true)

	reg.UpdateBlock(context.Background(), true)
	cleanJobs := waitForTemplate(t, ch)
	if !cleanJobs {
		t.Fatal("the first template ever filed must set clean_jobs")
	}

	args, err := reg.LastBroadcastArgs()
	if err != nil {
		t.Fatalf("LastBroadcastArgs: %v", err)
	}
	if args.PrevHash != prevHash {
		t.Fatalf("PrevHash = %q, want %q", args.PrevHash, prevHash)
	}
}

func TestUpdateBlockSameTipDoesNotCleanJobs(t *testing.T) {
	prevHash := hex.EncodeToString(bytes.Repeat([]byte{0x02}, 32))
	upstream := &fakeUpstream{templates: []*TemplateData{
		fakeTemplateData(prevHash, 800001, 1_700_000_000),
		fakeTemplateData(prevHash, 800001, 1_700_000_030),
	}}
	reg, ch := newTestRegistry(t, upstream, DoubleSHA256Hasher{}, true)

	reg.UpdateBlock(context.Background(), true)
	if !waitForTemplate(t, ch) {
		t.Fatal("first template on a new tip must clean_jobs")
	}

	reg.UpdateBlock(context.Background(), true)
	if waitForTemplate(t, ch) {
		t.Fatal("a refreshed template on the same tip must not clean_jobs")
	}
}

func TestUpdateBlockTipChangeInvalidatesOldJobs(t *testing.T) {
	prevHash1 := hex.EncodeToString(bytes.Repeat([]byte{0x03}, 32))
	prevHash2 := hex.EncodeToString(bytes.Repeat([]byte{0x04}, 32))
	upstream := &fakeUpstream{templates: []*TemplateData{
		fakeTemplateData(prevHash1, 800002, 1_700_000_000),
		fakeTemplateData(prevHash2, 800003, 1_700_000_600),
	}}
	reg, ch := newTestRegistry(t, upstream, DoubleSHA256Hasher{}, true)

	reg.UpdateBlock(context.Background(), true)
	waitForTemplate(t, ch)
	firstArgs, _ := reg.LastBroadcastArgs()
	firstJobID := firstArgs.JobID

	reg.UpdateBlock(context.Background(), true)
	cleanJobs := waitForTemplate(t, ch)
	if !cleanJobs {
		t.Fatal("a new chain tip must clean_jobs")
	}

	if tmpl := reg.GetJob(firstJobID, "w", "127.0.0.1"); tmpl != nil {
		t.Fatal("a job from the previous tip must no longer resolve")
	}
}

func submitArgsFor(t *testing.T, reg *TemplateRegistry, jobID string) ShareSubmission {
	t.Helper()
	extranonce1, err := reg.NewExtranonce1()
	if err != nil {
		t.Fatalf("NewExtranonce1: %v", err)
	}
	args, err := reg.LastBroadcastArgs()
	if err != nil {
		t.Fatalf("LastBroadcastArgs: %v", err)
	}
	return ShareSubmission{
		WorkerName:     "worker.1",
		JobID:          jobID,
		Extranonce1:    extranonce1,
		Extranonce2Hex: hex.EncodeToString(make([]byte, reg.Extranonce2Size())),
		NtimeHex:       args.NTime,
		NonceHex:       "00000001",
		Difficulty:     1,
		IP:             "127.0.0.1",
	}
}

func TestSubmitShareCandidatePath(t *testing.T) {
	prevHash := hex.EncodeToString(bytes.Repeat([]byte{0x05}, 32))
	upstream := &fakeUpstream{
		templates:    []*TemplateData{fakeTemplateData(prevHash, 800004, 1_700_001_000)},
		submitResult: &SubmitBlockResult{Accepted: true},
	}
	reg, ch := newTestRegistry(t, upstream, forcingHasher{forced: big.NewInt(1)}, true)

	reg.UpdateBlock(context.Background(), true)
	waitForTemplate(t, ch)

	args, _ := reg.LastBroadcastArgs()
	sub := submitArgsFor(t, reg, args.JobID)

	outcome, err := reg.SubmitShare(context.Background(), sub)
	if err != nil {
		t.Fatalf("SubmitShare: %v", err)
	}
	if !outcome.IsCandidate {
		t.Fatal("a hash of 1 must always be a block candidate")
	}
	if outcome.SubmitResult == nil || !outcome.SubmitResult.Accepted {
		t.Fatal("expected the upstream submitblock result to be accepted")
	}
	if upstream.submitCalls != 1 {
		t.Fatalf("expected exactly one submitblock call, got %d", upstream.submitCalls)
	}
}

func TestSubmitShareRejectsDuplicate(t *testing.T) {
	prevHash := hex.EncodeToString(bytes.Repeat([]byte{0x06}, 32))
	upstream := &fakeUpstream{templates: []*TemplateData{fakeTemplateData(prevHash, 800005, 1_700_002_000)}}
	reg, ch := newTestRegistry(t, upstream, forcingHasher{forced: big.NewInt(1)}, true)

	reg.UpdateBlock(context.Background(), true)
	waitForTemplate(t, ch)

	args, _ := reg.LastBroadcastArgs()
	sub := submitArgsFor(t, reg, args.JobID)

	if _, err := reg.SubmitShare(context.Background(), sub); err != nil {
		t.Fatalf("first submission should be accepted: %v", err)
	}

	_, err := reg.SubmitShare(context.Background(), sub)
	if err == nil {
		t.Fatal("expected the identical resubmission to be rejected")
	}
	shareErr, ok := err.(*ShareError)
	if !ok || shareErr.Kind != ErrDuplicateShare {
		t.Fatalf("expected ErrDuplicateShare, got %v", err)
	}
}

func TestSubmitShareUnknownJobPolicy(t *testing.T) {
	prevHash := hex.EncodeToString(bytes.Repeat([]byte{0x07}, 32))

	t.Run("strict policy rejects", func(t *testing.T) {
		upstream := &fakeUpstream{templates: []*TemplateData{fakeTemplateData(prevHash, 800006, 1_700_003_000)}}
		reg, ch := newTestRegistry(t, upstream, DoubleSHA256Hasher{}, true)
		reg.UpdateBlock(context.Background(), true)
		waitForTemplate(t, ch)

		sub := submitArgsFor(t, reg, "does-not-exist")
		_, err := reg.SubmitShare(context.Background(), sub)
		shareErr, ok := err.(*ShareError)
		if !ok || shareErr.Kind != ErrStaleJob {
			t.Fatalf("expected ErrStaleJob under strict policy, got %v", err)
		}
	})

	t.Run("permissive policy accepts as stale", func(t *testing.T) {
		upstream := &fakeUpstream{templates: []*TemplateData{fakeTemplateData(prevHash, 800006, 1_700_003_000)}}
		reg, ch := newTestRegistry(t, upstream, DoubleSHA256Hasher{}, false)
		reg.UpdateBlock(context.Background(), true)
		waitForTemplate(t, ch)

		sub := submitArgsFor(t, reg, "does-not-exist")
		outcome, err := reg.SubmitShare(context.Background(), sub)
		if err != nil {
			t.Fatalf("expected a permissive accept, got error: %v", err)
		}
		if !outcome.Stale {
			t.Fatal("expected the outcome to be marked stale")
		}
	})
}

func TestSubmitShareRejectsNonPositiveDifficulty(t *testing.T) {
	prevHash := hex.EncodeToString(bytes.Repeat([]byte{0x08}, 32))
	upstream := &fakeUpstream{templates: []*TemplateData{fakeTemplateData(prevHash, 800007, 1_700_004_000)}}
	reg, ch := newTestRegistry(t, upstream, DoubleSHA256Hasher{}, true)
	reg.UpdateBlock(context.Background(), true)
	waitForTemplate(t, ch)

	args, _ := reg.LastBroadcastArgs()
	sub := submitArgsFor(t, reg, args.JobID)
	sub.Difficulty = 0

	_, err := reg.SubmitShare(context.Background(), sub)
	shareErr, ok := err.(*ShareError)
	if !ok || shareErr.Kind != ErrFraudSuspected {
		t.Fatalf("expected ErrFraudSuspected, got %v", err)
	}
}

func TestSubmitShareRejectsLowDifficultyHash(t *testing.T) {
	prevHash := hex.EncodeToString(bytes.Repeat([]byte{0x09}, 32))
	upstream := &fakeUpstream{templates: []*TemplateData{fakeTemplateData(prevHash, 800008, 1_700_005_000)}}
	// Real double-SHA256 over arbitrary header bytes will, overwhelmingly, not
	// clear a legitimate difficulty-1 target.
	reg, ch := newTestRegistry(t, upstream, DoubleSHA256Hasher{}, true)
	reg.UpdateBlock(context.Background(), true)
	waitForTemplate(t, ch)

	args, _ := reg.LastBroadcastArgs()
	sub := submitArgsFor(t, reg, args.JobID)

	_, err := reg.SubmitShare(context.Background(), sub)
	if err == nil {
		t.Fatal("expected a real hash at difficulty 1 to miss its own target")
	}
	shareErr, ok := err.(*ShareError)
	if !ok || shareErr.Kind != ErrLowDifficulty {
		t.Fatalf("expected ErrLowDifficulty, got %v", err)
	}
}

// TestTemplateSinkMayCallLastBroadcastArgsWithoutDeadlock exercises a
// TemplateSink that re-enters the registry, the pattern the production sink
// in cmd/stratum/main.go originally used.
// Before r.mu was released ahead of firing the sinks, this deadlocked on the
// very first UpdateBlock.
func TestTemplateSinkMayCallLastBroadcastArgsWithoutDeadlock(t *testing.T) {
	prevHash := hex.EncodeToString(bytes.Repeat([]byte{0x0a}, 32))
	upstream := &fakeUpstream{templates: []*TemplateData{fakeTemplateData(prevHash, 800020, 1_700_006_000)}}

	cfg := Config{
		InstanceID:           1,
		ExtranonceTotalSize:  8,
		RejectStaleShares:    true,
		NtimeAge:             2 * time.Minute,
		HangDetectionTimeout: 30 * time.Second,
		CoinbasePoolTag:      "2f706f6f6c2f",
		PoolScriptPubKeyHex:  "76a914000000000000000000000000000000000000000088ac",
	}

	done := make(chan BroadcastArgs, 1)
	var reg *TemplateRegistry
	var err error
	reg, err = New(cfg, zap.NewNop(), upstream, &fixedTimeSource{now: time.Now()}, DoubleSHA256Hasher{},
		func(prevHashHex string, height int64) {},
		func(args BroadcastArgs, cleanJobs bool) {
			got, lastErr := reg.LastBroadcastArgs()
			if lastErr != nil {
				t.Errorf("LastBroadcastArgs from within TemplateSink: %v", lastErr)
				return
			}
			done <- got
		},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reg.UpdateBlock(context.Background(), true)

	select {
	case args := <-done:
		if args.PrevHash != prevHash {
			t.Fatalf("PrevHash = %q, want %q", args.PrevHash, prevHash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("TemplateSink calling back into LastBroadcastArgs deadlocked")
	}
}

// TestRunRefreshDiscardsSupersededResult forces the exact race a force=true
// UpdateBlock can hit: the cancelled refresh's RPC call is already in flight
// and returns after the successor refresh has already completed. The
// superseded refresh must not file its (now-stale) template or clobber the
// state the successor installed.
func TestRunRefreshDiscardsSupersededResult(t *testing.T) {
	prevHash1 := hex.EncodeToString(bytes.Repeat([]byte{0x0b}, 32))
	prevHash2 := hex.EncodeToString(bytes.Repeat([]byte{0x0c}, 32))
	upstream := newGatedUpstream(
		fakeTemplateData(prevHash1, 800021, 1_700_007_000),
		fakeTemplateData(prevHash2, 800022, 1_700_007_600),
	)
	reg, ch := newTestRegistry(t, upstream, DoubleSHA256Hasher{}, true)

	reg.UpdateBlock(context.Background(), true) // refresh A, blocked on gate 0
	reg.UpdateBlock(context.Background(), true) // cancels A, starts refresh B, blocked on gate 1

	upstream.release(1)
	if !waitForTemplate(t, ch) {
		t.Fatal("refresh B must clean_jobs as the bootstrap template")
	}

	args, err := reg.LastBroadcastArgs()
	if err != nil {
		t.Fatalf("LastBroadcastArgs: %v", err)
	}
	if args.PrevHash != prevHash2 {
		t.Fatalf("PrevHash = %q, want %q (refresh B)", args.PrevHash, prevHash2)
	}

	upstream.release(0) // let the superseded refresh A's RPC call return

	select {
	case cleanJobs := <-ch:
		t.Fatalf("superseded refresh A must not file a template (clean_jobs=%v)", cleanJobs)
	case <-time.After(200 * time.Millisecond):
	}

	args2, err := reg.LastBroadcastArgs()
	if err != nil {
		t.Fatalf("LastBroadcastArgs: %v", err)
	}
	if args2.PrevHash != prevHash2 {
		t.Fatalf("PrevHash after superseded refresh returns = %q, want %q unchanged", args2.PrevHash, prevHash2)
	}
}
