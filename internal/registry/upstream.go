package registry

import (
	"context"
	"time"
)

// TemplateTransaction is one transaction from the upstream getblocktemplate
// response, in the order the daemon wants it assembled into the block.
type TemplateTransaction struct {
	DataHex string
}

// TemplateData is the subset of a getblocktemplate response the registry
// needs: header fields, the target/difficulty, the transaction set, and
// whatever is required to assemble the coinbase.
type TemplateData struct {
	Version           uint32
	PreviousBlockHash string // hex, big-endian display order, as returned by the daemon
	Bits              string // hex nbits, 4 bytes
	TargetHex         string // hex 256-bit target; takes precedence over Bits if set
	CurTime           uint32
	Height            int64
	CoinbaseValue     uint64
	Transactions      []TemplateTransaction
	CoinbaseFlags     string // hex pool tag bytes folded into the coinbase script
	PoolScriptPubKey  string // hex output script paid by the coinbase
}

// SubmitBlockResult is the outcome of an upstream submitblock call, exposed
// verbatim to callers rather than reinterpreted (whether a truthy vs.
// error-string result matters is left up to the caller).
type SubmitBlockResult struct {
	Accepted   bool
	RawMessage string
}

// UpstreamClient is the abstract handle to the upstream Bitcoin-compatible
// daemon. The registry never speaks the wire RPC protocol itself; it is
// injected with something that does.
type UpstreamClient interface {
	GetBlockTemplate(ctx context.Context) (*TemplateData, error)
	SubmitBlock(ctx context.Context, blockHex, checkHex, hashHex string) (*SubmitBlockResult, error)
}

// TimeSource is the abstract timestamp source the registry consults for
// ntime-range checks and refresh hang-detection, so tests can control time
// without sleeping.
type TimeSource interface {
	Now() time.Time
}

// SystemTimeSource is the production TimeSource backed by time.Now.
type SystemTimeSource struct{}

// Now implements TimeSource.
func (SystemTimeSource) Now() time.Time { return time.Now() }

// BlockSink is invoked once per new chain tip, before any TemplateSink call
// for that tip's first template.
type BlockSink func(prevHashHex string, height int64)

// TemplateSink is invoked once per filed template with a snapshot of its
// mining.notify tuple; cleanJobs is true only for the template that opened
// a new chain tip. The sink runs after r.mu is released, so it may call back
// into the registry (LastBroadcastArgs, GetJob); the snapshot spares it the
// need to.
type TemplateSink func(args BroadcastArgs, cleanJobs bool)
