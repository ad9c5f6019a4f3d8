package registry

import (
	"fmt"
	"sync"
)

// JobIdGenerator produces short rolling opaque job identifiers. Unlike the
// source it is modeled on, it is scoped to a single TemplateRegistry
// instance rather than process-wide (there is no semantic reason for it to
// be global, and scoping it eliminates cross-instance interference in
// tests). Collisions across templates are tolerated: every new-block event
// carries clean_jobs=true, which invalidates all outstanding ids on the
// worker side regardless.
type JobIdGenerator struct {
	mu      sync.Mutex
	counter uint32
}

// NewJobIdGenerator creates a job id generator starting from zero.
func NewJobIdGenerator() *JobIdGenerator {
	return &JobIdGenerator{}
}

// Next returns the next job id: a minimal lowercase hex string. The counter
// rolls over to 1 when it would reach 0xFFFF; it never emits "0".
func (g *JobIdGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.counter++
	if g.counter%0xFFFF == 0 {
		g.counter = 1
	}
	return fmt.Sprintf("%x", g.counter)
}
