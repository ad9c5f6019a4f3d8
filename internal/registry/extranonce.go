package registry

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ExtranonceCounter produces unique per-connection extranonce1 prefixes
// scoped to one pool instance. Layout: instance_id (1 byte) || counter
// (big-endian, width-1 bytes). The leading instance byte lets several pool
// processes share an upstream daemon without coordinating with each other.
type ExtranonceCounter struct {
	mu         sync.Mutex
	instanceID byte
	width      int
	counter    uint64
	maxCounter uint64
}

// NewExtranonceCounter creates a counter for the given pool instance id and
// total extranonce1 width in bytes (must be at least 2: one instance byte
// plus at least one counter byte).
func NewExtranonceCounter(instanceID byte, width int) (*ExtranonceCounter, error) {
	if width < 2 {
		return nil, fmt.Errorf("registry: extranonce1 width must be >= 2 bytes, got %d", width)
	}
	if width > 8 {
		return nil, fmt.Errorf("registry: extranonce1 width %d exceeds the supported 8 bytes", width)
	}

	counterWidth := uint(width - 1)
	return &ExtranonceCounter{
		instanceID: instanceID,
		width:      width,
		maxCounter: (uint64(1) << (8 * counterWidth)) - 1,
	}, nil
}

// Size returns the constant extranonce1 width in bytes.
func (e *ExtranonceCounter) Size() int {
	return e.width
}

// NewExtranonce1 returns a unique extranonce1 prefix. Counter overflow is
// fatal for the current process: the pool refuses rather than wrapping into
// previously issued space, which would let two live connections collide.
func (e *ExtranonceCounter) NewExtranonce1() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.counter >= e.maxCounter {
		return nil, fmt.Errorf("registry: extranonce counter exhausted for instance %d", e.instanceID)
	}
	e.counter++

	buf := make([]byte, e.width)
	buf[0] = e.instanceID

	var full [8]byte
	binary.BigEndian.PutUint64(full[:], e.counter)
	counterWidth := e.width - 1
	copy(buf[1:], full[8-counterWidth:])

	return buf, nil
}
