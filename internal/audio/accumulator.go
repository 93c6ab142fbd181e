package audio

import "sync"

const (
	// DefaultFlushThreshold is ~2s of 16kHz mono s16le.
	DefaultFlushThreshold = 64000
	// DefaultHardCap bounds a buffer that never reaches a clean flush.
	DefaultHardCap = 1 << 20
)

// Accumulator buffers inbound PCM until it is drained for transcription.
type Accumulator struct {
	mu        sync.Mutex
	buf       []byte
	threshold int
	hardCap   int
}

// NewAccumulator returns an accumulator. Non-positive values take the defaults and the cap
// is raised to the threshold when smaller.
func NewAccumulator(threshold, hardCap int) *Accumulator {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	if hardCap <= 0 {
		hardCap = DefaultHardCap
	}
	if hardCap < threshold {
		hardCap = threshold
	}
	return &Accumulator{threshold: threshold, hardCap: hardCap, buf: make([]byte, 0, threshold)}
}

// Append adds b to the buffer. When the result would exceed the hard cap the buffer is
// cleared, b is discarded and overflowed is true.
func (a *Accumulator) Append(b []byte) (overflowed bool) {
	if len(b) == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf)+len(b) > a.hardCap {
		a.buf = a.buf[:0]
		return true
	}
	a.buf = append(a.buf, b...)
	return false
}

// ShouldFlush reports whether the buffer reached the flush threshold.
func (a *Accumulator) ShouldFlush() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf) >= a.threshold
}

// DrainAndClear returns the buffered bytes and empties the buffer.
func (a *Accumulator) DrainAndClear() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	a.buf = a.buf[:0]
	return out
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

func (a *Accumulator) Cap() int { return a.hardCap }

// Reset drops buffered audio and releases oversized backing storage.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	if cap(a.buf) > a.threshold*2 {
		a.buf = make([]byte, 0, a.threshold)
	} else {
		a.buf = a.buf[:0]
	}
	a.mu.Unlock()
}
