package orchestrator

import "time"

// BatchSizer adapts the batch size to the observed fetch time: grow while
// fetches come back fast, shrink hard when they drag. A memory cap derived
// from the observed average row size bounds the worst-case resident batch.
type BatchSizer struct {
	min, max int
	target   time.Duration
	memCap   int64 // bytes; 0 disables the cap

	size        int
	avgRowBytes float64
}

// minFetchTarget is the hard floor for the target fetch window; a smaller
// configured target would make every batch look slow and halve the size to
// the minimum regardless of real throughput.
const minFetchTarget = 100 * time.Millisecond

// NewBatchSizer starts at initial, clamped into [min, max].
func NewBatchSizer(initial, min, max int, target time.Duration, memCapBytes int64) *BatchSizer {
	if target < minFetchTarget {
		target = minFetchTarget
	}
	s := &BatchSizer{min: min, max: max, target: target, memCap: memCapBytes, size: initial}
	s.size = s.clamp(s.size)
	return s
}

// Size returns the batch size to use for the next batch.
func (s *BatchSizer) Size() int { return s.size }

// Observe feeds one batch's fetch duration and volume back into the sizer.
func (s *BatchSizer) Observe(fetch time.Duration, rows int, uncompressedBytes int64) {
	if rows > 0 {
		observed := float64(uncompressedBytes) / float64(rows)
		if s.avgRowBytes == 0 {
			s.avgRowBytes = observed
		} else {
			// Exponential moving average smooths out outlier batches.
			s.avgRowBytes = 0.8*s.avgRowBytes + 0.2*observed
		}
	}

	switch {
	case fetch > s.target:
		s.size = s.size / 2
	case fetch < s.target/2:
		s.size = s.size + s.size/2
	}
	s.size = s.clamp(s.size)
}

func (s *BatchSizer) clamp(n int) int {
	if n < s.min {
		n = s.min
	}
	if n > s.max {
		n = s.max
	}
	// A batch is resident twice: once as rows, once as the serialized
	// buffer.
	if s.memCap > 0 && s.avgRowBytes > 0 {
		if limit := int(float64(s.memCap) / (s.avgRowBytes * 2)); n > limit && limit >= s.min {
			n = limit
		}
	}
	return n
}
