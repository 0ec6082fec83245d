package batch

import (
	"sync"
	"time"

	"polystore-backend/internal/config"
)

// dispatchOutcome is one dispatched batch's observation.
type dispatchOutcome struct {
	size     int
	duration time.Duration
	success  float64
}

// sizer owns the adaptive batch size for one accumulator. After every
// tuning.EvaluateEvery dispatches it evaluates the rolling window:
//
//   - mean duration < 0.5 x target and success > 0.95: raise by 20% (capped)
//   - mean duration > 1.5 x target and success > 0.90: lower by 20%
//   - success < 0.80: halve (floored at the minimum)
//
// A change is applied only when the relative delta exceeds 10%, preventing
// oscillation around a stable operating point.
type sizer struct {
	mu      sync.Mutex
	tuning  config.BatchTuning
	current int
	window  []dispatchOutcome
	count   int
}

func newSizer(tuning config.BatchTuning) *sizer {
	return &sizer{
		tuning:  tuning,
		current: tuning.MaxSize,
	}
}

// Current returns the batch size currently in force.
func (s *sizer) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CoalesceDelay returns the maximum time an item waits before dispatch.
func (s *sizer) CoalesceDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tuning.CoalesceDelay
}

// QueueDepth returns the bounded queue capacity.
func (s *sizer) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tuning.QueueDepth
}

// Record feeds one dispatched batch's observation into the rolling window
// and re-evaluates the size on schedule.
func (s *sizer) Record(o dispatchOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.window = append(s.window, o)
	if keep := s.tuning.EvaluateEvery; len(s.window) > keep {
		s.window = s.window[len(s.window)-keep:]
	}
	s.count++
	if s.count%s.tuning.EvaluateEvery == 0 {
		s.evaluate()
	}
}

// evaluate applies the sizing rules. Caller holds mu.
func (s *sizer) evaluate() {
	if len(s.window) == 0 {
		return
	}
	var totalDur time.Duration
	var totalSuccess float64
	for _, o := range s.window {
		totalDur += o.duration
		totalSuccess += o.success
	}
	meanDur := totalDur / time.Duration(len(s.window))
	meanSuccess := totalSuccess / float64(len(s.window))
	target := s.tuning.TargetDuration

	proposed := s.current
	switch {
	case meanDur < target/2 && meanSuccess > 0.95:
		proposed = s.current * 120 / 100
	case meanDur > target*3/2 && meanSuccess > 0.90:
		proposed = s.current * 80 / 100
	case meanSuccess < 0.80:
		proposed = s.current / 2
	default:
		return
	}

	proposed = clamp(proposed, s.tuning.MinSize, s.tuning.MaxSize)
	delta := proposed - s.current
	if delta < 0 {
		delta = -delta
	}
	// Relative delta must exceed 10% to take effect.
	if delta*10 <= s.current {
		return
	}
	s.current = proposed
}

// Retune swaps the tunables (hot reload) and clamps the active size into the
// new bounds.
func (s *sizer) Retune(tuning config.BatchTuning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuning = tuning
	s.current = clamp(s.current, tuning.MinSize, tuning.MaxSize)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
