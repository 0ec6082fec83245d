package strategy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/store"
)

// streak carries the hysteresis state for one adapter. A single bad probe
// never flips a healthy belief; it takes K consecutive failures to go
// unhealthy and M consecutive successes to come back.
type streak struct {
	healthy   bool
	fails     int
	successes int
}

func (s *streak) observe(ok bool, unhealthyAfter, healthyAfter int) (flipped bool) {
	if ok {
		s.successes++
		s.fails = 0
		if !s.healthy && s.successes >= healthyAfter {
			s.healthy = true
			return true
		}
		return false
	}
	s.fails++
	s.successes = 0
	if s.healthy && s.fails >= unhealthyAfter {
		s.healthy = false
		return true
	}
	return false
}

// Monitor polls every adapter's health check on a fixed cadence and
// publishes immutable availability snapshots. Subscribers hear about
// health flips, not every round.
type Monitor struct {
	adapters []store.Store
	settings config.Strategy
	logger   *zap.Logger

	snap atomic.Pointer[Snapshot]

	mu      sync.Mutex
	streaks map[store.Kind]*streak
	subs    []func(*Snapshot)
	version uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor tracks the given adapters. The initial belief is optimistic:
// every adapter starts healthy so the first probe round, not process
// startup, decides the real picture.
func NewMonitor(settings config.Strategy, logger *zap.Logger, adapters ...store.Store) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		adapters: adapters,
		settings: settings,
		logger:   logger,
		streaks:  make(map[store.Kind]*streak, len(adapters)),
		stopCh:   make(chan struct{}),
	}
	healthy := make(map[store.Kind]bool, len(adapters))
	for _, a := range adapters {
		m.streaks[a.Kind()] = &streak{healthy: true}
		healthy[a.Kind()] = true
	}
	m.snap.Store(&Snapshot{
		Version: 0,
		TakenAt: time.Now(),
		Healthy: healthy,
		Latency: make(map[store.Kind]time.Duration),
	})
	return m
}

// Current returns the latest published snapshot. Lock-free.
func (m *Monitor) Current() *Snapshot {
	return m.snap.Load()
}

// Strategy maps the current snapshot onto the strategy ladder.
func (m *Monitor) Strategy() Kind {
	return Choose(m.Current())
}

// Subscribe registers a callback invoked after any health flip. Callbacks
// run on their own goroutine and must not block on the monitor.
func (m *Monitor) Subscribe(fn func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Start launches the polling loop: one immediate round, then one per
// interval until Stop. A retuned interval takes effect after the next tick.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Poll(ctx)
		interval := m.pollInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Poll(ctx)
				if next := m.pollInterval(); next != interval {
					interval = next
					ticker.Reset(interval)
				}
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Retune swaps the hysteresis thresholds and probe cadence at runtime.
// In-progress streaks carry over; only the thresholds they are judged
// against change.
func (m *Monitor) Retune(settings config.Strategy) {
	m.mu.Lock()
	m.settings = settings
	m.mu.Unlock()
	m.logger.Info("availability monitor retuned",
		zap.Duration("poll_interval", settings.PollInterval),
		zap.Int("unhealthy_after", settings.UnhealthyAfter),
		zap.Int("healthy_after", settings.HealthyAfter),
	)
}

func (m *Monitor) pollInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings.PollInterval <= 0 {
		return 5 * time.Second
	}
	return m.settings.PollInterval
}

// Stop terminates the polling loop and waits for it.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

type probeResult struct {
	kind    store.Kind
	healthy bool
	latency time.Duration
}

// Poll runs one synchronous probe round: every adapter concurrently, each
// under the probe timeout, then one snapshot publication.
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.Lock()
	timeout := m.settings.ProbeTimeout
	m.mu.Unlock()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	results := make([]probeResult, len(m.adapters))
	var wg sync.WaitGroup
	for i, adapter := range m.adapters {
		wg.Add(1)
		go func(i int, adapter store.Store) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			status := adapter.HealthCheck(probeCtx)
			results[i] = probeResult{
				kind:    adapter.Kind(),
				healthy: status.Healthy,
				latency: status.Latency,
			}
		}(i, adapter)
	}
	wg.Wait()

	m.apply(results)
}

// apply feeds one round into the streaks and publishes a fresh snapshot.
// Subscribers are notified only when some adapter's belief flipped.
func (m *Monitor) apply(results []probeResult) {
	m.mu.Lock()
	flipped := false
	for _, r := range results {
		st, ok := m.streaks[r.kind]
		if !ok {
			continue
		}
		if st.observe(r.healthy, m.settings.UnhealthyAfter, m.settings.HealthyAfter) {
			flipped = true
			m.logger.Warn("store availability flipped",
				zap.String("store", string(r.kind)),
				zap.Bool("healthy", st.healthy),
			)
		}
	}

	m.version++
	next := &Snapshot{
		Version: m.version,
		TakenAt: time.Now(),
		Healthy: make(map[store.Kind]bool, len(m.streaks)),
		Latency: make(map[store.Kind]time.Duration, len(results)),
	}
	for kind, st := range m.streaks {
		next.Healthy[kind] = st.healthy
	}
	for _, r := range results {
		next.Latency[r.kind] = r.latency
	}
	subs := make([]func(*Snapshot), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.snap.Store(next)
	if flipped {
		for _, fn := range subs {
			go fn(next)
		}
	}
}
