package saga

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"polystore-backend/internal/config"
)

// Registry tracks live and recently finished transactions for observation.
// Completed transactions are evicted after the retention interval; failed
// and compensated transactions are kept until an operator intervenes.
type Registry struct {
	mu       sync.Mutex
	txs      map[string]*Transaction
	settings config.Saga
	logger   *zap.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry and starts its eviction loop.
func NewRegistry(settings config.Saga, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		txs:      make(map[string]*Transaction),
		settings: settings,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go r.evictLoop()
	return r
}

// Put registers a transaction, visible from the moment execution begins.
func (r *Registry) Put(tx *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[tx.ID] = tx
}

// Get returns a point-in-time snapshot of the transaction.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	tx, ok := r.txs[id]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return tx.Snapshot(), true
}

// Len reports the number of retained transactions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txs)
}

// Stop terminates the eviction loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) evictLoop() {
	interval := r.settings.EvictionInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.evictExpired(); n > 0 {
				r.logger.Debug("evicted completed transactions", zap.Int("count", n))
			}
		case <-r.stopCh:
			return
		}
	}
}

// evictExpired removes completed transactions past their retention.
func (r *Registry) evictExpired() int {
	retention := r.settings.CompletedRetention
	if retention <= 0 {
		retention = time.Hour
	}
	cutoff := r.now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, tx := range r.txs {
		if tx.State() != TxCompleted {
			continue
		}
		if finished := tx.FinishedAt(); !finished.IsZero() && finished.Before(cutoff) {
			delete(r.txs, id)
			evicted++
		}
	}
	return evicted
}
