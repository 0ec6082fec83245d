package saga

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

// Orchestrator executes transactions against the registered executors.
// Ready steps run in parallel; a failure stops further scheduling, lets
// in-flight steps settle, then unwinds every registered compensation in
// reverse completion order.
type Orchestrator struct {
	executors map[store.Kind]Executor
	settings  config.Saga
	logger    *zap.Logger
	registry  *Registry

	baseDelay     time.Duration
	maxDelay      time.Duration
	backoffFactor float64
}

// NewOrchestrator builds an orchestrator over the given executors. The
// executor set is fixed for the process lifetime.
func NewOrchestrator(settings config.Saga, logger *zap.Logger, executors ...Executor) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := make(map[store.Kind]Executor, len(executors))
	for _, exec := range executors {
		m[exec.Kind()] = exec
	}
	return &Orchestrator{
		executors:     m,
		settings:      settings,
		logger:        logger,
		registry:      NewRegistry(settings, logger),
		baseDelay:     100 * time.Millisecond,
		maxDelay:      5 * time.Second,
		backoffFactor: 2.0,
	}
}

// Get returns the observable snapshot of a tracked transaction.
func (o *Orchestrator) Get(id string) (Snapshot, bool) {
	return o.registry.Get(id)
}

// Close stops the registry's eviction loop.
func (o *Orchestrator) Close() {
	o.registry.Stop()
}

type stepDone struct {
	step *Step
	err  error
}

// Execute runs the transaction to a terminal state. The returned error is
// the most significant failure; the transaction itself carries the full
// error list and per-step outcomes.
func (o *Orchestrator) Execute(ctx context.Context, tx *Transaction) error {
	o.registry.Put(tx)
	tx.begin()
	o.logger.Info("transaction started",
		zap.String("tx_id", tx.ID),
		zap.String("tx_name", tx.Name),
		zap.Int("steps", len(tx.Steps())),
	)

	if err := o.validate(tx); err != nil {
		tx.recordError(err)
		tx.finish(TxFailed)
		o.logger.Error("transaction rejected", zap.String("tx_id", tx.ID), zap.Error(err))
		return err
	}

	budget := tx.Timeout
	if budget <= 0 {
		budget = o.settings.DefaultTransactionTimeout
	}
	txCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	failed := o.schedule(txCtx, tx)

	if !failed {
		tx.finish(TxCompleted)
		o.logger.Info("transaction completed",
			zap.String("tx_id", tx.ID),
			zap.Duration("duration", tx.Duration()),
		)
		return nil
	}

	if txCtx.Err() == context.DeadlineExceeded {
		tx.markTimedOut()
		tx.recordError(errors.Timeout("transaction", budget))
	}

	// Rollback continues even when the caller is gone; it gets its own
	// budget detached from the dead transaction context.
	compCtx, compCancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer compCancel()
	o.compensate(compCtx, tx)

	if tx.compensationFailed() {
		tx.finish(TxFailed)
	} else {
		tx.finish(TxCompensated)
	}
	err := o.terminalError(tx)
	o.logger.Warn("transaction rolled back",
		zap.String("tx_id", tx.ID),
		zap.String("state", string(tx.State())),
		zap.Error(err),
	)
	return err
}

// validate checks structural soundness before any side effect: known
// dependencies and an acyclic graph.
func (o *Orchestrator) validate(tx *Transaction) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	for _, id := range tx.order {
		if id == "" {
			return errors.InvalidTransaction("step with empty id")
		}
		for _, dep := range tx.steps[id].DependsOn {
			if _, ok := tx.steps[dep]; !ok {
				return errors.InvalidTransaction(fmt.Sprintf("step %q depends on unknown step %q", id, dep))
			}
		}
	}

	// Kahn's algorithm; leftover nodes mean a cycle.
	indeg := make(map[string]int, len(tx.order))
	dependents := make(map[string][]string, len(tx.order))
	for _, id := range tx.order {
		indeg[id] += 0
		for _, dep := range tx.steps[id].DependsOn {
			indeg[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}
	queue := make([]string, 0, len(tx.order))
	for _, id := range tx.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(tx.order) {
		return errors.InvalidTransaction("dependency cycle detected")
	}
	return nil
}

// schedule launches ready steps in parallel and reacts to completions.
// Returns true when at least one step failed. After a failure no further
// steps launch, but in-flight steps settle so their compensations are on
// record.
func (o *Orchestrator) schedule(ctx context.Context, tx *Transaction) (failed bool) {
	tx.mu.Lock()
	indeg := make(map[string]int, len(tx.order))
	dependents := make(map[string][]string, len(tx.order))
	order := make([]string, len(tx.order))
	copy(order, tx.order)
	steps := make(map[string]*Step, len(tx.steps))
	for id, s := range tx.steps {
		steps[id] = s
		indeg[id] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	tx.mu.Unlock()

	done := make(chan stepDone)
	running := 0
	launch := func(s *Step) {
		running++
		go func() {
			done <- stepDone{step: s, err: o.executeStep(ctx, tx, s)}
		}()
	}
	for _, id := range order {
		if indeg[id] == 0 {
			launch(steps[id])
		}
	}

	for running > 0 {
		d := <-done
		running--
		if d.err != nil {
			failed = true
			continue
		}
		for _, next := range dependents[d.step.ID] {
			indeg[next]--
			if indeg[next] == 0 && !failed {
				launch(steps[next])
			}
		}
	}
	return failed
}

// executeStep runs one step: health gate, bounded retries with exponential
// backoff, result and compensation registration. A retryable error that
// outlives the retry budget surfaces as timeout (the step's budget is
// spent); non-retryable errors surface as-is.
func (o *Orchestrator) executeStep(ctx context.Context, tx *Transaction, s *Step) error {
	exec, ok := o.executors[s.StoreKind]
	if !ok {
		err := errors.StoreUnavailable(string(s.StoreKind)).WithOp("saga_step")
		tx.settleFailed(s, err)
		return err
	}
	tx.markExecuting(s)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = o.settings.DefaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := exec.Ready(stepCtx); err != nil {
		err = errors.Wrap(err, errors.KindStoreUnavailable, "adapter not ready").
			WithStore(string(s.StoreKind)).WithOp("saga_step")
		tx.settleFailed(s, err)
		return err
	}

	retries := s.MaxRetries
	if retries <= 0 {
		retries = o.settings.DefaultStepRetries
	}
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if stepCtx.Err() != nil {
			break
		}
		tx.recordAttempt(s)
		result, comps, err := exec.Execute(stepCtx, s.Op)
		tx.registerCompensations(s, comps)
		if err == nil {
			tx.settleCompleted(s, result)
			o.logger.Debug("step completed",
				zap.String("tx_id", tx.ID),
				zap.String("step", s.ID),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		lastErr = err
		if !retryableStep(err) {
			break
		}
		o.logger.Warn("step attempt failed",
			zap.String("tx_id", tx.ID),
			zap.String("step", s.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < retries {
			if !sleepStep(stepCtx, o.backoffDelay(attempt)) {
				break
			}
		}
	}

	// Classify the final failure. A dead step context outranks a retryable
	// cause; a retryable cause that outlived its attempts is a spent budget.
	if cerr := errors.FromContext(stepCtx, "saga_step"); cerr != nil && retryableStep(lastErr) {
		lastErr = cerr.WithStore(string(s.StoreKind)).WithCause(lastErr)
	} else if retryableStep(lastErr) && !errors.IsKind(lastErr, errors.KindTimeout) {
		lastErr = errors.Newf(errors.KindTimeout, "step %s budget exhausted after %d attempts", s.ID, retries).
			WithStore(string(s.StoreKind)).WithOp("saga_step").WithCause(lastErr)
	}
	tx.settleFailed(s, lastErr)
	return lastErr
}

// compensate unwinds registered compensations, most recently settled step
// first, each step's actions in descending priority. Failures are recorded
// and skipped; the remaining actions still run.
func (o *Orchestrator) compensate(ctx context.Context, tx *Transaction) {
	tx.beginCompensation()
	for _, s := range tx.settledForRollback() {
		comps := tx.compensationsOf(s)
		if len(comps) == 0 {
			if s.State() == StepCompleted {
				tx.markCompensated(s)
			}
			continue
		}
		tx.markCompensating(s)
		for _, comp := range comps {
			if err := o.runCompensation(ctx, comp); err != nil {
				tx.recordCompensationFailure(
					errors.CompensationFailed(string(s.StoreKind), s.ID, err))
				o.logger.Error("compensation failed",
					zap.String("tx_id", tx.ID),
					zap.String("step", s.ID),
					zap.String("action", comp.Label),
					zap.Error(err),
				)
			}
		}
		tx.markCompensated(s)
	}
}

// runCompensation retries one action on a fixed delay.
func (o *Orchestrator) runCompensation(ctx context.Context, comp Compensation) error {
	attempts := o.settings.CompensationRetries
	if attempts <= 0 {
		attempts = 1
	}
	delay := o.settings.CompensationRetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := errors.FromContext(ctx, "compensate"); cerr != nil {
			return errors.First(lastErr, cerr)
		}
		if lastErr = comp.Run(ctx); lastErr == nil {
			return nil
		}
		if attempt < attempts && !sleepStep(ctx, delay) {
			break
		}
	}
	return lastErr
}

// terminalError picks the error Execute surfaces: a compensation failure
// outranks the step failure that triggered rollback.
func (o *Orchestrator) terminalError(tx *Transaction) error {
	errs := tx.Errors()
	for _, err := range errs {
		if errors.IsKind(err, errors.KindCompensationFailed) {
			return err
		}
	}
	return errors.First(errs...)
}

func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(o.baseDelay) * math.Pow(o.backoffFactor, float64(attempt-1)))
	if d > o.maxDelay {
		d = o.maxDelay
	}
	return d
}

// retryableStep reports whether a step failure is worth another attempt.
// Failures detectable without I/O and cancellations are final; transport
// and availability classes may heal.
func retryableStep(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindBadRequest,
		errors.KindInvalidProperties,
		errors.KindInvalidTransaction,
		errors.KindUnknownRelation,
		errors.KindCancelled,
		errors.KindUnrecoverableUnavailability,
		errors.KindCompensationFailed:
		return false
	}
	return true
}

// sleepStep waits out the delay; returns false if the context died first.
func sleepStep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
