// Package saga implements the transaction layer that gives a multi-store
// distribution its atomicity-by-rollback semantics. A transaction is a DAG
// of steps, each bound to one store kind; the orchestrator runs ready steps
// in parallel, records the compensations each step contributes while it
// executes, and on failure unwinds every registered compensation in reverse
// completion order.
package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"polystore-backend/internal/store"
)

// ============================================================================
// STATES
// ============================================================================

// StepState tracks one step through execution and rollback.
type StepState string

const (
	StepPending      StepState = "pending"
	StepExecuting    StepState = "executing"
	StepCompleted    StepState = "completed"
	StepFailed       StepState = "failed"
	StepCompensating StepState = "compensating"
	StepCompensated  StepState = "compensated"
)

// TransactionState tracks the whole transaction.
type TransactionState string

const (
	TxInitiated    TransactionState = "initiated"
	TxExecuting    TransactionState = "executing"
	TxCompensating TransactionState = "compensating"
	TxCompleted    TransactionState = "completed"
	TxCompensated  TransactionState = "compensated"
	TxFailed       TransactionState = "failed"
	TxTimeout      TransactionState = "timeout"
)

// Terminal reports whether no further transition can occur.
func (s TransactionState) Terminal() bool {
	switch s {
	case TxCompleted, TxCompensated, TxFailed:
		return true
	}
	return false
}

// ============================================================================
// STEP MODEL
// ============================================================================

// Operation is the store work one step performs. Records cover every store
// kind; Edges are consumed only by graph-capable adapters.
type Operation struct {
	Name     string
	Category string
	Records  []*store.Record
	Edges    []store.EdgeSpec
	Params   map[string]any
}

// StepResult carries what the adapter reported back: the ids it stored and
// any extra data later steps or callers may need.
type StepResult struct {
	StoredIDs []string
	Data      map[string]any
}

// Compensation is one registered rollback action. Actions must be
// idempotent; within a step they run in descending Priority order.
type Compensation struct {
	Label    string
	Priority int
	Run      func(ctx context.Context) error
}

// Step is one unit of work against one store kind.
type Step struct {
	ID         string
	StoreKind  store.Kind
	Op         Operation
	DependsOn  []string
	Timeout    time.Duration
	MaxRetries int

	state         StepState
	result        *StepResult
	compensations []Compensation
	err           error
	attempts      int
	settledSeq    int
}

// State returns the step's current state. Callers outside the transaction's
// lock should read through Transaction.Snapshot instead.
func (s *Step) State() StepState { return s.state }

// ============================================================================
// TRANSACTION
// ============================================================================

// Transaction is a DAG of steps plus the execution bookkeeping the
// orchestrator maintains. All mutation goes through the methods below; the
// mutex also guards concurrent Snapshot readers during execution.
type Transaction struct {
	ID       string
	Name     string
	Timeout  time.Duration
	Metadata map[string]any

	mu         sync.Mutex
	steps      map[string]*Step
	order      []string
	state      TransactionState
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	errs       []error
	settledSeq int
	timedOut   bool
	compFailed bool
}

// NewTransaction creates an empty transaction in state initiated.
func NewTransaction(name string) *Transaction {
	return &Transaction{
		ID:        "tx_" + uuid.NewString(),
		Name:      name,
		Metadata:  make(map[string]any),
		steps:     make(map[string]*Step),
		state:     TxInitiated,
		createdAt: time.Now(),
	}
}

// WithTimeout overrides the orchestrator's default transaction budget.
func (t *Transaction) WithTimeout(d time.Duration) *Transaction {
	t.Timeout = d
	return t
}

// WithMetadata attaches observability context, e.g. the document id.
func (t *Transaction) WithMetadata(key string, value any) *Transaction {
	t.Metadata[key] = value
	return t
}

// AddStep appends a step. Duplicate ids and unknown dependencies are caught
// at execution entry, not here.
func (t *Transaction) AddStep(s *Step) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.state = StepPending
	if _, exists := t.steps[s.ID]; !exists {
		t.order = append(t.order, s.ID)
	}
	t.steps[s.ID] = s
	return t
}

// Steps returns the step ids in insertion order.
func (t *Transaction) Steps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// State returns the transaction's current state.
func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Errors returns every step and compensation error collected so far.
func (t *Transaction) Errors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]error, len(t.errs))
	copy(out, t.errs)
	return out
}

// Duration reports wall-clock execution time; zero until started.
func (t *Transaction) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return 0
	}
	end := t.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(t.startedAt)
}

// FinishedAt reports when the transaction reached a terminal state.
func (t *Transaction) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// StoredIDs aggregates the ids every completed step persisted, keyed by
// store kind. This feeds the cross-reference map on the master record.
func (t *Transaction) StoredIDs() map[store.Kind][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[store.Kind][]string)
	for _, id := range t.order {
		s := t.steps[id]
		if s.state != StepCompleted && s.state != StepCompensating && s.state != StepCompensated {
			continue
		}
		if s.result == nil {
			continue
		}
		out[s.StoreKind] = append(out[s.StoreKind], s.result.StoredIDs...)
	}
	return out
}

// DistributedTo lists the store kinds with at least one completed step,
// in first-completion order.
func (t *Transaction) DistributedTo() []store.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	completed := make([]*Step, 0, len(t.order))
	for _, id := range t.order {
		if s := t.steps[id]; s.settledSeq > 0 && s.err == nil {
			completed = append(completed, s)
		}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].settledSeq < completed[j].settledSeq })
	seen := make(map[store.Kind]bool)
	var out []store.Kind
	for _, s := range completed {
		if !seen[s.StoreKind] {
			seen[s.StoreKind] = true
			out = append(out, s.StoreKind)
		}
	}
	return out
}

// ============================================================================
// TRANSITIONS (orchestrator-internal)
// ============================================================================

func (t *Transaction) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TxExecuting
	t.startedAt = time.Now()
}

func (t *Transaction) markExecuting(s *Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.state = StepExecuting
}

func (t *Transaction) recordAttempt(s *Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.attempts++
}

// registerCompensations attaches rollback actions contributed during
// execution. Partial effects of a step that later fails register here too,
// so rollback covers them.
func (t *Transaction) registerCompensations(s *Step, comps []Compensation) {
	if len(comps) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s.compensations = append(s.compensations, comps...)
}

// settleCompleted marks a step completed and stamps its place in the
// global completion sequence.
func (t *Transaction) settleCompleted(s *Step, res *StepResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settledSeq++
	s.settledSeq = t.settledSeq
	s.state = StepCompleted
	s.result = res
}

// settleFailed marks a step failed. The step still receives a sequence
// number: rollback visits its registered compensations first.
func (t *Transaction) settleFailed(s *Step, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settledSeq++
	s.settledSeq = t.settledSeq
	s.state = StepFailed
	s.err = err
	t.errs = append(t.errs, err)
}

func (t *Transaction) markTimedOut() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timedOut = true
	t.state = TxTimeout
}

func (t *Transaction) beginCompensation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TxCompensating
}

func (t *Transaction) markCompensating(s *Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.state = StepCompensating
}

func (t *Transaction) markCompensated(s *Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.state = StepCompensated
}

func (t *Transaction) recordCompensationFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compFailed = true
	t.errs = append(t.errs, err)
}

func (t *Transaction) recordError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
}

func (t *Transaction) finish(state TransactionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.finishedAt = time.Now()
}

func (t *Transaction) compensationFailed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compFailed
}

// settledForRollback returns every step holding registered compensations,
// most recently settled first. Failed steps settle after the completions
// they followed, so their partial effects unwind first.
func (t *Transaction) settledForRollback() []*Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Step, 0, len(t.order))
	for _, id := range t.order {
		if s := t.steps[id]; s.settledSeq > 0 {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].settledSeq > out[j].settledSeq })
	return out
}

// compensationsOf returns the step's actions in descending priority,
// stable for equal priorities.
func (t *Transaction) compensationsOf(s *Step) []Compensation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Compensation, len(s.compensations))
	copy(out, s.compensations)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// ============================================================================
// SNAPSHOTS
// ============================================================================

// StepSnapshot is a point-in-time copy of one step for observation.
type StepSnapshot struct {
	ID            string     `json:"id"`
	StoreKind     store.Kind `json:"store_kind"`
	Category      string     `json:"category,omitempty"`
	State         StepState  `json:"state"`
	Attempts      int        `json:"attempts"`
	CompletionSeq int        `json:"completion_seq,omitempty"`
	StoredIDs     []string   `json:"stored_ids,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Snapshot is a point-in-time copy of a transaction.
type Snapshot struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	State      TransactionState `json:"state"`
	TimedOut   bool             `json:"timed_out,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  time.Time        `json:"started_at,omitempty"`
	FinishedAt time.Time        `json:"finished_at,omitempty"`
	Steps      []StepSnapshot   `json:"steps"`
	Errors     []string         `json:"errors,omitempty"`
}

// Snapshot copies the transaction's observable state. Safe to call while
// the orchestrator is executing it.
func (t *Transaction) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		ID:         t.ID,
		Name:       t.Name,
		State:      t.state,
		TimedOut:   t.timedOut,
		CreatedAt:  t.createdAt,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
		Steps:      make([]StepSnapshot, 0, len(t.order)),
	}
	for _, id := range t.order {
		s := t.steps[id]
		ss := StepSnapshot{
			ID:            s.ID,
			StoreKind:     s.StoreKind,
			Category:      s.Op.Category,
			State:         s.state,
			Attempts:      s.attempts,
			CompletionSeq: s.settledSeq,
		}
		if s.result != nil {
			ss.StoredIDs = append(ss.StoredIDs, s.result.StoredIDs...)
		}
		if s.err != nil {
			ss.Error = s.err.Error()
		}
		snap.Steps = append(snap.Steps, ss)
	}
	for _, err := range t.errs {
		snap.Errors = append(snap.Errors, err.Error())
	}
	return snap
}
