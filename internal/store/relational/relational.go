// Package relational implements the common store contract on PostgreSQL.
// Every collection shares one records table keyed by (collection, id) with a
// jsonb payload column; relationship rows additionally carry expression
// indexes so the join-table fallback stays queryable by endpoint. Revisions
// are monotonic per row and guard concurrent writers whenever the caller
// presents one.
package relational

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

// ============================================================================
// ADAPTER
// ============================================================================

// Adapter is the PostgreSQL-backed relational store.
type Adapter struct {
	cfg    config.Relational
	logger *zap.Logger
	stats  *store.Tracker

	mu sync.RWMutex
	db *sqlx.DB
}

// New builds a disconnected adapter. Connect establishes the pool.
func New(cfg config.Relational, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		stats:  store.NewTracker(store.Relational),
	}
}

// newWithDB wires a pre-built handle; tests substitute sqlmock through it.
func newWithDB(db *sqlx.DB, cfg config.Relational, logger *zap.Logger) *Adapter {
	a := New(cfg, logger)
	a.db = db
	return a
}

func (a *Adapter) Kind() store.Kind { return store.Relational }

// Connect opens the pool and, when configured, brings the schema current.
// Idempotent: a second call on a live adapter is a no-op.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}

	db, err := sqlx.ConnectContext(ctx, "pgx", a.cfg.DSN)
	if err != nil {
		return a.wrap(err, "connect")
	}
	if a.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(a.cfg.MaxOpenConns)
	}
	if a.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(a.cfg.MaxIdleConns)
	}
	if a.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(a.cfg.ConnMaxLifetime)
	}
	a.db = db

	if a.cfg.MigrateOnStart {
		if err := a.migrateLocked(ctx); err != nil {
			_ = db.Close()
			a.db = nil
			return err
		}
	}
	a.logger.Info("relational store connected",
		zap.Int("max_open_conns", a.cfg.MaxOpenConns),
		zap.Bool("migrated", a.cfg.MigrateOnStart))
	return nil
}

func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.db != nil
}

func (a *Adapter) Stats() store.Stats { return a.stats.Snapshot() }

// HealthCheck pings the backend within the query budget.
func (a *Adapter) HealthCheck(ctx context.Context) store.HealthStatus {
	started := time.Now()
	status := store.HealthStatus{CheckedAt: started}

	db, err := a.handle()
	if err != nil {
		status.Message = err.Error()
		return status
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	err = db.PingContext(ctx)
	status.Latency = time.Since(started)
	a.stats.Observe("health_check", status.Latency, err)
	if err != nil {
		status.Message = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

// ============================================================================
// WRITES
// ============================================================================

const upsertSQL = `
INSERT INTO records (collection, id, fields, rev, stored_at)
VALUES ($1, $2, $3, 1, now())
ON CONFLICT (collection, id)
DO UPDATE SET fields = EXCLUDED.fields, rev = records.rev + 1, stored_at = now()
RETURNING rev, stored_at`

const guardedUpsertSQL = `
INSERT INTO records (collection, id, fields, rev, stored_at)
VALUES ($1, $2, $3, 1, now())
ON CONFLICT (collection, id)
DO UPDATE SET fields = EXCLUDED.fields, rev = records.rev + 1, stored_at = now()
WHERE records.rev = $4
RETURNING rev, stored_at`

// WriteOne upserts a record. A populated Rev makes the write conditional on
// that revision; losing the race yields a conflict.
func (a *Adapter) WriteOne(ctx context.Context, rec *store.Record) (rcpt *store.WriteReceipt, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("write_one", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, errors.BadRequest("record fields not serializable").WithCause(err).WithStore(string(store.Relational))
	}
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	var (
		rev      int64
		storedAt time.Time
	)
	if rec.Rev != "" {
		prev, perr := strconv.ParseInt(rec.Rev, 10, 64)
		if perr != nil {
			return nil, errors.BadRequest("malformed revision token").WithCause(perr)
		}
		err = db.QueryRowxContext(ctx, guardedUpsertSQL, rec.Collection, rec.ID, payload, prev).Scan(&rev, &storedAt)
	} else {
		err = db.QueryRowxContext(ctx, upsertSQL, rec.Collection, rec.ID, payload).Scan(&rev, &storedAt)
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Conflict(rec.Collection, rec.ID)
	}
	if err != nil {
		return nil, a.wrap(err, "write_one")
	}
	return &store.WriteReceipt{ID: rec.ID, Rev: strconv.FormatInt(rev, 10), StoredAt: storedAt}, nil
}

// WriteBatch upserts records inside one transaction, isolating each item
// behind a savepoint so a constraint failure surfaces as that item's outcome
// without poisoning the rest. Batch items are never revision-guarded.
func (a *Adapter) WriteBatch(ctx context.Context, recs []*store.Record) (outs []store.ItemOutcome, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("write_batch", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, a.wrap(err, "write_batch")
	}
	defer func() { _ = tx.Rollback() }()

	outcomes := make([]store.ItemOutcome, len(recs))
	for i, rec := range recs {
		outcomes[i] = store.ItemOutcome{Index: i}
		payload, merr := json.Marshal(rec.Fields)
		if merr != nil {
			outcomes[i].Err = errors.BadRequest("record fields not serializable").WithCause(merr)
			continue
		}
		sp := fmt.Sprintf("sp_%d", i)
		if _, serr := tx.ExecContext(ctx, "SAVEPOINT "+sp); serr != nil {
			return nil, a.wrap(serr, "write_batch")
		}
		var (
			rev      int64
			storedAt time.Time
		)
		qerr := tx.QueryRowxContext(ctx, upsertSQL, rec.Collection, rec.ID, payload).Scan(&rev, &storedAt)
		if qerr != nil {
			if _, rerr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rerr != nil {
				return nil, a.wrap(rerr, "write_batch")
			}
			outcomes[i].Err = a.wrap(qerr, "write_batch")
			continue
		}
		outcomes[i].Receipt = &store.WriteReceipt{
			ID:       rec.ID,
			Rev:      strconv.FormatInt(rev, 10),
			StoredAt: storedAt,
		}
	}
	if cerr := tx.Commit(); cerr != nil {
		return nil, a.wrap(cerr, "write_batch")
	}
	return outcomes, nil
}

// ============================================================================
// READS
// ============================================================================

const readOneSQL = `SELECT fields, rev, stored_at FROM records WHERE collection = $1 AND id = $2`

func (a *Adapter) ReadOne(ctx context.Context, collection, id string, projection []string) (rec *store.Record, ok bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("read_one", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, false, err
	}
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	var row recordRow
	err = db.GetContext(ctx, &row, readOneSQL, collection, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, a.wrap(err, "read_one")
	}
	out, err := row.toRecord(collection, id)
	if err != nil {
		return nil, false, err
	}
	if len(projection) > 0 {
		out.Fields = projectFields(out.Fields, projection)
	}
	return out, true, nil
}

const readBatchSQL = `SELECT id, fields, rev, stored_at FROM records WHERE collection = ? AND id IN (?)`

func (a *Adapter) ReadBatch(ctx context.Context, collection string, ids []string) (out map[string]*store.Record, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("read_batch", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, err
	}
	out = make(map[string]*store.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(readBatchSQL, collection, ids)
	if err != nil {
		return nil, errors.Internal("batch read query build failed", err)
	}
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	rows, err := db.QueryxContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return nil, a.wrap(err, "read_batch")
	}
	defer rows.Close()

	for rows.Next() {
		var row recordRow
		if serr := rows.StructScan(&row); serr != nil {
			return nil, a.wrap(serr, "read_batch")
		}
		rec, rerr := row.toRecord(collection, row.ID)
		if rerr != nil {
			return nil, rerr
		}
		out[row.ID] = rec
	}
	if rerr := rows.Err(); rerr != nil {
		return nil, a.wrap(rerr, "read_batch")
	}
	return out, nil
}

const existsBatchSQL = `SELECT id FROM records WHERE collection = ? AND id IN (?)`

func (a *Adapter) ExistsBatch(ctx context.Context, collection string, ids []string) (out map[string]bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("exists_batch", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, err
	}
	out = make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = false
	}
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(existsBatchSQL, collection, ids)
	if err != nil {
		return nil, errors.Internal("exists query build failed", err)
	}
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	rows, err := db.QueryxContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return nil, a.wrap(err, "exists_batch")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if serr := rows.Scan(&id); serr != nil {
			return nil, a.wrap(serr, "exists_batch")
		}
		out[id] = true
	}
	if rerr := rows.Err(); rerr != nil {
		return nil, a.wrap(rerr, "exists_batch")
	}
	return out, nil
}

// ============================================================================
// DELETE AND NATIVE QUERIES
// ============================================================================

const deleteSQL = `DELETE FROM records WHERE collection = $1 AND id = $2`

func (a *Adapter) Delete(ctx context.Context, collection, id string) (existed bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("delete", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return false, err
	}
	ctx, cancel := a.opCtx(ctx)
	defer cancel()

	res, err := db.ExecContext(ctx, deleteSQL, collection, id)
	if err != nil {
		return false, a.wrap(err, "delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, a.wrap(err, "delete")
	}
	return n > 0, nil
}

// QueryNative runs a caller-supplied SQL expression with :name parameter
// binding. The expression should project records columns (id, fields, rev,
// stored_at); missing columns leave the matching Record fields zero. The
// iterator holds a connection until Close.
func (a *Adapter) QueryNative(ctx context.Context, q store.NativeQuery) (it store.Iterator, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("query_native", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, err
	}
	params := q.Params
	if params == nil {
		params = map[string]any{}
	}
	rows, err := db.NamedQueryContext(ctx, q.Expression, params)
	if err != nil {
		return nil, a.wrap(err, "query_native")
	}
	return &rowIterator{rows: rows}, nil
}

type rowIterator struct {
	rows *sqlx.Rows
	cur  *store.Record
	err  error
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	row := map[string]any{}
	if err := it.rows.MapScan(row); err != nil {
		it.err = err
		return false
	}
	rec := &store.Record{Fields: map[string]any{}}
	if v, ok := row["collection"].(string); ok {
		rec.Collection = v
	}
	if v, ok := row["id"].(string); ok {
		rec.ID = v
	}
	switch v := row["fields"].(type) {
	case []byte:
		if err := json.Unmarshal(v, &rec.Fields); err != nil {
			it.err = err
			return false
		}
	case string:
		if err := json.Unmarshal([]byte(v), &rec.Fields); err != nil {
			it.err = err
			return false
		}
	}
	if v, ok := row["rev"].(int64); ok {
		rec.Rev = strconv.FormatInt(v, 10)
	}
	if v, ok := row["stored_at"].(time.Time); ok {
		rec.StoredAt = v
	}
	it.cur = rec
	return true
}

func (it *rowIterator) Record() *store.Record { return it.cur }
func (it *rowIterator) Err() error            { return it.err }
func (it *rowIterator) Close() error          { return it.rows.Close() }

// ============================================================================
// ROW MAPPING AND ERROR TRANSLATION
// ============================================================================

type recordRow struct {
	ID       string    `db:"id"`
	Fields   []byte    `db:"fields"`
	Rev      int64     `db:"rev"`
	StoredAt time.Time `db:"stored_at"`
}

func (r recordRow) toRecord(collection, id string) (*store.Record, error) {
	fields := make(map[string]any)
	if len(r.Fields) > 0 {
		if err := json.Unmarshal(r.Fields, &fields); err != nil {
			return nil, errors.Internal("stored fields unreadable", err)
		}
	}
	return &store.Record{
		Collection: collection,
		ID:         id,
		Fields:     fields,
		Rev:        strconv.FormatInt(r.Rev, 10),
		StoredAt:   r.StoredAt,
	}, nil
}

// projectFields keeps only the requested keys; absent keys are dropped.
func projectFields(fields map[string]any, projection []string) map[string]any {
	kept := make(map[string]any, len(projection))
	for _, key := range projection {
		if v, ok := fields[key]; ok {
			kept[key] = v
		}
	}
	return kept
}

func (a *Adapter) handle() (*sqlx.DB, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.db == nil {
		return nil, errors.StoreUnavailable(string(store.Relational))
	}
	return a.db, nil
}

func (a *Adapter) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.cfg.QueryTimeout)
}

// wrap translates driver errors into the coordinator taxonomy.
func (a *Adapter) wrap(err error, op string) error {
	kindName := string(store.Relational)
	var pgErr *pgconn.PgError
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Timeout(op, a.cfg.QueryTimeout).WithStore(kindName)
	case stderrors.Is(err, context.Canceled):
		return errors.Cancelled(op).WithStore(kindName)
	case stderrors.As(err, &pgErr):
		switch {
		case pgErr.Code == "23505":
			return errors.Newf(errors.KindConflict, "unique constraint %s violated", pgErr.ConstraintName).
				WithStore(kindName).WithOp(op).WithCause(err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return errors.TransientTransport(kindName, op, err)
		case pgErr.Code == "57014":
			return errors.Timeout(op, a.cfg.QueryTimeout).WithStore(kindName).WithCause(err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return errors.TransientTransport(kindName, op, err)
		case strings.HasPrefix(pgErr.Code, "42"):
			return errors.BadRequest(pgErr.Message).WithStore(kindName).WithOp(op).WithCause(err)
		}
		return errors.Internal("relational query failed", err).WithOp(op)
	case stderrors.Is(err, driver.ErrBadConn):
		return errors.TransientTransport(kindName, op, err)
	default:
		var netErr net.Error
		if stderrors.As(err, &netErr) {
			return errors.TransientTransport(kindName, op, err)
		}
		return errors.Internal("relational operation failed", err).WithOp(op)
	}
}
