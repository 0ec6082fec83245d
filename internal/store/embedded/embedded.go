// Package embedded implements the common store contract on a single-file
// bbolt database: the last-resort store that keeps critical writes alive
// when every networked backend is down. One bucket per collection, JSON
// envelopes, monotonic per-record revisions.
package embedded

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

// ============================================================================
// ADAPTER
// ============================================================================

// Adapter is the embedded fallback store.
type Adapter struct {
	cfg    config.Embedded
	logger *zap.Logger
	stats  *store.Tracker

	mu sync.RWMutex
	db *bolt.DB
}

// New builds a closed adapter. Connect opens (and creates) the database
// file.
func New(cfg config.Embedded, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		stats:  store.NewTracker(store.Embedded),
	}
}

func (a *Adapter) Kind() store.Kind { return store.Embedded }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.Path), 0o755); err != nil {
		return errors.Internal("create embedded store directory", err)
	}
	db, err := bolt.Open(a.cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return errors.StoreUnavailable(string(store.Embedded)).WithOp("connect").WithCause(err)
	}
	a.db = db
	a.logger.Info("embedded store opened", zap.String("path", a.cfg.Path))
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

func (a *Adapter) HealthCheck(ctx context.Context) store.HealthStatus {
	started := time.Now()
	status := store.HealthStatus{CheckedAt: started}

	db, err := a.handle()
	if err != nil {
		status.Message = err.Error()
		return status
	}
	err = db.View(func(tx *bolt.Tx) error { return nil })
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
// ENVELOPE
// ============================================================================

// envelope is the stored form of a record: fields plus the revision and
// write-time bookkeeping.
type envelope struct {
	Fields   map[string]any `json:"fields"`
	Rev      int64          `json:"rev"`
	StoredAt time.Time      `json:"stored_at"`
}

func (e envelope) toRecord(collection, id string) *store.Record {
	return &store.Record{
		Collection: collection,
		ID:         id,
		Fields:     e.Fields,
		Rev:        strconv.FormatInt(e.Rev, 10),
		StoredAt:   e.StoredAt,
	}
}

// ============================================================================
// WRITES
// ============================================================================

func (a *Adapter) WriteOne(ctx context.Context, rec *store.Record) (rcpt *store.WriteReceipt, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("write_one", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, berr := tx.CreateBucketIfNotExists([]byte(rec.Collection))
		if berr != nil {
			return errors.Internal("create bucket "+rec.Collection, berr)
		}
		receipt, werr := putRecord(b, rec)
		if werr != nil {
			return werr
		}
		rcpt = receipt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rcpt, nil
}

// WriteBatch writes all records in one transaction with per-item outcomes:
// a failed item contributes its error and the rest still commit.
func (a *Adapter) WriteBatch(ctx context.Context, recs []*store.Record) (outcomes []store.ItemOutcome, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("write_batch", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, err
	}
	outcomes = make([]store.ItemOutcome, len(recs))
	err = db.Update(func(tx *bolt.Tx) error {
		for i, rec := range recs {
			outcomes[i] = store.ItemOutcome{Index: i}
			b, berr := tx.CreateBucketIfNotExists([]byte(rec.Collection))
			if berr != nil {
				return errors.Internal("create bucket "+rec.Collection, berr)
			}
			receipt, werr := putRecord(b, rec)
			if werr != nil {
				outcomes[i].Err = werr
				continue
			}
			outcomes[i].Receipt = receipt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// putRecord applies the revision rule inside a write transaction: a guarded
// write must present the live revision, an unguarded write wins and bumps
// it.
func putRecord(b *bolt.Bucket, rec *store.Record) (*store.WriteReceipt, error) {
	rev := int64(0)
	if data := b.Get([]byte(rec.ID)); data != nil {
		var current envelope
		if err := json.Unmarshal(data, &current); err != nil {
			return nil, errors.Internal("decode stored record "+rec.ID, err)
		}
		rev = current.Rev
	}
	if rec.Rev != "" {
		want, perr := strconv.ParseInt(rec.Rev, 10, 64)
		if perr != nil || rev == 0 || want != rev {
			return nil, errors.Conflict(rec.Collection, rec.ID)
		}
	}
	next := envelope{Fields: rec.Fields, Rev: rev + 1, StoredAt: time.Now().UTC()}
	data, err := json.Marshal(next)
	if err != nil {
		return nil, errors.BadRequest("record fields are not serializable").
			WithStore(string(store.Embedded)).WithCause(err)
	}
	if err := b.Put([]byte(rec.ID), data); err != nil {
		return nil, errors.Internal("store record "+rec.ID, err)
	}
	return &store.WriteReceipt{
		ID:       rec.ID,
		Rev:      strconv.FormatInt(next.Rev, 10),
		StoredAt: next.StoredAt,
	}, nil
}

// ============================================================================
// READS
// ============================================================================

func (a *Adapter) ReadOne(ctx context.Context, collection, id string, projection []string) (rec *store.Record, ok bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("read_one", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, false, err
	}
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var env envelope
		if uerr := json.Unmarshal(data, &env); uerr != nil {
			return errors.Internal("decode stored record "+id, uerr)
		}
		rec = env.toRecord(collection, id)
		return nil
	})
	if err != nil || rec == nil {
		return nil, false, err
	}
	if len(projection) > 0 {
		kept := make(map[string]any, len(projection))
		for _, key := range projection {
			if v, present := rec.Fields[key]; present {
				kept[key] = v
			}
		}
		rec.Fields = kept
	}
	return rec, true, nil
}

func (a *Adapter) ReadBatch(ctx context.Context, collection string, ids []string) (out map[string]*store.Record, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("read_batch", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, err
	}
	out = make(map[string]*store.Record, len(ids))
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var env envelope
			if uerr := json.Unmarshal(data, &env); uerr != nil {
				return errors.Internal("decode stored record "+id, uerr)
			}
			out[id] = env.toRecord(collection, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) ExistsBatch(ctx context.Context, collection string, ids []string) (out map[string]bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("exists_batch", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, err
	}
	out = make(map[string]bool, len(ids))
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		for _, id := range ids {
			out[id] = b != nil && b.Get([]byte(id)) != nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// DELETE AND NATIVE QUERY
// ============================================================================

func (a *Adapter) Delete(ctx context.Context, collection, id string) (existed bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("delete", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return false, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil || b.Get([]byte(id)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(id))
	})
	if err != nil {
		return false, errors.Internal("delete record "+id, err)
	}
	return existed, nil
}

// QueryNative scans a bucket with an equality filter. The expression is a
// JSON object: {"collection": "...", "filter": {...}, "limit": N}; params
// merge over it.
func (a *Adapter) QueryNative(ctx context.Context, q store.NativeQuery) (it store.Iterator, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("query_native", time.Since(started), err) }()

	db, err := a.handle()
	if err != nil {
		return nil, err
	}

	body := map[string]any{}
	if strings.TrimSpace(q.Expression) != "" {
		if uerr := json.Unmarshal([]byte(q.Expression), &body); uerr != nil {
			return nil, errors.BadRequest("native query expression is not a JSON object").
				WithStore(string(store.Embedded)).WithOp("query_native").WithCause(uerr)
		}
	}
	for k, v := range q.Params {
		body[k] = v
	}
	collection, _ := body["collection"].(string)
	if collection == "" {
		return nil, errors.BadRequest("native query names no collection").
			WithStore(string(store.Embedded)).WithOp("query_native")
	}
	filter, _ := body["filter"].(map[string]any)
	limit := 0
	if n, ok := body["limit"].(float64); ok {
		limit = int(n)
	}

	var recs []*store.Record
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if limit > 0 && len(recs) >= limit {
				return nil
			}
			var env envelope
			if uerr := json.Unmarshal(v, &env); uerr != nil {
				return errors.Internal("decode stored record "+string(k), uerr)
			}
			for fk, fv := range filter {
				if !reflect.DeepEqual(env.Fields[fk], fv) {
					return nil
				}
			}
			recs = append(recs, env.toRecord(collection, string(k)))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return store.NewSliceIterator(recs), nil
}

// ============================================================================
// PLUMBING
// ============================================================================

func (a *Adapter) handle() (*bolt.DB, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.db == nil {
		return nil, errors.StoreUnavailable(string(store.Embedded))
	}
	return a.db, nil
}
