// Package document implements the common store contract on a CouchDB-style
// document store over plain HTTP/JSON. Documents live in one database keyed
// collection:id, and every stored document carries a revision token; a write
// that presents a stale token loses with 409 and surfaces as a conflict.
// Unguarded writes are last-write-wins: the adapter fetches the live
// revision and retries once.
package document

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

// ============================================================================
// ADAPTER
// ============================================================================

// Adapter is the revision-token document store.
type Adapter struct {
	cfg    config.Document
	logger *zap.Logger
	stats  *store.Tracker

	mu  sync.RWMutex
	api *client
}

// New builds a disconnected adapter. Connect verifies the database exists.
func New(cfg config.Document, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		stats:  store.NewTracker(store.Document),
	}
}

func (a *Adapter) Kind() store.Kind { return store.Document }

// Connect ensures the configured database exists. Idempotent; the backend
// answers an already-created database with 412.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.api != nil {
		return nil
	}

	api := newClient(a.cfg.Endpoint, a.cfg.Username, a.cfg.Password, a.cfg.Timeout)
	status, _, err := api.do(ctx, http.MethodPut, "/"+a.cfg.Database, nil, nil, nil)
	if err != nil {
		return a.wrapTransport(err, "connect")
	}
	switch status {
	case http.StatusCreated, http.StatusAccepted, http.StatusPreconditionFailed:
	default:
		return a.statusErr(status, "connect", a.cfg.Database, "")
	}
	a.api = api
	a.logger.Info("document store connected",
		zap.String("database", a.cfg.Database))
	return nil
}

func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.api == nil {
		return nil
	}
	a.api.http.CloseIdleConnections()
	a.api = nil
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.api != nil
}

func (a *Adapter) Stats() store.Stats { return a.stats.Snapshot() }

// HealthCheck probes the database info endpoint.
func (a *Adapter) HealthCheck(ctx context.Context) store.HealthStatus {
	started := time.Now()
	status := store.HealthStatus{CheckedAt: started}

	api, err := a.session()
	if err != nil {
		status.Message = err.Error()
		return status
	}
	code, _, err := api.do(ctx, http.MethodGet, "/"+a.cfg.Database, nil, nil, nil)
	status.Latency = time.Since(started)
	a.stats.Observe("health_check", status.Latency, err)
	switch {
	case err != nil:
		status.Message = err.Error()
	case code >= 300:
		status.Message = a.statusErr(code, "health_check", a.cfg.Database, "").Error()
	default:
		status.Healthy = true
	}
	return status
}

// ============================================================================
// DOCUMENT ENVELOPE
// ============================================================================

// docEnvelope is the wire form of a stored record: the record's fields plus
// the namespacing and revision bookkeeping the backend needs.
type docEnvelope struct {
	ID         string         `json:"_id"`
	Rev        string         `json:"_rev,omitempty"`
	Collection string         `json:"collection"`
	RecordID   string         `json:"record_id"`
	Fields     map[string]any `json:"fields"`
	StoredAt   time.Time      `json:"stored_at"`
}

func (env *docEnvelope) toRecord() *store.Record {
	fields := env.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return &store.Record{
		Collection: env.Collection,
		ID:         env.RecordID,
		Fields:     fields,
		Rev:        env.Rev,
		StoredAt:   env.StoredAt,
	}
}

func newEnvelope(rec *store.Record) *docEnvelope {
	return &docEnvelope{
		ID:         docIDOf(rec.Collection, rec.ID),
		Collection: rec.Collection,
		RecordID:   rec.ID,
		Fields:     rec.Fields,
		StoredAt:   time.Now().UTC(),
	}
}

// docIDOf namespaces record ids inside the shared database.
func docIDOf(collection, id string) string { return collection + ":" + id }

type writeAck struct {
	OK     bool   `json:"ok"`
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ============================================================================
// WRITES
// ============================================================================

// WriteOne stores a record. A populated Rev makes the write conditional on
// that revision; without one the adapter resolves a clash by fetching the
// live revision and retrying once.
func (a *Adapter) WriteOne(ctx context.Context, rec *store.Record) (rcpt *store.WriteReceipt, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("write_one", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, err
	}

	env := newEnvelope(rec)
	if rec.Rev != "" {
		env.Rev = rec.Rev
		ack, status, derr := a.putDoc(ctx, api, env)
		if derr != nil {
			return nil, derr
		}
		if status == http.StatusConflict {
			return nil, errors.Conflict(rec.Collection, rec.ID)
		}
		return &store.WriteReceipt{ID: rec.ID, Rev: ack.Rev, StoredAt: env.StoredAt}, nil
	}

	ack, status, derr := a.putDoc(ctx, api, env)
	if derr != nil {
		return nil, derr
	}
	if status == http.StatusConflict {
		cur, ok, gerr := a.fetch(ctx, api, env.ID)
		if gerr != nil {
			return nil, gerr
		}
		if ok {
			env.Rev = cur.Rev
		}
		ack, status, derr = a.putDoc(ctx, api, env)
		if derr != nil {
			return nil, derr
		}
		if status == http.StatusConflict {
			return nil, errors.Conflict(rec.Collection, rec.ID)
		}
	}
	return &store.WriteReceipt{ID: rec.ID, Rev: ack.Rev, StoredAt: env.StoredAt}, nil
}

// WriteBatch bulk-writes records. The adapter prefetches live revisions so
// unguarded items upsert; a per-item revision clash inside the bulk call
// becomes that item's conflict outcome.
func (a *Adapter) WriteBatch(ctx context.Context, recs []*store.Record) (outs []store.ItemOutcome, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("write_batch", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(recs))
	for i, rec := range recs {
		keys[i] = docIDOf(rec.Collection, rec.ID)
	}
	revs, err := a.liveRevs(ctx, api, keys)
	if err != nil {
		return nil, err
	}

	docs := make([]*docEnvelope, len(recs))
	for i, rec := range recs {
		env := newEnvelope(rec)
		if rec.Rev != "" {
			env.Rev = rec.Rev
		} else if rev, ok := revs[env.ID]; ok {
			env.Rev = rev
		}
		docs[i] = env
	}

	var acks []writeAck
	status, _, derr := api.do(ctx, http.MethodPost, "/"+a.cfg.Database+"/_bulk_docs", nil,
		map[string]any{"docs": docs}, &acks)
	if derr != nil {
		return nil, a.wrapTransport(derr, "write_batch")
	}
	if status >= 300 {
		return nil, a.statusErr(status, "write_batch", a.cfg.Database, "")
	}

	outcomes := make([]store.ItemOutcome, len(recs))
	for i, rec := range recs {
		outcomes[i] = store.ItemOutcome{Index: i}
		if i >= len(acks) {
			outcomes[i].Err = errors.New(errors.KindInternal, "bulk response shorter than request")
			continue
		}
		ack := acks[i]
		switch {
		case ack.Error == "conflict":
			outcomes[i].Err = errors.Conflict(rec.Collection, rec.ID)
		case ack.Error != "":
			outcomes[i].Err = errors.Newf(errors.KindInternal, "bulk write rejected: %s (%s)", ack.Error, ack.Reason).
				WithStore(string(store.Document))
		default:
			outcomes[i].Receipt = &store.WriteReceipt{ID: rec.ID, Rev: ack.Rev, StoredAt: docs[i].StoredAt}
		}
	}
	return outcomes, nil
}

func (a *Adapter) putDoc(ctx context.Context, api *client, env *docEnvelope) (writeAck, int, error) {
	var ack writeAck
	status, _, err := api.do(ctx, http.MethodPut, a.docPath(env.ID), nil, env, &ack)
	if err != nil {
		return ack, 0, a.wrapTransport(err, "write_one")
	}
	if status < 300 || status == http.StatusConflict {
		return ack, status, nil
	}
	return ack, status, a.statusErr(status, "write_one", env.Collection, env.RecordID)
}

// ============================================================================
// READS
// ============================================================================

func (a *Adapter) ReadOne(ctx context.Context, collection, id string, projection []string) (rec *store.Record, ok bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("read_one", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, false, err
	}
	env, ok, err := a.fetch(ctx, api, docIDOf(collection, id))
	if err != nil || !ok {
		return nil, false, err
	}
	out := env.toRecord()
	if len(projection) > 0 {
		kept := make(map[string]any, len(projection))
		for _, key := range projection {
			if v, present := out.Fields[key]; present {
				kept[key] = v
			}
		}
		out.Fields = kept
	}
	return out, true, nil
}

type allDocsRow struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value struct {
		Rev     string `json:"rev"`
		Deleted bool   `json:"deleted"`
	} `json:"value"`
	Doc   *docEnvelope `json:"doc"`
	Error string       `json:"error"`
}

type allDocsResponse struct {
	Rows []allDocsRow `json:"rows"`
}

func (a *Adapter) ReadBatch(ctx context.Context, collection string, ids []string) (out map[string]*store.Record, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("read_batch", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, err
	}
	out = make(map[string]*store.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docIDOf(collection, id)
	}
	var resp allDocsResponse
	status, _, derr := api.do(ctx, http.MethodPost, "/"+a.cfg.Database+"/_all_docs",
		url.Values{"include_docs": {"true"}}, map[string]any{"keys": keys}, &resp)
	if derr != nil {
		return nil, a.wrapTransport(derr, "read_batch")
	}
	if status >= 300 {
		return nil, a.statusErr(status, "read_batch", collection, "")
	}
	for _, row := range resp.Rows {
		if row.Error != "" || row.Value.Deleted || row.Doc == nil {
			continue
		}
		rec := row.Doc.toRecord()
		out[rec.ID] = rec
	}
	return out, nil
}

func (a *Adapter) ExistsBatch(ctx context.Context, collection string, ids []string) (out map[string]bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("exists_batch", time.Since(started), err) }()

	api, err := a.session()
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

	keys := make([]string, len(ids))
	byKey := make(map[string]string, len(ids))
	for i, id := range ids {
		keys[i] = docIDOf(collection, id)
		byKey[keys[i]] = id
	}
	var resp allDocsResponse
	status, _, derr := api.do(ctx, http.MethodPost, "/"+a.cfg.Database+"/_all_docs", nil,
		map[string]any{"keys": keys}, &resp)
	if derr != nil {
		return nil, a.wrapTransport(derr, "exists_batch")
	}
	if status >= 300 {
		return nil, a.statusErr(status, "exists_batch", collection, "")
	}
	for _, row := range resp.Rows {
		if row.Error != "" || row.Value.Deleted {
			continue
		}
		key := row.ID
		if key == "" {
			key = row.Key
		}
		if id, known := byKey[key]; known {
			out[id] = true
		}
	}
	return out, nil
}

func (a *Adapter) fetch(ctx context.Context, api *client, docID string) (*docEnvelope, bool, error) {
	var env docEnvelope
	status, _, err := api.do(ctx, http.MethodGet, a.docPath(docID), nil, nil, &env)
	if err != nil {
		return nil, false, a.wrapTransport(err, "read_one")
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if status >= 300 {
		return nil, false, a.statusErr(status, "read_one", "", docID)
	}
	return &env, true, nil
}

// ============================================================================
// DELETE AND NATIVE QUERIES
// ============================================================================

// Delete removes a document. The backend requires the live revision, taken
// from the ETag of a HEAD probe.
func (a *Adapter) Delete(ctx context.Context, collection, id string) (existed bool, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("delete", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return false, err
	}
	path := a.docPath(docIDOf(collection, id))

	status, header, derr := api.do(ctx, http.MethodHead, path, nil, nil, nil)
	if derr != nil {
		return false, a.wrapTransport(derr, "delete")
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status >= 300 {
		return false, a.statusErr(status, "delete", collection, id)
	}
	rev := strings.Trim(header.Get("ETag"), `"`)

	status, _, derr = api.do(ctx, http.MethodDelete, path, url.Values{"rev": {rev}}, nil, nil)
	if derr != nil {
		return false, a.wrapTransport(derr, "delete")
	}
	switch {
	case status == http.StatusNotFound:
		return false, nil
	case status >= 300:
		return false, a.statusErr(status, "delete", collection, id)
	}
	return true, nil
}

// QueryNative runs a Mango-style find. Expression is the JSON query body;
// Params shallow-merge over it, so limit, skip and sort bind without string
// editing. Results materialize in one page.
func (a *Adapter) QueryNative(ctx context.Context, q store.NativeQuery) (it store.Iterator, err error) {
	started := time.Now()
	defer func() { a.stats.Observe("query_native", time.Since(started), err) }()

	api, err := a.session()
	if err != nil {
		return nil, err
	}

	body := map[string]any{}
	if q.Expression != "" {
		if uerr := json.Unmarshal([]byte(q.Expression), &body); uerr != nil {
			return nil, errors.BadRequest("native query expression is not a JSON object").WithCause(uerr)
		}
	}
	for k, v := range q.Params {
		body[k] = v
	}
	if _, ok := body["selector"]; !ok {
		body["selector"] = map[string]any{}
	}

	var resp struct {
		Docs []*docEnvelope `json:"docs"`
	}
	status, _, derr := api.do(ctx, http.MethodPost, "/"+a.cfg.Database+"/_find", nil, body, &resp)
	if derr != nil {
		return nil, a.wrapTransport(derr, "query_native")
	}
	if status >= 300 {
		return nil, a.statusErr(status, "query_native", a.cfg.Database, "")
	}
	recs := make([]*store.Record, 0, len(resp.Docs))
	for _, env := range resp.Docs {
		recs = append(recs, env.toRecord())
	}
	return store.NewSliceIterator(recs), nil
}

// ============================================================================
// PLUMBING
// ============================================================================

func (a *Adapter) docPath(docID string) string {
	return "/" + a.cfg.Database + "/" + url.PathEscape(docID)
}

func (a *Adapter) session() (*client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.api == nil {
		return nil, errors.StoreUnavailable(string(store.Document))
	}
	return a.api, nil
}

func (a *Adapter) liveRevs(ctx context.Context, api *client, keys []string) (map[string]string, error) {
	var resp allDocsResponse
	status, _, err := api.do(ctx, http.MethodPost, "/"+a.cfg.Database+"/_all_docs", nil,
		map[string]any{"keys": keys}, &resp)
	if err != nil {
		return nil, a.wrapTransport(err, "write_batch")
	}
	if status >= 300 {
		return nil, a.statusErr(status, "write_batch", a.cfg.Database, "")
	}
	revs := make(map[string]string, len(resp.Rows))
	for _, row := range resp.Rows {
		if row.Error == "" && !row.Value.Deleted && row.Value.Rev != "" {
			revs[row.ID] = row.Value.Rev
		}
	}
	return revs, nil
}

func (a *Adapter) wrapTransport(err error, op string) error {
	kindName := string(store.Document)
	var uerr *url.Error
	switch {
	case stderrors.Is(err, context.Canceled):
		return errors.Cancelled(op).WithStore(kindName)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Timeout(op, a.cfg.Timeout).WithStore(kindName)
	case stderrors.As(err, &uerr) && uerr.Timeout():
		return errors.Timeout(op, a.cfg.Timeout).WithStore(kindName).WithCause(err)
	default:
		return errors.TransientTransport(kindName, op, err)
	}
}

func (a *Adapter) statusErr(status int, op, resource, id string) error {
	kindName := string(store.Document)
	switch {
	case status == http.StatusConflict:
		return errors.Conflict(resource, id)
	case status == http.StatusBadRequest:
		return errors.BadRequest("document store rejected the request").WithStore(kindName).WithOp(op)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.StoreUnavailable(kindName).WithOp(op)
	case status == http.StatusTooManyRequests:
		return errors.TransientTransport(kindName, op, nil).WithRetryAfter(time.Second)
	case status >= 500:
		return errors.TransientTransport(kindName, op, nil)
	default:
		return errors.Newf(errors.KindInternal, "document store returned status %d", status).
			WithStore(kindName).WithOp(op)
	}
}
