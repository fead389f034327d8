package ecoshop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SupabaseDatabaseProvider implements DatabaseProvider over the PostgREST
// API Supabase exposes for every table. Conditions compile into
// field=op.value query parameters; the server applies them conjunctively.
type SupabaseDatabaseProvider struct {
	cfg     SupabaseConfig
	client  *http.Client
	logger  Logger
	metrics Metrics

	mu    sync.RWMutex
	ready bool

	watchMu  sync.Mutex
	watchers map[int]*snapshotWatcher
	nextID   int
}

// NewSupabaseDatabaseProvider constructs the provider without any I/O.
func NewSupabaseDatabaseProvider(cfg SupabaseConfig, logger Logger, metrics Metrics) *SupabaseDatabaseProvider {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &SupabaseDatabaseProvider{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.timeout()},
		logger:   logger,
		metrics:  metrics,
		watchers: make(map[int]*snapshotWatcher),
	}
}

func (p *SupabaseDatabaseProvider) Initialize(ctx context.Context) error {
	// PostgREST has no dedicated health endpoint; the API root responds to
	// any authenticated request.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(p.cfg.URL, "/")+"/rest/v1/", nil)
	if err != nil {
		return WrapError(CodeInvalidConfig, "invalid supabase url", err)
	}
	p.setHeaders(req, false)

	resp, err := p.client.Do(req)
	if err != nil {
		return WrapError(CodeNetwork, "supabase unreachable", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return NewError(CodeUnauthorized, "supabase rejected the anon key")
	}

	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	p.logger.Info("supabase database provider initialized", "url", p.cfg.URL, "schema", p.cfg.schema())
	return nil
}

func (p *SupabaseDatabaseProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *SupabaseDatabaseProvider) Dispose() error {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()

	p.watchMu.Lock()
	for _, w := range p.watchers {
		w.stop()
	}
	p.watchers = make(map[int]*snapshotWatcher)
	p.watchMu.Unlock()

	p.client.CloseIdleConnections()
	return nil
}

func (p *SupabaseDatabaseProvider) checkReady() error {
	if !p.IsReady() {
		return ErrNotInitialized
	}
	return nil
}

// compileSupabaseQuery maps the descriptor onto PostgREST query parameters.
func compileSupabaseQuery(opts QueryOptions) (url.Values, error) {
	q := url.Values{}
	for _, c := range opts.Conditions {
		expr, err := supabaseFilter(c)
		if err != nil {
			return nil, err
		}
		q.Add(c.Field, expr)
	}
	if opts.Sort != nil {
		dir := "asc"
		if opts.Sort.Direction == SortDesc {
			dir = "desc"
		}
		q.Set("order", opts.Sort.Field+"."+dir)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Fields) > 0 {
		q.Set("select", strings.Join(opts.Fields, ","))
	}
	return q, nil
}

func supabaseFilter(c Condition) (string, error) {
	var op string
	switch c.Operator {
	case OpEqual:
		op = "eq"
	case OpNotEqual:
		op = "neq"
	case OpGreaterThan:
		op = "gt"
	case OpGreaterOrEqual:
		op = "gte"
	case OpLessThan:
		op = "lt"
	case OpLessOrEqual:
		op = "lte"
	case OpIn:
		items, err := supabaseList(c.Value)
		if err != nil {
			return "", err
		}
		return "in.(" + items + ")", nil
	case OpContains:
		s, ok := c.Value.(string)
		if !ok {
			return "", Errorf(CodeQuery, "contains on %q requires a string value", c.Field)
		}
		return "like.*" + s + "*", nil
	default:
		return "", Errorf(CodeQuery, "operator %q is not supported by the supabase backend", c.Operator)
	}
	return op + "." + supabaseLiteral(c.Value), nil
}

func supabaseLiteral(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func supabaseList(v interface{}) (string, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return "", WrapError(CodeQuery, "in-list value is not serializable", err)
	}
	var items []interface{}
	if err := json.Unmarshal(doc, &items); err != nil {
		return "", Errorf(CodeQuery, "in operator requires a list value")
	}
	parts := make([]string, len(items))
	for i, item := range items {
		if s, ok := item.(string); ok {
			parts[i] = `"` + s + `"`
		} else {
			parts[i] = supabaseLiteral(item)
		}
	}
	return strings.Join(parts, ","), nil
}

func (p *SupabaseDatabaseProvider) Query(ctx context.Context, collection string, opts QueryOptions, dest interface{}) error {
	if err := p.checkReady(); err != nil {
		return err
	}
	q, err := compileSupabaseQuery(opts)
	if err != nil {
		return err
	}

	start := time.Now()
	var raw []json.RawMessage
	if err := p.rest(ctx, http.MethodGet, collection, q, nil, nil, &raw); err != nil {
		return err
	}
	p.metrics.Timing(MetricQueryDuration, time.Since(start), "collection", collection)
	p.metrics.Histogram(MetricQueryResults, float64(len(raw)), "collection", collection)

	return decodeResults(raw, dest)
}

func (p *SupabaseDatabaseProvider) GetByID(ctx context.Context, collection, id string, dest interface{}) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("limit", "1")

	var raw []json.RawMessage
	if err := p.rest(ctx, http.MethodGet, collection, q, nil, nil, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return ErrNotFound.WithDetails(map[string]interface{}{"collection": collection, "id": id})
	}
	if err := json.Unmarshal(raw[0], dest); err != nil {
		return WrapError(CodeQuery, "failed to decode row", err)
	}
	return nil
}

func (p *SupabaseDatabaseProvider) Insert(ctx context.Context, collection string, data interface{}) (string, error) {
	if err := p.checkReady(); err != nil {
		return "", err
	}

	var rows []struct {
		ID interface{} `json:"id"`
	}
	headers := map[string]string{"Prefer": "return=representation"}
	if err := p.rest(ctx, http.MethodPost, collection, nil, headers, data, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", NewError(CodeQuery, "insert returned no rows")
	}
	return fmt.Sprintf("%v", rows[0].ID), nil
}

func (p *SupabaseDatabaseProvider) InsertMany(ctx context.Context, collection string, data []interface{}) ([]string, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}

	var rows []struct {
		ID interface{} `json:"id"`
	}
	headers := map[string]string{"Prefer": "return=representation"}
	if err := p.rest(ctx, http.MethodPost, collection, nil, headers, data, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = fmt.Sprintf("%v", row.ID)
	}
	return ids, nil
}

func (p *SupabaseDatabaseProvider) Update(ctx context.Context, collection, id string, partial map[string]interface{}) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	q := url.Values{}
	q.Set("id", "eq."+id)

	var rows []json.RawMessage
	headers := map[string]string{"Prefer": "return=representation"}
	if err := p.rest(ctx, http.MethodPatch, collection, q, headers, partial, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound.WithDetails(map[string]interface{}{"collection": collection, "id": id})
	}
	return nil
}

func (p *SupabaseDatabaseProvider) UpdateMany(ctx context.Context, collection string, conditions []Condition, partial map[string]interface{}) (int, error) {
	if err := p.checkReady(); err != nil {
		return 0, err
	}
	q, err := compileSupabaseQuery(QueryOptions{Conditions: conditions})
	if err != nil {
		return 0, err
	}

	var rows []json.RawMessage
	headers := map[string]string{"Prefer": "return=representation"}
	if err := p.rest(ctx, http.MethodPatch, collection, q, headers, partial, &rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (p *SupabaseDatabaseProvider) Delete(ctx context.Context, collection, id string) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	q := url.Values{}
	q.Set("id", "eq."+id)

	var rows []json.RawMessage
	headers := map[string]string{"Prefer": "return=representation"}
	if err := p.rest(ctx, http.MethodDelete, collection, q, headers, nil, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound.WithDetails(map[string]interface{}{"collection": collection, "id": id})
	}
	return nil
}

func (p *SupabaseDatabaseProvider) DeleteMany(ctx context.Context, collection string, conditions []Condition) (int, error) {
	if err := p.checkReady(); err != nil {
		return 0, err
	}
	q, err := compileSupabaseQuery(QueryOptions{Conditions: conditions})
	if err != nil {
		return 0, err
	}

	var rows []json.RawMessage
	headers := map[string]string{"Prefer": "return=representation"}
	if err := p.rest(ctx, http.MethodDelete, collection, q, headers, nil, &rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (p *SupabaseDatabaseProvider) Count(ctx context.Context, collection string, opts QueryOptions) (int, error) {
	if err := p.checkReady(); err != nil {
		return 0, err
	}
	q, err := compileSupabaseQuery(QueryOptions{Conditions: opts.Conditions})
	if err != nil {
		return 0, err
	}
	q.Set("select", "id")
	q.Set("limit", "1")

	headers := map[string]string{"Prefer": "count=exact"}
	count := -1
	onResponse := func(resp *http.Response) {
		// Content-Range looks like "0-0/42"; the total follows the slash.
		parts := strings.SplitN(resp.Header.Get("Content-Range"), "/", 2)
		if len(parts) == 2 {
			if n, err := strconv.Atoi(parts[1]); err == nil {
				count = n
			}
		}
	}

	var rows []json.RawMessage
	if err := p.restWithResponse(ctx, http.MethodGet, collection, q, headers, nil, &rows, onResponse); err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, NewError(CodeQuery, "supabase did not return an exact count")
	}
	return count, nil
}

// Subscribe watches the table by polling snapshots and diffing against the
// cached previous state. Insert/update/delete classification therefore
// inherits the documented delete+recreate limitation of snapshot diffing.
func (p *SupabaseDatabaseProvider) Subscribe(collection string, fn func(ChangeEvent), opts SubscribeOptions) (UnsubscribeFunc, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}
	return p.watch(collection, "", opts, fn)
}

func (p *SupabaseDatabaseProvider) SubscribeToDocument(collection, id string, fn func(ChangeEvent)) (UnsubscribeFunc, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}
	return p.watch(collection, id, SubscribeOptions{}, fn)
}

func (p *SupabaseDatabaseProvider) watch(collection, documentID string, opts SubscribeOptions, fn func(ChangeEvent)) (UnsubscribeFunc, error) {
	fetch := func(ctx context.Context) (map[string]map[string]interface{}, error) {
		queryOpts := QueryOptions{Conditions: opts.Conditions}
		if documentID != "" {
			queryOpts.Conditions = []Condition{{Field: "id", Operator: OpEqual, Value: documentID}}
		}

		var docs []map[string]interface{}
		if err := p.Query(ctx, collection, queryOpts, &docs); err != nil {
			return nil, err
		}
		snapshot := make(map[string]map[string]interface{}, len(docs))
		for _, doc := range docs {
			if id, ok := doc["id"]; ok {
				snapshot[fmt.Sprintf("%v", id)] = doc
			}
		}
		return snapshot, nil
	}

	w := newSnapshotWatcher(collection, opts.PollInterval, fetch, fn, p.logger)

	p.watchMu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = w
	p.watchMu.Unlock()

	w.start()

	return func() {
		p.watchMu.Lock()
		if w, ok := p.watchers[id]; ok {
			delete(p.watchers, id)
			w.stop()
		}
		p.watchMu.Unlock()
	}, nil
}

func (p *SupabaseDatabaseProvider) CreateQuery(collection string) *QueryBuilder {
	return newQueryBuilder(p, collection)
}

func (p *SupabaseDatabaseProvider) setHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("apikey", p.cfg.AnonKey)
	req.Header.Set("Authorization", "Bearer "+p.cfg.AnonKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Profile", p.cfg.schema())
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Profile", p.cfg.schema())
	}
}

func (p *SupabaseDatabaseProvider) rest(ctx context.Context, method, collection string, query url.Values, headers map[string]string, body, dest interface{}) error {
	return p.restWithResponse(ctx, method, collection, query, headers, body, dest, nil)
}

func (p *SupabaseDatabaseProvider) restWithResponse(ctx context.Context, method, collection string, query url.Values, headers map[string]string, body, dest interface{}, onResponse func(*http.Response)) error {
	endpoint := strings.TrimSuffix(p.cfg.URL, "/") + "/rest/v1/" + url.PathEscape(collection)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return WrapError(CodeValidation, "request body is not serializable", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return WrapError(CodeQuery, "failed to build request", err)
	}
	p.setHeaders(req, body != nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return WrapError(CodeCancelled, "request aborted", ctx.Err())
		}
		return WrapError(CodeNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	if onResponse != nil {
		onResponse(resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return WrapError(CodeNetwork, "failed to read response", err)
	}

	if resp.StatusCode >= 400 {
		var pgErr struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		_ = json.Unmarshal(payload, &pgErr)
		if pgErr.Message == "" {
			pgErr.Message = fmt.Sprintf("supabase returned status %d", resp.StatusCode)
		}
		return statusError(resp.StatusCode, NewError(CodeQuery, pgErr.Message))
	}

	if dest == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return WrapError(CodeQuery, "failed to decode response", err)
	}
	return nil
}

// snapshotWatcher periodically fetches a collection snapshot and emits the
// diff against the previous one as change events.
type snapshotWatcher struct {
	collection string
	interval   time.Duration
	fetch      func(context.Context) (map[string]map[string]interface{}, error)
	logger     Logger

	cancel context.CancelFunc
	ctx    context.Context

	differ *snapshotDiffer
}

func newSnapshotWatcher(collection string, interval time.Duration, fetch func(context.Context) (map[string]map[string]interface{}, error), fn func(ChangeEvent), logger Logger) *snapshotWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &snapshotWatcher{
		collection: collection,
		interval:   interval,
		fetch:      fetch,
		logger:     logger,
		cancel:     cancel,
		ctx:        ctx,
		differ:     &snapshotDiffer{collection: collection, fn: fn},
	}
}

func (w *snapshotWatcher) start() {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
			}

			next, err := w.fetch(w.ctx)
			if err != nil {
				if !IsCancelled(err) {
					w.logger.Warn("snapshot poll failed", "collection", w.collection, "error", err)
				}
				continue
			}
			w.differ.apply(next)
		}
	}()
}

func (w *snapshotWatcher) stop() {
	w.cancel()
}
