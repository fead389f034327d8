package ecoshop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RESTDatabaseProvider implements DatabaseProvider against the self-hosted
// REST backend. Filter, sort and pagination intent serializes into a filter
// query string consumed server-side; every response is the uniform
// success/data/error envelope.
type RESTDatabaseProvider struct {
	cfg     SelfHostedConfig
	rest    *restClient
	logger  Logger
	metrics Metrics

	mu    sync.RWMutex
	ready bool
}

// NewRESTDatabaseProvider constructs the provider without touching the
// network; Initialize establishes the session.
func NewRESTDatabaseProvider(cfg SelfHostedConfig, logger Logger, metrics Metrics) *RESTDatabaseProvider {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &RESTDatabaseProvider{
		cfg:     cfg,
		rest:    newRESTClient(cfg),
		logger:  logger,
		metrics: metrics,
	}
}

func (p *RESTDatabaseProvider) Initialize(ctx context.Context) error {
	var ignored json.RawMessage
	if err := p.do(ctx, http.MethodGet, "/health", nil, nil, &ignored); err != nil {
		return WrapError(CodeNetwork, "backend health check failed", err)
	}

	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	p.logger.Info("selfhosted database provider initialized", "apiUrl", p.cfg.APIURL)
	return nil
}

func (p *RESTDatabaseProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *RESTDatabaseProvider) Dispose() error {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()
	p.rest.client.CloseIdleConnections()
	return nil
}

func (p *RESTDatabaseProvider) checkReady() error {
	if !p.IsReady() {
		return ErrNotInitialized
	}
	return nil
}

// compileQuery serializes a descriptor into the backend's filter query
// string: filter=field:op:value (repeated), sort=field:dir, limit, offset,
// select. Conditions keep call order so the server applies the same
// conjunction.
func compileRESTQuery(opts QueryOptions) (url.Values, error) {
	q := url.Values{}
	for _, c := range opts.Conditions {
		val, err := json.Marshal(c.Value)
		if err != nil {
			return nil, WrapError(CodeQuery, fmt.Sprintf("condition value for %q is not serializable", c.Field), err)
		}
		q.Add("filter", fmt.Sprintf("%s:%s:%s", c.Field, c.Operator, string(val)))
	}
	if opts.Sort != nil {
		q.Set("sort", fmt.Sprintf("%s:%s", opts.Sort.Field, opts.Sort.Direction))
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

func (p *RESTDatabaseProvider) Query(ctx context.Context, collection string, opts QueryOptions, dest interface{}) error {
	if err := p.checkReady(); err != nil {
		return err
	}
	q, err := compileRESTQuery(opts)
	if err != nil {
		return err
	}

	start := time.Now()
	var raw []json.RawMessage
	if err := p.do(ctx, http.MethodGet, "/api/"+collection, q, nil, &raw); err != nil {
		return err
	}
	p.metrics.Timing(MetricQueryDuration, time.Since(start), "collection", collection)
	p.metrics.Histogram(MetricQueryResults, float64(len(raw)), "collection", collection)

	return decodeResults(raw, dest)
}

func (p *RESTDatabaseProvider) GetByID(ctx context.Context, collection, id string, dest interface{}) error {
	if err := p.checkReady(); err != nil {
		return err
	}
	return p.do(ctx, http.MethodGet, "/api/"+collection+"/"+url.PathEscape(id), nil, nil, dest)
}

func (p *RESTDatabaseProvider) Insert(ctx context.Context, collection string, data interface{}) (string, error) {
	if err := p.checkReady(); err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/api/"+collection, nil, data, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (p *RESTDatabaseProvider) InsertMany(ctx context.Context, collection string, data []interface{}) ([]string, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}

	var created struct {
		IDs []string `json:"ids"`
	}
	if err := p.do(ctx, http.MethodPost, "/api/"+collection+"/batch", nil, map[string]interface{}{"items": data}, &created); err != nil {
		return nil, err
	}
	return created.IDs, nil
}

func (p *RESTDatabaseProvider) Update(ctx context.Context, collection, id string, partial map[string]interface{}) error {
	if err := p.checkReady(); err != nil {
		return err
	}
	var ignored json.RawMessage
	return p.do(ctx, http.MethodPatch, "/api/"+collection+"/"+url.PathEscape(id), nil, partial, &ignored)
}

func (p *RESTDatabaseProvider) UpdateMany(ctx context.Context, collection string, conditions []Condition, partial map[string]interface{}) (int, error) {
	if err := p.checkReady(); err != nil {
		return 0, err
	}
	q, err := compileRESTQuery(QueryOptions{Conditions: conditions})
	if err != nil {
		return 0, err
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := p.do(ctx, http.MethodPatch, "/api/"+collection, q, partial, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (p *RESTDatabaseProvider) Delete(ctx context.Context, collection, id string) error {
	if err := p.checkReady(); err != nil {
		return err
	}
	var ignored json.RawMessage
	return p.do(ctx, http.MethodDelete, "/api/"+collection+"/"+url.PathEscape(id), nil, nil, &ignored)
}

func (p *RESTDatabaseProvider) DeleteMany(ctx context.Context, collection string, conditions []Condition) (int, error) {
	if err := p.checkReady(); err != nil {
		return 0, err
	}
	q, err := compileRESTQuery(QueryOptions{Conditions: conditions})
	if err != nil {
		return 0, err
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := p.do(ctx, http.MethodDelete, "/api/"+collection, q, nil, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (p *RESTDatabaseProvider) Count(ctx context.Context, collection string, opts QueryOptions) (int, error) {
	if err := p.checkReady(); err != nil {
		return 0, err
	}
	q, err := compileRESTQuery(QueryOptions{Conditions: opts.Conditions})
	if err != nil {
		return 0, err
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := p.do(ctx, http.MethodGet, "/api/"+collection+"/count", q, nil, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (p *RESTDatabaseProvider) Subscribe(collection string, fn func(ChangeEvent), opts SubscribeOptions) (UnsubscribeFunc, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}
	return p.subscribeRealtime(collection, "", opts.Conditions, fn)
}

func (p *RESTDatabaseProvider) SubscribeToDocument(collection, id string, fn func(ChangeEvent)) (UnsubscribeFunc, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}
	return p.subscribeRealtime(collection, id, nil, fn)
}

func (p *RESTDatabaseProvider) CreateQuery(collection string) *QueryBuilder {
	return newQueryBuilder(p, collection)
}

// do performs one request and unwraps the response envelope into dest.
// Transport failures become NETWORK_ERROR; envelope failures keep the
// backend's error code.
func (p *RESTDatabaseProvider) do(ctx context.Context, method, path string, query url.Values, body, dest interface{}) error {
	return p.rest.doJSON(ctx, method, path, query, body, dest)
}
