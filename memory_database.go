package ecoshop

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryDatabaseProvider is an in-process DatabaseProvider used for tests,
// offline development and as the reference semantics every real backend is
// checked against. It emits real change events.
type MemoryDatabaseProvider struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]interface{}
	ready       bool

	subMu   sync.Mutex
	subs    map[int]*memorySubscription
	nextSub int

	logger  Logger
	metrics Metrics
}

type memorySubscription struct {
	collection string
	documentID string
	conditions []Condition
	fn         func(ChangeEvent)
}

// NewMemoryDatabaseProvider creates an empty in-memory provider.
func NewMemoryDatabaseProvider(logger Logger, metrics Metrics) *MemoryDatabaseProvider {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &MemoryDatabaseProvider{
		collections: make(map[string]map[string]map[string]interface{}),
		subs:        make(map[int]*memorySubscription),
		logger:      logger,
		metrics:     metrics,
	}
}

func (p *MemoryDatabaseProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	return nil
}

func (p *MemoryDatabaseProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *MemoryDatabaseProvider) Dispose() error {
	p.mu.Lock()
	p.ready = false
	p.collections = make(map[string]map[string]map[string]interface{})
	p.mu.Unlock()

	p.subMu.Lock()
	p.subs = make(map[int]*memorySubscription)
	p.subMu.Unlock()
	return nil
}

func (p *MemoryDatabaseProvider) checkReady() error {
	if !p.IsReady() {
		return ErrNotInitialized
	}
	return nil
}

func (p *MemoryDatabaseProvider) Query(ctx context.Context, collection string, opts QueryOptions, dest interface{}) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	start := time.Now()
	p.mu.RLock()
	docs := make([]map[string]interface{}, 0, len(p.collections[collection]))
	for _, doc := range p.collections[collection] {
		if matchConditions(doc, opts.Conditions) {
			docs = append(docs, copyDocument(doc))
		}
	}
	p.mu.RUnlock()

	docs = applyQueryShape(docs, opts)

	p.metrics.Timing(MetricQueryDuration, time.Since(start), "collection", collection)
	p.metrics.Histogram(MetricQueryResults, float64(len(docs)), "collection", collection)

	raw := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		b, err := json.Marshal(doc)
		if err != nil {
			return WrapError(CodeQuery, "failed to encode document", err)
		}
		raw = append(raw, b)
	}
	return decodeResults(raw, dest)
}

func (p *MemoryDatabaseProvider) GetByID(ctx context.Context, collection, id string, dest interface{}) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	p.mu.RLock()
	doc, ok := p.collections[collection][id]
	if ok {
		doc = copyDocument(doc)
	}
	p.mu.RUnlock()
	if !ok {
		return ErrNotFound.WithDetails(map[string]interface{}{"collection": collection, "id": id})
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return WrapError(CodeQuery, "failed to encode document", err)
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return WrapError(CodeQuery, "failed to decode document", err)
	}
	return nil
}

func (p *MemoryDatabaseProvider) Insert(ctx context.Context, collection string, data interface{}) (string, error) {
	if err := p.checkReady(); err != nil {
		return "", err
	}

	doc, err := toDocument(data)
	if err != nil {
		return "", err
	}

	id, _ := doc["id"].(string)
	if id == "" {
		id = NewID()
		doc["id"] = id
	}

	p.mu.Lock()
	if p.collections[collection] == nil {
		p.collections[collection] = make(map[string]map[string]interface{})
	}
	p.collections[collection][id] = doc
	p.mu.Unlock()

	p.metrics.Increment(MetricDBOps, "operation", "insert", "backend", "memory")
	p.emit(ChangeEvent{Type: ChangeInsert, Collection: collection, DocumentID: id, NewData: doc, Timestamp: time.Now()})
	return id, nil
}

func (p *MemoryDatabaseProvider) InsertMany(ctx context.Context, collection string, data []interface{}) ([]string, error) {
	ids := make([]string, 0, len(data))
	for _, item := range data {
		id, err := p.Insert(ctx, collection, item)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *MemoryDatabaseProvider) Update(ctx context.Context, collection, id string, partial map[string]interface{}) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	p.mu.Lock()
	doc, ok := p.collections[collection][id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound.WithDetails(map[string]interface{}{"collection": collection, "id": id})
	}
	old := copyDocument(doc)
	for k, v := range partial {
		doc[k] = v
	}
	updated := copyDocument(doc)
	p.mu.Unlock()

	p.metrics.Increment(MetricDBOps, "operation", "update", "backend", "memory")
	p.emit(ChangeEvent{Type: ChangeUpdate, Collection: collection, DocumentID: id, OldData: old, NewData: updated, Timestamp: time.Now()})
	return nil
}

func (p *MemoryDatabaseProvider) UpdateMany(ctx context.Context, collection string, conditions []Condition, partial map[string]interface{}) (int, error) {
	if err := p.checkReady(); err != nil {
		return 0, err
	}

	p.mu.RLock()
	var ids []string
	for id, doc := range p.collections[collection] {
		if matchConditions(doc, conditions) {
			ids = append(ids, id)
		}
	}
	p.mu.RUnlock()

	for _, id := range ids {
		if err := p.Update(ctx, collection, id, partial); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (p *MemoryDatabaseProvider) Delete(ctx context.Context, collection, id string) error {
	if err := p.checkReady(); err != nil {
		return err
	}

	p.mu.Lock()
	doc, ok := p.collections[collection][id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound.WithDetails(map[string]interface{}{"collection": collection, "id": id})
	}
	delete(p.collections[collection], id)
	p.mu.Unlock()

	p.metrics.Increment(MetricDBOps, "operation", "delete", "backend", "memory")
	p.emit(ChangeEvent{Type: ChangeDelete, Collection: collection, DocumentID: id, OldData: doc, Timestamp: time.Now()})
	return nil
}

func (p *MemoryDatabaseProvider) DeleteMany(ctx context.Context, collection string, conditions []Condition) (int, error) {
	if err := p.checkReady(); err != nil {
		return 0, err
	}

	p.mu.RLock()
	var ids []string
	for id, doc := range p.collections[collection] {
		if matchConditions(doc, conditions) {
			ids = append(ids, id)
		}
	}
	p.mu.RUnlock()

	for _, id := range ids {
		if err := p.Delete(ctx, collection, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (p *MemoryDatabaseProvider) Count(ctx context.Context, collection string, opts QueryOptions) (int, error) {
	if err := p.checkReady(); err != nil {
		return 0, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, doc := range p.collections[collection] {
		if matchConditions(doc, opts.Conditions) {
			count++
		}
	}
	return count, nil
}

func (p *MemoryDatabaseProvider) Subscribe(collection string, fn func(ChangeEvent), opts SubscribeOptions) (UnsubscribeFunc, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}
	return p.addSubscription(&memorySubscription{collection: collection, conditions: opts.Conditions, fn: fn}), nil
}

func (p *MemoryDatabaseProvider) SubscribeToDocument(collection, id string, fn func(ChangeEvent)) (UnsubscribeFunc, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}
	return p.addSubscription(&memorySubscription{collection: collection, documentID: id, fn: fn}), nil
}

func (p *MemoryDatabaseProvider) CreateQuery(collection string) *QueryBuilder {
	return newQueryBuilder(p, collection)
}

func (p *MemoryDatabaseProvider) addSubscription(sub *memorySubscription) UnsubscribeFunc {
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = sub
	p.subMu.Unlock()

	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

func (p *MemoryDatabaseProvider) emit(event ChangeEvent) {
	p.subMu.Lock()
	targets := make([]*memorySubscription, 0, len(p.subs))
	for _, sub := range p.subs {
		targets = append(targets, sub)
	}
	p.subMu.Unlock()

	for _, sub := range targets {
		if sub.collection != event.Collection {
			continue
		}
		if sub.documentID != "" && sub.documentID != event.DocumentID {
			continue
		}
		if len(sub.conditions) > 0 {
			doc := event.NewData
			if doc == nil {
				doc = event.OldData
			}
			if !matchConditions(doc, sub.conditions) {
				continue
			}
		}
		sub.fn(event)
	}
}

// applyQueryShape sorts, offsets, limits and projects an already-filtered
// document set according to the descriptor.
func applyQueryShape(docs []map[string]interface{}, opts QueryOptions) []map[string]interface{} {
	if opts.Sort != nil {
		field, dir := opts.Sort.Field, opts.Sort.Direction
		sort.SliceStable(docs, func(i, j int) bool {
			a, _ := lookupField(docs[i], field)
			b, _ := lookupField(docs[j], field)
			cmp := compareValues(a, b)
			if cmp == 2 {
				return false
			}
			if dir == SortDesc {
				return cmp > 0
			}
			return cmp < 0
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(docs) {
			return nil
		}
		docs = docs[opts.Offset:]
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}

	if len(opts.Fields) > 0 {
		projected := make([]map[string]interface{}, len(docs))
		for i, doc := range docs {
			out := make(map[string]interface{}, len(opts.Fields)+1)
			if id, ok := doc["id"]; ok {
				out["id"] = id
			}
			for _, f := range opts.Fields {
				if v, ok := lookupField(doc, f); ok {
					out[f] = v
				}
			}
			projected[i] = out
		}
		return projected
	}

	return docs
}

func copyDocument(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
