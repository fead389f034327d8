package ecoshop

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreDatabaseProvider implements DatabaseProvider on Cloud Firestore.
// Conditions map 1:1 onto native field/operator/value triples composed
// conjunctively; operators Firestore cannot express (substring match) fail
// loudly instead of silently dropping the filter.
type FirestoreDatabaseProvider struct {
	cfg     FirebaseConfig
	client  *firestore.Client
	logger  Logger
	metrics Metrics

	mu    sync.RWMutex
	ready bool
}

// NewFirestoreDatabaseProvider constructs the provider; the Firestore
// client connection is established by Initialize.
func NewFirestoreDatabaseProvider(cfg FirebaseConfig, logger Logger, metrics Metrics) *FirestoreDatabaseProvider {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &FirestoreDatabaseProvider{cfg: cfg, logger: logger, metrics: metrics}
}

func (p *FirestoreDatabaseProvider) Initialize(ctx context.Context) error {
	var opts []option.ClientOption
	if p.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(p.cfg.CredentialsFile))
	}
	// Application Default Credentials are used when no file is configured.

	client, err := firestore.NewClient(ctx, p.cfg.ProjectID, opts...)
	if err != nil {
		return WrapError(CodeNetwork, "failed to create firestore client", err)
	}

	p.mu.Lock()
	p.client = client
	p.ready = true
	p.mu.Unlock()
	p.logger.Info("firestore database provider initialized", "projectId", p.cfg.ProjectID)
	return nil
}

func (p *FirestoreDatabaseProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *FirestoreDatabaseProvider) Dispose() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.ready = false
	p.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

func (p *FirestoreDatabaseProvider) getClient() (*firestore.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.ready || p.client == nil {
		return nil, ErrNotInitialized
	}
	return p.client, nil
}

// firestoreOperator translates a portable operator into Firestore's form.
func firestoreOperator(op Operator) (string, error) {
	switch op {
	case OpEqual:
		return "==", nil
	case OpNotEqual:
		return "!=", nil
	case OpGreaterThan:
		return ">", nil
	case OpGreaterOrEqual:
		return ">=", nil
	case OpLessThan:
		return "<", nil
	case OpLessOrEqual:
		return "<=", nil
	case OpIn:
		return "in", nil
	default:
		return "", Errorf(CodeQuery, "operator %q is not supported by the firestore backend", op)
	}
}

// compileFirestoreQuery applies the descriptor onto a native query.
func compileFirestoreQuery(q firestore.Query, opts QueryOptions) (firestore.Query, error) {
	for _, c := range opts.Conditions {
		op, err := firestoreOperator(c.Operator)
		if err != nil {
			return q, err
		}
		q = q.Where(c.Field, op, c.Value)
	}
	if opts.Sort != nil {
		dir := firestore.Asc
		if opts.Sort.Direction == SortDesc {
			dir = firestore.Desc
		}
		q = q.OrderBy(opts.Sort.Field, dir)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if len(opts.Fields) > 0 {
		q = q.Select(opts.Fields...)
	}
	return q, nil
}

func (p *FirestoreDatabaseProvider) Query(ctx context.Context, collection string, opts QueryOptions, dest interface{}) error {
	client, err := p.getClient()
	if err != nil {
		return err
	}

	q, err := compileFirestoreQuery(client.Collection(collection).Query, opts)
	if err != nil {
		return err
	}

	start := time.Now()
	iter := q.Documents(ctx)
	defer iter.Stop()

	var raw []json.RawMessage
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return firestoreError("query", err)
		}
		doc := snap.Data()
		doc["id"] = snap.Ref.ID
		b, err := json.Marshal(doc)
		if err != nil {
			return WrapError(CodeQuery, "failed to encode document", err)
		}
		raw = append(raw, b)
	}

	p.metrics.Timing(MetricQueryDuration, time.Since(start), "collection", collection)
	p.metrics.Histogram(MetricQueryResults, float64(len(raw)), "collection", collection)

	return decodeResults(raw, dest)
}

func (p *FirestoreDatabaseProvider) GetByID(ctx context.Context, collection, id string, dest interface{}) error {
	client, err := p.getClient()
	if err != nil {
		return err
	}

	snap, err := client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		return firestoreError("get", err)
	}

	doc := snap.Data()
	doc["id"] = snap.Ref.ID
	b, err := json.Marshal(doc)
	if err != nil {
		return WrapError(CodeQuery, "failed to encode document", err)
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return WrapError(CodeQuery, "failed to decode document", err)
	}
	return nil
}

func (p *FirestoreDatabaseProvider) Insert(ctx context.Context, collection string, data interface{}) (string, error) {
	client, err := p.getClient()
	if err != nil {
		return "", err
	}

	doc, err := toDocument(data)
	if err != nil {
		return "", err
	}

	if id, _ := doc["id"].(string); id != "" {
		delete(doc, "id")
		if _, err := client.Collection(collection).Doc(id).Set(ctx, doc); err != nil {
			return "", firestoreError("insert", err)
		}
		return id, nil
	}

	ref, _, err := client.Collection(collection).Add(ctx, doc)
	if err != nil {
		return "", firestoreError("insert", err)
	}
	return ref.ID, nil
}

func (p *FirestoreDatabaseProvider) InsertMany(ctx context.Context, collection string, data []interface{}) ([]string, error) {
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

func (p *FirestoreDatabaseProvider) Update(ctx context.Context, collection, id string, partial map[string]interface{}) error {
	client, err := p.getClient()
	if err != nil {
		return err
	}

	updates := make([]firestore.Update, 0, len(partial))
	for k, v := range partial {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}

	if _, err := client.Collection(collection).Doc(id).Update(ctx, updates); err != nil {
		return firestoreError("update", err)
	}
	return nil
}

func (p *FirestoreDatabaseProvider) UpdateMany(ctx context.Context, collection string, conditions []Condition, partial map[string]interface{}) (int, error) {
	ids, err := p.matchingIDs(ctx, collection, conditions)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := p.Update(ctx, collection, id, partial); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (p *FirestoreDatabaseProvider) Delete(ctx context.Context, collection, id string) error {
	client, err := p.getClient()
	if err != nil {
		return err
	}

	if _, err := client.Collection(collection).Doc(id).Delete(ctx); err != nil {
		return firestoreError("delete", err)
	}
	return nil
}

func (p *FirestoreDatabaseProvider) DeleteMany(ctx context.Context, collection string, conditions []Condition) (int, error) {
	ids, err := p.matchingIDs(ctx, collection, conditions)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := p.Delete(ctx, collection, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (p *FirestoreDatabaseProvider) Count(ctx context.Context, collection string, opts QueryOptions) (int, error) {
	client, err := p.getClient()
	if err != nil {
		return 0, err
	}

	q, err := compileFirestoreQuery(client.Collection(collection).Query, QueryOptions{Conditions: opts.Conditions})
	if err != nil {
		return 0, err
	}

	// Key-only scan; Select with no fields fetches document names only.
	iter := q.Select().Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, firestoreError("count", err)
		}
		count++
	}
	return count, nil
}

func (p *FirestoreDatabaseProvider) matchingIDs(ctx context.Context, collection string, conditions []Condition) ([]string, error) {
	client, err := p.getClient()
	if err != nil {
		return nil, err
	}

	q, err := compileFirestoreQuery(client.Collection(collection).Query, QueryOptions{Conditions: conditions})
	if err != nil {
		return nil, err
	}

	iter := q.Select().Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, firestoreError("query", err)
		}
		ids = append(ids, snap.Ref.ID)
	}
	return ids, nil
}

// Subscribe attaches a native snapshot listener and classifies each
// delivered snapshot by diffing against the cached previous state (the same
// inference every backend family uses, with the same documented
// delete+recreate limitation).
func (p *FirestoreDatabaseProvider) Subscribe(collection string, fn func(ChangeEvent), opts SubscribeOptions) (UnsubscribeFunc, error) {
	client, err := p.getClient()
	if err != nil {
		return nil, err
	}

	q, err := compileFirestoreQuery(client.Collection(collection).Query, QueryOptions{Conditions: opts.Conditions})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	differ := &snapshotDiffer{collection: collection, fn: fn}

	go func() {
		snaps := q.Snapshots(ctx)
		defer snaps.Stop()

		for {
			snap, err := snaps.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					p.logger.Warn("firestore listener stopped", "collection", collection, "error", err)
				}
				return
			}

			next := make(map[string]map[string]interface{}, snap.Size)
			iter := snap.Documents
			for {
				doc, err := iter.Next()
				if err == iterator.Done {
					break
				}
				if err != nil {
					p.logger.Warn("firestore snapshot read failed", "collection", collection, "error", err)
					break
				}
				data := doc.Data()
				data["id"] = doc.Ref.ID
				next[doc.Ref.ID] = data
			}
			differ.apply(next)
		}
	}()

	return func() { cancel() }, nil
}

func (p *FirestoreDatabaseProvider) SubscribeToDocument(collection, id string, fn func(ChangeEvent)) (UnsubscribeFunc, error) {
	client, err := p.getClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	differ := &snapshotDiffer{collection: collection, fn: fn}

	go func() {
		snaps := client.Collection(collection).Doc(id).Snapshots(ctx)
		defer snaps.Stop()

		for {
			snap, err := snaps.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					p.logger.Warn("firestore listener stopped", "collection", collection, "id", id, "error", err)
				}
				return
			}

			next := make(map[string]map[string]interface{}, 1)
			if snap.Exists() {
				data := snap.Data()
				data["id"] = snap.Ref.ID
				next[snap.Ref.ID] = data
			}
			differ.apply(next)
		}
	}()

	return func() { cancel() }, nil
}

func (p *FirestoreDatabaseProvider) CreateQuery(collection string) *QueryBuilder {
	return newQueryBuilder(p, collection)
}

// firestoreError maps grpc status codes onto the shared error taxonomy.
func firestoreError(op string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return ErrNotFound
	case codes.PermissionDenied, codes.Unauthenticated:
		return WrapError(CodeUnauthorized, "firestore "+op+" rejected", err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return WrapError(CodeNetwork, "firestore unreachable", err)
	case codes.Canceled:
		return WrapError(CodeCancelled, "firestore "+op+" cancelled", err)
	default:
		return WrapError(CodeQuery, "firestore "+op+" failed", err)
	}
}
