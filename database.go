package ecoshop

import (
	"context"
	"encoding/json"
	"reflect"
	"time"
)

// ChangeType classifies a change-feed event.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one observed mutation on a collection.
type ChangeEvent struct {
	Type       ChangeType             `json:"type"`
	Collection string                 `json:"collection"`
	DocumentID string                 `json:"documentId"`
	OldData    map[string]interface{} `json:"oldData,omitempty"`
	NewData    map[string]interface{} `json:"newData,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// SubscribeOptions filters and tunes a collection subscription.
type SubscribeOptions struct {
	// Conditions limit events to documents matching all of them.
	Conditions []Condition

	// PollInterval applies to backends that watch by polling snapshots.
	PollInterval time.Duration
}

// UnsubscribeFunc stops a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// DatabaseProvider is the capability contract every backend family
// implements. All methods translate backend SDK failures into *Error values;
// no raw SDK error crosses this boundary.
//
// Initialize must complete before any other method is called. A failed
// Initialize is fatal to the instance; construct a new one to retry.
// Dispose releases backend resources and is safe to call even when
// Initialize never ran or failed.
type DatabaseProvider interface {
	Initialize(ctx context.Context) error
	IsReady() bool
	Dispose() error

	Query(ctx context.Context, collection string, opts QueryOptions, dest interface{}) error
	GetByID(ctx context.Context, collection, id string, dest interface{}) error
	Insert(ctx context.Context, collection string, data interface{}) (string, error)
	InsertMany(ctx context.Context, collection string, data []interface{}) ([]string, error)
	Update(ctx context.Context, collection, id string, partial map[string]interface{}) error
	UpdateMany(ctx context.Context, collection string, conditions []Condition, partial map[string]interface{}) (int, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteMany(ctx context.Context, collection string, conditions []Condition) (int, error)
	Count(ctx context.Context, collection string, opts QueryOptions) (int, error)

	Subscribe(collection string, fn func(ChangeEvent), opts SubscribeOptions) (UnsubscribeFunc, error)
	SubscribeToDocument(collection, id string, fn func(ChangeEvent)) (UnsubscribeFunc, error)

	CreateQuery(collection string) *QueryBuilder
}

// classifyChange infers the event type by comparing the cached previous
// document state to the new snapshot: absence to presence is an insert,
// presence to absence a delete, anything else an update.
//
// Known limitation: a delete immediately followed by a recreate of the same
// id inside one snapshot interval is observed as a single update. This is
// inherent to snapshot diffing and intentionally not papered over.
func classifyChange(prev, next map[string]interface{}) (ChangeType, bool) {
	switch {
	case prev == nil && next == nil:
		return "", false
	case prev == nil:
		return ChangeInsert, true
	case next == nil:
		return ChangeDelete, true
	case reflect.DeepEqual(prev, next):
		return "", false
	default:
		return ChangeUpdate, true
	}
}

// snapshotDiffer turns successive collection snapshots into change events
// using classifyChange. The first snapshot primes the cache silently so
// subscribers only see mutations that happen after they attach.
type snapshotDiffer struct {
	collection string
	fn         func(ChangeEvent)
	prev       map[string]map[string]interface{}
}

func (d *snapshotDiffer) apply(next map[string]map[string]interface{}) {
	now := time.Now()
	if d.prev == nil {
		d.prev = next
		return
	}

	for id, doc := range next {
		old := d.prev[id]
		if changeType, changed := classifyChange(old, doc); changed {
			d.fn(ChangeEvent{
				Type:       changeType,
				Collection: d.collection,
				DocumentID: id,
				OldData:    old,
				NewData:    doc,
				Timestamp:  now,
			})
		}
	}
	for id, old := range d.prev {
		if _, still := next[id]; !still {
			d.fn(ChangeEvent{
				Type:       ChangeDelete,
				Collection: d.collection,
				DocumentID: id,
				OldData:    old,
				Timestamp:  now,
			})
		}
	}

	d.prev = next
}

// decodeResults re-marshals a slice of raw documents into dest, which must
// be a pointer to a slice.
func decodeResults(results []json.RawMessage, dest interface{}) error {
	if raw, ok := dest.(*[]json.RawMessage); ok {
		*raw = results
		return nil
	}

	arr, err := json.Marshal(results)
	if err != nil {
		return WrapError(CodeQuery, "failed to assemble result set", err)
	}
	if err := json.Unmarshal(arr, dest); err != nil {
		return WrapError(CodeQuery, "failed to decode result set", err)
	}
	return nil
}

// toDocument converts any JSON-serializable value into a generic document
// map, the lingua franca of condition matching and snapshot diffing.
func toDocument(data interface{}) (map[string]interface{}, error) {
	if doc, ok := data.(map[string]interface{}); ok {
		return doc, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, WrapError(CodeValidation, "value is not JSON-serializable", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, WrapError(CodeValidation, "value is not a JSON object", err)
	}
	return doc, nil
}
