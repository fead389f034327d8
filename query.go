package ecoshop

import (
	"context"
	"encoding/json"
	"strings"
)

// Operator is a backend-agnostic filter operator. Each backend compiles it
// into its native form; a backend that cannot express an operator must fail
// with QUERY_ERROR rather than silently drop the condition.
type Operator string

const (
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
	OpGreaterThan    Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLessThan       Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpIn             Operator = "in"
	OpContains       Operator = "contains"
)

// SortDirection orders query results by a single field.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Condition is one (field, operator, value) filter. Conditions accumulate in
// call order and always combine conjunctively.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// Sort is the single optional (field, direction) ordering of a query.
type Sort struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// QueryOptions is the backend-agnostic descriptor a QueryBuilder accumulates
// and a DatabaseProvider compiles into its native query form.
//
// When Sort is nil, result order is whatever the backend returns natively;
// the module makes no ordering guarantee in that case.
type QueryOptions struct {
	Conditions []Condition `json:"conditions,omitempty"`
	Sort       *Sort       `json:"sort,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Offset     int         `json:"offset,omitempty"`
	Fields     []string    `json:"fields,omitempty"`
}

// queryRunner is the slice of DatabaseProvider a QueryBuilder needs to
// execute its accumulated descriptor.
type queryRunner interface {
	Query(ctx context.Context, collection string, opts QueryOptions, dest interface{}) error
	Count(ctx context.Context, collection string, opts QueryOptions) (int, error)
}

// QueryBuilder provides a fluent interface for accumulating filter, sort and
// pagination intent before a terminal operation executes it against the
// active backend. Builder methods perform no I/O.
type QueryBuilder struct {
	runner     queryRunner
	collection string
	opts       QueryOptions
}

func newQueryBuilder(runner queryRunner, collection string) *QueryBuilder {
	return &QueryBuilder{runner: runner, collection: collection}
}

// Where appends a filter condition. Conditions combine as a conjunction in
// call order.
func (q *QueryBuilder) Where(field string, op Operator, value interface{}) *QueryBuilder {
	q.opts.Conditions = append(q.opts.Conditions, Condition{Field: field, Operator: op, Value: value})
	return q
}

// OrderBy sets the single sort field and direction. Calling it again
// replaces the previous sort.
func (q *QueryBuilder) OrderBy(field string, direction SortDirection) *QueryBuilder {
	q.opts.Sort = &Sort{Field: field, Direction: direction}
	return q
}

// Limit caps the number of results.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.opts.Limit = n
	return q
}

// Offset skips the first n results.
func (q *QueryBuilder) Offset(n int) *QueryBuilder {
	q.opts.Offset = n
	return q
}

// Select restricts the fields returned by backends that support projection.
func (q *QueryBuilder) Select(fields ...string) *QueryBuilder {
	q.opts.Fields = fields
	return q
}

// Options returns a copy of the accumulated descriptor.
func (q *QueryBuilder) Options() QueryOptions {
	opts := q.opts
	opts.Conditions = append([]Condition(nil), q.opts.Conditions...)
	if q.opts.Sort != nil {
		s := *q.opts.Sort
		opts.Sort = &s
	}
	opts.Fields = append([]string(nil), q.opts.Fields...)
	return opts
}

// Get executes the query and unmarshals all matching documents into dest,
// which must be a pointer to a slice.
func (q *QueryBuilder) Get(ctx context.Context, dest interface{}) error {
	return q.runner.Query(ctx, q.collection, q.Options(), dest)
}

// First executes the query with limit 1 and unmarshals the single result
// into dest. Returns false when no document matched. This is defined as
// Limit(1).Get() taking index 0 for every backend.
func (q *QueryBuilder) First(ctx context.Context, dest interface{}) (bool, error) {
	opts := q.Options()
	opts.Limit = 1

	var raw []json.RawMessage
	if err := q.runner.Query(ctx, q.collection, opts, &raw); err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw[0], dest); err != nil {
		return false, WrapError(CodeQuery, "failed to decode first result", err)
	}
	return true, nil
}

// Count returns the number of matching documents without fetching them.
func (q *QueryBuilder) Count(ctx context.Context) (int, error) {
	return q.runner.Count(ctx, q.collection, q.Options())
}

// matchCondition evaluates a single condition against a decoded document.
// Used by the in-process backend and by client-side subscription filters.
func matchCondition(doc map[string]interface{}, c Condition) bool {
	val, ok := lookupField(doc, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEqual:
		return compareValues(val, c.Value) == 0
	case OpNotEqual:
		return compareValues(val, c.Value) != 0
	case OpGreaterThan:
		return compareValues(val, c.Value) > 0
	case OpGreaterOrEqual:
		return compareValues(val, c.Value) >= 0
	case OpLessThan:
		return compareValues(val, c.Value) < 0
	case OpLessOrEqual:
		return compareValues(val, c.Value) <= 0
	case OpIn:
		return valueIn(val, c.Value)
	case OpContains:
		s, sok := val.(string)
		sub, uok := c.Value.(string)
		return sok && uok && strings.Contains(s, sub)
	default:
		return false
	}
}

func matchConditions(doc map[string]interface{}, conds []Condition) bool {
	for _, c := range conds {
		if !matchCondition(doc, c) {
			return false
		}
	}
	return true
}

// lookupField resolves dotted paths like "price.amount" inside a decoded
// JSON document.
func lookupField(doc map[string]interface{}, field string) (interface{}, bool) {
	cur := interface{}(doc)
	start := 0
	for i := 0; i <= len(field); i++ {
		if i == len(field) || field[i] == '.' {
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, false
			}
			cur, ok = m[field[start:i]]
			if !ok {
				return nil, false
			}
			start = i + 1
		}
	}
	return cur, true
}

// compareValues orders two JSON values. Numbers compare numerically, strings
// lexically, bools false<true. Mismatched types compare as unequal and
// unordered (returns 2).
func compareValues(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}

	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	}

	return 2
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func valueIn(val, set interface{}) bool {
	switch s := set.(type) {
	case []interface{}:
		for _, item := range s {
			if compareValues(val, item) == 0 {
				return true
			}
		}
	case []string:
		for _, item := range s {
			if compareValues(val, item) == 0 {
				return true
			}
		}
	case []float64:
		for _, item := range s {
			if compareValues(val, item) == 0 {
				return true
			}
		}
	case []int:
		for _, item := range s {
			if compareValues(val, item) == 0 {
				return true
			}
		}
	}
	return false
}
