package ecoshop

import (
	"context"
	"testing"
)

func seedProducts(t *testing.T, db *MemoryDatabaseProvider) {
	t.Helper()
	ctx := context.Background()

	products := []map[string]interface{}{
		{"id": "p1", "name": "mug", "price": map[string]interface{}{"amount": 5.0, "currency": "USD"}},
		{"id": "p2", "name": "shirt", "price": map[string]interface{}{"amount": 15.0, "currency": "USD"}},
		{"id": "p3", "name": "hoodie", "price": map[string]interface{}{"amount": 45.0, "currency": "USD"}},
		{"id": "p4", "name": "jacket", "price": map[string]interface{}{"amount": 80.0, "currency": "USD"}},
		{"id": "p5", "name": "tote", "price": map[string]interface{}{"amount": 25.0, "currency": "USD"}},
	}
	for _, p := range products {
		if _, err := db.Insert(ctx, "products", p); err != nil {
			t.Fatalf("seed insert failed: %v", err)
		}
	}
}

func TestQueryBuilder_RangeSortLimit(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabaseProvider(nil, nil)
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	seedProducts(t, db)

	var results []map[string]interface{}
	err := db.CreateQuery("products").
		Where("price.amount", OpGreaterOrEqual, 10.0).
		Where("price.amount", OpLessOrEqual, 50.0).
		OrderBy("price.amount", SortAsc).
		Limit(20).
		Get(ctx, &results)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	var prev float64
	for _, doc := range results {
		amount := doc["price"].(map[string]interface{})["amount"].(float64)
		if amount < 10 || amount > 50 {
			t.Errorf("result %v outside [10, 50]", doc["id"])
		}
		if amount < prev {
			t.Errorf("results not sorted ascending: %v after %v", amount, prev)
		}
		prev = amount
	}
}

func TestQueryBuilder_FirstEqualsLimitOneGet(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabaseProvider(nil, nil)
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	seedProducts(t, db)

	query := func() *QueryBuilder {
		return db.CreateQuery("products").
			Where("price.amount", OpGreaterThan, 20.0).
			OrderBy("price.amount", SortAsc)
	}

	var first map[string]interface{}
	found, err := query().First(ctx, &first)
	if err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if !found {
		t.Fatal("First found nothing")
	}

	var limited []map[string]interface{}
	if err := query().Limit(1).Get(ctx, &limited); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 result, got %d", len(limited))
	}
	if first["id"] != limited[0]["id"] {
		t.Errorf("First returned %v, Limit(1).Get returned %v", first["id"], limited[0]["id"])
	}
}

func TestQueryBuilder_FirstEmpty(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabaseProvider(nil, nil)
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	var dest map[string]interface{}
	found, err := db.CreateQuery("products").Where("name", OpEqual, "nothing").First(ctx, &dest)
	if err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if found {
		t.Error("expected no match")
	}
}

func TestQueryBuilder_Count(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabaseProvider(nil, nil)
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	seedProducts(t, db)

	n, err := db.CreateQuery("products").Where("price.amount", OpLessThan, 30.0).Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected count 3, got %d", n)
	}
}

func TestQueryBuilder_BuilderIsSideEffectFree(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabaseProvider(nil, nil)
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	seedProducts(t, db)

	base := db.CreateQuery("products").Where("price.amount", OpGreaterThan, 0.0)
	opts := base.Options()
	opts.Conditions = append(opts.Conditions, Condition{Field: "name", Operator: OpEqual, Value: "mug"})

	var results []map[string]interface{}
	if err := base.Get(ctx, &results); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(results) != 5 {
		t.Errorf("mutating Options() leaked into the builder: got %d results, want 5", len(results))
	}
}

func TestQueryBuilder_OperatorMatching(t *testing.T) {
	tests := []struct {
		name      string
		condition Condition
		doc       map[string]interface{}
		want      bool
	}{
		{"equal string", Condition{"name", OpEqual, "mug"}, map[string]interface{}{"name": "mug"}, true},
		{"not equal", Condition{"name", OpNotEqual, "mug"}, map[string]interface{}{"name": "tote"}, true},
		{"gt", Condition{"n", OpGreaterThan, 5}, map[string]interface{}{"n": 6.0}, true},
		{"gt false", Condition{"n", OpGreaterThan, 5}, map[string]interface{}{"n": 5.0}, false},
		{"in", Condition{"n", OpIn, []interface{}{1.0, 2.0}}, map[string]interface{}{"n": 2.0}, true},
		{"contains", Condition{"name", OpContains, "ug"}, map[string]interface{}{"name": "mug"}, true},
		{"contains miss", Condition{"name", OpContains, "xyz"}, map[string]interface{}{"name": "mug"}, false},
		{"dotted path", Condition{"price.amount", OpEqual, 5.0}, map[string]interface{}{"price": map[string]interface{}{"amount": 5.0}}, true},
		{"missing field", Condition{"ghost", OpEqual, 1}, map[string]interface{}{"name": "mug"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchCondition(tt.doc, tt.condition); got != tt.want {
				t.Errorf("matchCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}
