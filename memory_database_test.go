package ecoshop

import (
	"context"
	"testing"
)

func TestMemoryDatabase_CRUD(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabaseProvider(nil, nil)
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	t.Run("insert assigns id", func(t *testing.T) {
		id, err := db.Insert(ctx, "products", map[string]interface{}{"name": "mug"})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if id == "" {
			t.Fatal("expected generated id")
		}

		var doc map[string]interface{}
		if err := db.GetByID(ctx, "products", id, &doc); err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if doc["name"] != "mug" {
			t.Errorf("got %v, want mug", doc["name"])
		}
	})

	t.Run("update merges partial", func(t *testing.T) {
		id, _ := db.Insert(ctx, "products", map[string]interface{}{"name": "shirt", "stock": 5})
		if err := db.Update(ctx, "products", id, map[string]interface{}{"stock": 3}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		var doc map[string]interface{}
		if err := db.GetByID(ctx, "products", id, &doc); err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if doc["stock"].(float64) != 3 {
			t.Errorf("stock = %v, want 3", doc["stock"])
		}
		if doc["name"] != "shirt" {
			t.Errorf("update dropped untouched field: %v", doc["name"])
		}
	})

	t.Run("get missing is NOT_FOUND", func(t *testing.T) {
		var doc map[string]interface{}
		err := db.GetByID(ctx, "products", "nope", &doc)
		if !IsNotFound(err) {
			t.Errorf("expected NOT_FOUND, got %v", err)
		}
	})

	t.Run("delete then get is NOT_FOUND", func(t *testing.T) {
		id, _ := db.Insert(ctx, "products", map[string]interface{}{"name": "temp"})
		if err := db.Delete(ctx, "products", id); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		var doc map[string]interface{}
		if !IsNotFound(db.GetByID(ctx, "products", id, &doc)) {
			t.Error("expected NOT_FOUND after delete")
		}
	})

	t.Run("operations before initialize fail", func(t *testing.T) {
		fresh := NewMemoryDatabaseProvider(nil, nil)
		var docs []map[string]interface{}
		err := fresh.Query(ctx, "products", QueryOptions{}, &docs)
		if !IsCode(err, CodeNotInitialized) {
			t.Errorf("expected NOT_INITIALIZED, got %v", err)
		}
	})
}

func TestMemoryDatabase_UpdateManyDeleteMany(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabaseProvider(nil, nil)
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		category := "a"
		if i >= 2 {
			category = "b"
		}
		if _, err := db.Insert(ctx, "items", map[string]interface{}{"category": category}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	n, err := db.UpdateMany(ctx, "items", []Condition{{Field: "category", Operator: OpEqual, Value: "a"}},
		map[string]interface{}{"flagged": true})
	if err != nil {
		t.Fatalf("UpdateMany failed: %v", err)
	}
	if n != 2 {
		t.Errorf("UpdateMany touched %d, want 2", n)
	}

	n, err = db.DeleteMany(ctx, "items", []Condition{{Field: "category", Operator: OpEqual, Value: "b"}})
	if err != nil {
		t.Fatalf("DeleteMany failed: %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteMany removed %d, want 2", n)
	}

	total, _ := db.Count(ctx, "items", QueryOptions{})
	if total != 2 {
		t.Errorf("count after delete = %d, want 2", total)
	}
}

func TestMemoryDatabase_Subscribe(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabaseProvider(nil, nil)
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	var events []ChangeEvent
	unsub, err := db.Subscribe("orders", func(e ChangeEvent) {
		events = append(events, e)
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	id, _ := db.Insert(ctx, "orders", map[string]interface{}{"status": "new"})
	_ = db.Update(ctx, "orders", id, map[string]interface{}{"status": "paid"})
	_ = db.Delete(ctx, "orders", id)

	// Events on another collection must not leak in.
	_, _ = db.Insert(ctx, "products", map[string]interface{}{"name": "mug"})

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	wantTypes := []ChangeType{ChangeInsert, ChangeUpdate, ChangeDelete}
	for i, e := range events {
		if e.Type != wantTypes[i] {
			t.Errorf("event %d type = %s, want %s", i, e.Type, wantTypes[i])
		}
		if e.DocumentID != id {
			t.Errorf("event %d documentId = %s, want %s", i, e.DocumentID, id)
		}
	}

	unsub()
	_, _ = db.Insert(ctx, "orders", map[string]interface{}{"status": "new"})
	if len(events) != 3 {
		t.Error("received event after unsubscribe")
	}
}

func TestMemoryDatabase_SubscribeToDocument(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabaseProvider(nil, nil)
	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	watched, _ := db.Insert(ctx, "orders", map[string]interface{}{"status": "new"})
	other, _ := db.Insert(ctx, "orders", map[string]interface{}{"status": "new"})

	var events []ChangeEvent
	unsub, err := db.SubscribeToDocument("orders", watched, func(e ChangeEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("SubscribeToDocument failed: %v", err)
	}
	defer unsub()

	_ = db.Update(ctx, "orders", other, map[string]interface{}{"status": "paid"})
	_ = db.Update(ctx, "orders", watched, map[string]interface{}{"status": "shipped"})

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].DocumentID != watched {
		t.Errorf("event for %s, want %s", events[0].DocumentID, watched)
	}
}

func TestClassifyChange(t *testing.T) {
	a := map[string]interface{}{"v": 1}
	b := map[string]interface{}{"v": 2}

	tests := []struct {
		name        string
		prev, next  map[string]interface{}
		wantType    ChangeType
		wantChanged bool
	}{
		{"insert", nil, a, ChangeInsert, true},
		{"delete", a, nil, ChangeDelete, true},
		{"update", a, b, ChangeUpdate, true},
		{"no change", a, a, "", false},
		{"both nil", nil, nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotChanged := classifyChange(tt.prev, tt.next)
			if gotType != tt.wantType || gotChanged != tt.wantChanged {
				t.Errorf("classifyChange() = (%s, %v), want (%s, %v)", gotType, gotChanged, tt.wantType, tt.wantChanged)
			}
		})
	}
}

func TestSnapshotDiffer_PrimesSilently(t *testing.T) {
	var events []ChangeEvent
	d := &snapshotDiffer{collection: "orders", fn: func(e ChangeEvent) { events = append(events, e) }}

	d.apply(map[string]map[string]interface{}{
		"a": {"id": "a", "v": 1.0},
	})
	if len(events) != 0 {
		t.Fatalf("first snapshot emitted %d events, want 0", len(events))
	}

	d.apply(map[string]map[string]interface{}{
		"a": {"id": "a", "v": 2.0},
		"b": {"id": "b", "v": 1.0},
	})
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	d.apply(map[string]map[string]interface{}{
		"b": {"id": "b", "v": 1.0},
	})
	if len(events) != 3 || events[2].Type != ChangeDelete || events[2].DocumentID != "a" {
		t.Errorf("expected delete of a, got %+v", events[len(events)-1])
	}
}
