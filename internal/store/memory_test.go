package store

import (
	"context"
	"reflect"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemoryKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	if err := kv.Put(ctx, "a", sample{Name: "x", Count: 2}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var got sample
	ok, err := kv.Get(ctx, "a", &got)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.Name != "x" || got.Count != 2 {
		t.Errorf("got %+v", got)
	}

	ok, _ = kv.Get(ctx, "missing", nil)
	if ok {
		t.Error("missing key reported present")
	}

	if err := kv.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ok, _ = kv.Get(ctx, "a", nil)
	if ok {
		t.Error("deleted key reported present")
	}
}

func TestMemoryKVSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	value := sample{Name: "orig"}
	if err := kv.Put(ctx, "k", value); err != nil {
		t.Fatal(err)
	}

	// Mutating the source after Put must not affect the stored value.
	value.Name = "mutated"
	var got sample
	if _, err := kv.Get(ctx, "k", &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "orig" {
		t.Errorf("stored value leaked mutation: %+v", got)
	}
}

func TestNamespacePrefixing(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	pending := NewNamespace(kv, "pendingOperations:")
	transfers := NewNamespace(kv, "transfers:")

	if err := pending.Put(ctx, "c1", sample{Name: "op"}); err != nil {
		t.Fatal(err)
	}
	if err := transfers.Put(ctx, "1", sample{Name: "t"}); err != nil {
		t.Fatal(err)
	}

	keys, err := pending.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(keys, []string{"c1"}) {
		t.Errorf("pending keys = %v", keys)
	}

	raw, err := kv.Keys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"pendingOperations:c1", "transfers:1"}
	if !reflect.DeepEqual(raw, want) {
		t.Errorf("raw keys = %v, want %v", raw, want)
	}
}

func TestEachDecodesValues(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	ns := NewNamespace(kv, "sessionRegistry:")
	_ = ns.Put(ctx, "a", sample{Count: 1})
	_ = ns.Put(ctx, "b", sample{Count: 2})

	total := 0
	err := Each(ctx, ns, func(key string, v sample) error {
		total += v.Count
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
}
