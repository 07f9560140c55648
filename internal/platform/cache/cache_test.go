package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestScope_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	shared := NewMemory()
	shared.Set(ctx, "ou:1", []byte("Clinic A"), 0)

	scope := NewScope(shared, time.Minute)
	v, found, err := scope.Get(ctx, "ou:1")
	if err != nil || !found || string(v) != "Clinic A" {
		t.Fatalf("unexpected first read %q %v %v", v, found, err)
	}

	// Concurrent invalidation of the shared tier is not visible in the scope.
	shared.Delete(ctx, "ou:1")
	shared.Set(ctx, "ou:1", []byte("Clinic B"), 0)

	v, _, _ = scope.Get(ctx, "ou:1")
	if string(v) != "Clinic A" {
		t.Errorf("expected snapshot value Clinic A, got %q", v)
	}

	fresh := NewScope(shared, time.Minute)
	v, _, _ = fresh.Get(ctx, "ou:1")
	if string(v) != "Clinic B" {
		t.Errorf("expected new scope to see Clinic B, got %q", v)
	}
}

func TestScope_MemoizesMisses(t *testing.T) {
	ctx := context.Background()
	shared := NewMemory()
	scope := NewScope(shared, time.Minute)

	if _, found, _ := scope.Get(ctx, "missing"); found {
		t.Fatal("expected miss")
	}
	shared.Set(ctx, "missing", []byte("late"), 0)
	if _, found, _ := scope.Get(ctx, "missing"); found {
		t.Error("expected memoized miss within scope")
	}
}

func TestScope_LoadWritesShared(t *testing.T) {
	ctx := context.Background()
	shared := NewMemory()
	scope := NewScope(shared, time.Minute)
	calls := 0
	loader := func(context.Context) ([]byte, bool, error) {
		calls++
		return []byte("loaded"), true, nil
	}

	for i := 0; i < 3; i++ {
		v, found, err := scope.Load(ctx, "k", loader)
		if err != nil || !found || string(v) != "loaded" {
			t.Fatalf("unexpected load result %q %v %v", v, found, err)
		}
	}
	if calls != 1 {
		t.Errorf("expected loader called once, got %d", calls)
	}
	if v, found, _ := shared.Get(ctx, "k"); !found || string(v) != "loaded" {
		t.Error("expected loaded value in shared tier")
	}
}

func TestScope_LoadError(t *testing.T) {
	scope := NewScope(NewMemory(), 0)
	want := errors.New("remote down")
	_, _, err := scope.Load(context.Background(), "k", func(context.Context) ([]byte, bool, error) {
		return nil, false, want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected loader error, got %v", err)
	}
}

func TestScope_PutAndEvict(t *testing.T) {
	ctx := context.Background()
	shared := NewMemory()
	scope := NewScope(shared, 0)

	scope.Put(ctx, "k", []byte("v1"))
	if v, _, _ := shared.Get(ctx, "k"); string(v) != "v1" {
		t.Errorf("expected write-through, got %q", v)
	}
	scope.Evict(ctx, "k")
	if _, found, _ := scope.Get(ctx, "k"); found {
		t.Error("expected evicted key to be absent")
	}
}

func TestScope_LoadJSON(t *testing.T) {
	ctx := context.Background()
	scope := NewScope(NewMemory(), 0)
	type orgUnit struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	var out orgUnit
	found, err := scope.LoadJSON(ctx, "ou", &out, func(context.Context) (interface{}, bool, error) {
		return orgUnit{ID: "ou1", Name: "Clinic"}, true, nil
	})
	if err != nil || !found {
		t.Fatalf("LoadJSON() = %v, %v", found, err)
	}
	if out.ID != "ou1" || out.Name != "Clinic" {
		t.Errorf("unexpected decoded value %+v", out)
	}
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.Set(ctx, "k", []byte("v"), time.Second)
	if _, found, _ := m.Get(ctx, "k"); !found {
		t.Fatal("expected value before expiry")
	}
	now = now.Add(2 * time.Second)
	if _, found, _ := m.Get(ctx, "k"); found {
		t.Error("expected value to expire")
	}
}

func TestFromContext(t *testing.T) {
	ctx, scope := WithScope(context.Background(), NewMemory(), 0)
	if FromContext(ctx) != scope {
		t.Error("expected bound scope")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected detached scope")
	}
}
