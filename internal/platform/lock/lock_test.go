package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fhirdhis/adapter/internal/platform/syncerr"
)

func TestToken_DeterministicAndNonNegative(t *testing.T) {
	keys := []string{"tracked-entity:abc", "fhir-resource:Patient/1", "", "enrollment:xyz"}
	for _, k := range keys {
		a, b := Token(k), Token(k)
		if a != b {
			t.Errorf("Token(%q) not deterministic: %d != %d", k, a, b)
		}
		if a < 0 {
			t.Errorf("Token(%q) = %d, expected non-negative", k, a)
		}
	}
	if Token("tracked-entity:1") == Token("tracked-entity:2") {
		t.Error("expected distinct tokens for distinct keys")
	}
}

func TestBegin_NestedIsFatal(t *testing.T) {
	m := NewManager(NewMemoryBackend())
	ctx, uow, err := m.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	defer uow.Rollback(ctx)

	_, _, err = m.Begin(ctx)
	if err == nil {
		t.Fatal("expected error for nested Begin")
	}
	if syncerr.KindOf(err) != syncerr.KindFatal {
		t.Errorf("expected fatal error, got %s", syncerr.KindOf(err))
	}
}

func TestBegin_AfterReleaseAllowed(t *testing.T) {
	m := NewManager(NewMemoryBackend())
	ctx, uow, _ := m.Begin(context.Background())
	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if _, _, err := m.Begin(ctx); err != nil {
		t.Errorf("expected Begin after release to succeed, got %v", err)
	}
}

func TestLock_Reentrant(t *testing.T) {
	backend := NewMemoryBackend()
	m := NewManager(backend, WithTimeout(time.Second))
	ctx, uow, _ := m.Begin(context.Background())

	if err := uow.Lock(ctx, "tracked-entity:1"); err != nil {
		t.Fatalf("first Lock() error: %v", err)
	}
	if err := uow.Lock(ctx, "tracked-entity:1"); err != nil {
		t.Fatalf("second Lock() error: %v", err)
	}
	if uow.State() != Locked {
		t.Errorf("expected LOCKED, got %s", uow.State())
	}
	if len(uow.Keys()) != 1 {
		t.Errorf("expected 1 held key, got %d", len(uow.Keys()))
	}

	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if backend.Held() != 0 {
		t.Errorf("expected all tokens released, %d still referenced", backend.Held())
	}

	// A single release frees the key for the next unit of work.
	ctx2, uow2, _ := m.Begin(context.Background())
	if err := uow2.Lock(ctx2, "tracked-entity:1"); err != nil {
		t.Fatalf("Lock() after release error: %v", err)
	}
	uow2.Rollback(ctx2)
}

func TestLock_SerializesUnits(t *testing.T) {
	m := NewManager(NewMemoryBackend(), WithTimeout(5*time.Second))

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Run(context.Background(), func(ctx context.Context, uow *UnitOfWork) error {
				if err := uow.Lock(ctx, "tracked-entity:shared"); err != nil {
					return err
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Run() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder at a time, saw %d", maxInside)
	}
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	m := NewManager(NewMemoryBackend(), WithTimeout(200*time.Millisecond))
	ctx1, uow1, _ := m.Begin(context.Background())
	defer uow1.Rollback(ctx1)
	if err := uow1.Lock(ctx1, "tracked-entity:a"); err != nil {
		t.Fatal(err)
	}

	ctx2, uow2, _ := m.Begin(context.Background())
	defer uow2.Rollback(ctx2)
	if err := uow2.Lock(ctx2, "tracked-entity:b"); err != nil {
		t.Fatalf("expected independent key to be granted, got %v", err)
	}
}

func TestLock_TimeoutIsTechnical(t *testing.T) {
	m := NewManager(NewMemoryBackend(), WithTimeout(20*time.Millisecond))
	ctx1, uow1, _ := m.Begin(context.Background())
	defer uow1.Rollback(ctx1)
	if err := uow1.Lock(ctx1, "tracked-entity:busy"); err != nil {
		t.Fatal(err)
	}

	ctx2, uow2, _ := m.Begin(context.Background())
	defer uow2.Rollback(ctx2)
	err := uow2.Lock(ctx2, "tracked-entity:busy")
	if err == nil {
		t.Fatal("expected timeout")
	}
	if syncerr.KindOf(err) != syncerr.KindTechnical {
		t.Errorf("expected technical error, got %s (%v)", syncerr.KindOf(err), err)
	}
	if uow2.State() != Unlocked {
		t.Errorf("expected UNLOCKED after failed acquire, got %s", uow2.State())
	}
}

func TestLock_StateReadableWhileWaiting(t *testing.T) {
	m := NewManager(NewMemoryBackend(), WithTimeout(5*time.Second))
	ctx1, uow1, _ := m.Begin(context.Background())
	if err := uow1.Lock(ctx1, "tracked-entity:busy"); err != nil {
		t.Fatal(err)
	}

	ctx2, uow2, _ := m.Begin(context.Background())
	defer uow2.Rollback(ctx2)
	if err := uow2.Lock(ctx2, "tracked-entity:other"); err != nil {
		t.Fatal(err)
	}
	acquired := make(chan error, 1)
	go func() { acquired <- uow2.Lock(ctx2, "tracked-entity:busy") }()
	time.Sleep(20 * time.Millisecond)

	read := make(chan struct{})
	go func() {
		defer close(read)
		if uow2.State() != Locked {
			t.Errorf("expected LOCKED, got %s", uow2.State())
		}
		if uow2.Holds("tracked-entity:busy") {
			t.Error("expected pending key not held yet")
		}
		if len(uow2.Keys()) != 1 {
			t.Errorf("expected 1 held key, got %v", uow2.Keys())
		}
	}()
	select {
	case <-read:
	case <-time.After(time.Second):
		t.Fatal("state reads blocked behind a pending acquire")
	}

	uow1.Commit(ctx1)
	if err := <-acquired; err != nil {
		t.Fatalf("Lock() after release error: %v", err)
	}
	if !uow2.Holds("tracked-entity:busy") {
		t.Error("expected key held after acquire")
	}
}

func TestUnlockAll_IdempotentAndReusable(t *testing.T) {
	backend := NewMemoryBackend()
	m := NewManager(backend)
	ctx, uow, _ := m.Begin(context.Background())

	uow.Lock(ctx, "a")
	uow.Lock(ctx, "b")
	if err := uow.UnlockAll(ctx); err != nil {
		t.Fatalf("UnlockAll() error: %v", err)
	}
	if err := uow.UnlockAll(ctx); err != nil {
		t.Fatalf("second UnlockAll() error: %v", err)
	}
	if uow.State() != Unlocked {
		t.Errorf("expected UNLOCKED, got %s", uow.State())
	}
	if backend.Held() != 0 {
		t.Errorf("expected no held tokens, got %d", backend.Held())
	}
	if uow.Holds("a") {
		t.Error("expected key a released")
	}

	if err := uow.Lock(ctx, "a"); err != nil {
		t.Fatalf("Lock() after UnlockAll error: %v", err)
	}
	uow.Commit(ctx)
}

func TestReleased_LockIsFatal(t *testing.T) {
	m := NewManager(NewMemoryBackend())
	ctx, uow, _ := m.Begin(context.Background())
	uow.Commit(ctx)
	if err := uow.Commit(ctx); err != nil {
		t.Errorf("expected idempotent Commit, got %v", err)
	}
	if err := uow.Rollback(ctx); err != nil {
		t.Errorf("expected Rollback after Commit to be a no-op, got %v", err)
	}
	err := uow.Lock(ctx, "a")
	if syncerr.KindOf(err) != syncerr.KindFatal {
		t.Errorf("expected fatal error locking on released unit, got %v", err)
	}
}

func TestRun_RollsBackOnError(t *testing.T) {
	backend := NewMemoryBackend()
	m := NewManager(backend)
	want := errors.New("boom")
	var seen *UnitOfWork

	err := m.Run(context.Background(), func(ctx context.Context, uow *UnitOfWork) error {
		seen = uow
		if FromContext(ctx) != uow {
			t.Error("expected unit of work on context")
		}
		uow.Lock(ctx, "k")
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if seen.State() != Released {
		t.Errorf("expected RELEASED, got %s", seen.State())
	}
	if backend.Held() != 0 {
		t.Errorf("expected lock released on rollback, got %d held", backend.Held())
	}
}

func TestFromContext_Empty(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Error("expected nil unit of work")
	}
}
