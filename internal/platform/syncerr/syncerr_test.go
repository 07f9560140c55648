package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("connection refused")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"plain error is technical", base, KindTechnical},
		{"data", Dataf("missing gender"), KindData},
		{"mapping", Mappingf("2 candidates for %s", "Patient/1"), KindMapping},
		{"technical", Technicalf("read: %w", base), KindTechnical},
		{"fatal", Fatalf("nested unit of work"), KindFatal},
		{"retry", Retryf("parent not yet synced"), KindRetry},
		{"wrapped by fmt", fmt.Errorf("process: %w", Dataf("bad")), KindData},
		{"cancelled", context.Canceled, KindRetry},
		{"wrapped cancel", fmt.Errorf("fetch: %w", context.Canceled), KindRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestWrapKeepsExistingKind(t *testing.T) {
	err := Technical(Dataf("invalid code"), "transform Patient/1")
	if KindOf(err) != KindData {
		t.Errorf("expected data kind to survive wrapping, got %s", KindOf(err))
	}
	if err.Error() != "transform Patient/1: invalid code" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	base := errors.New("timeout")
	err := Fatal(base, "script")
	if !errors.Is(err, base) {
		t.Error("expected errors.Is to find the cause")
	}
	if Technical(nil, "x") != nil {
		t.Error("expected nil for nil input")
	}
}

func TestFormattedErrorUnwraps(t *testing.T) {
	base := errors.New("503")
	err := Technicalf("fetch page: %w", base)
	if !errors.Is(err, base) {
		t.Error("expected wrapped cause")
	}
	if err.Error() != "fetch page: 503" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestKindPredicates(t *testing.T) {
	if !KindMapping.IsData() || !KindData.IsData() || KindTechnical.IsData() {
		t.Error("IsData mismatch")
	}
	if !KindTechnical.Retryable() || !KindRetry.Retryable() || KindFatal.Retryable() || KindData.Retryable() {
		t.Error("Retryable mismatch")
	}
}
