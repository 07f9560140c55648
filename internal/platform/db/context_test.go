package db

import (
	"context"
	"testing"
)

func TestTxFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
	}{
		{"empty", context.Background()},
		{"wrong type", context.WithValue(context.Background(), txKey, "not-a-tx")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tx := TxFromContext(tt.ctx); tx != nil {
				t.Error("expected nil tx")
			}
		})
	}
}

func TestQuerierFor_FallsBackToPool(t *testing.T) {
	q := QuerierFor(context.Background(), nil)
	if q == nil {
		t.Fatal("expected a querier")
	}
}
