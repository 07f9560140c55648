package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?_count=25&_offset=5", 25, 5},
		{"?limit=500", MaxLimit, 0},
		{"?offset=-5", DefaultLimit, 0},
		{"?limit=abc", DefaultLimit, 0},
	}
	e := echo.New()
	for _, tt := range tests {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/"+tt.query, nil), httptest.NewRecorder())
		p := FromContext(c)
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("FromContext(%q) = %+v, want limit %d offset %d", tt.query, p, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 50, 20, 0)
	if resp.Total != 50 || resp.Limit != 20 || resp.Offset != 0 {
		t.Errorf("unexpected response %+v", resp)
	}
	if !resp.HasMore {
		t.Error("expected has_more for first page")
	}
	if NewResponse(nil, 50, 20, 40).HasMore {
		t.Error("expected no more after last page")
	}
}

func TestBounds(t *testing.T) {
	tests := []struct {
		total, limit, offset int
		lo, hi               int
	}{
		{10, 3, 0, 0, 3},
		{10, 3, 9, 9, 10},
		{10, 3, 10, 10, 10},
		{10, 3, 15, 10, 10},
		{10, 0, 4, 4, 10},
		{0, 20, 0, 0, 0},
		{10, 5, -1, 0, 5},
	}
	for _, tt := range tests {
		lo, hi := Bounds(tt.total, tt.limit, tt.offset)
		if lo != tt.lo || hi != tt.hi {
			t.Errorf("Bounds(%d, %d, %d) = (%d, %d), want (%d, %d)", tt.total, tt.limit, tt.offset, lo, hi, tt.lo, tt.hi)
		}
	}
}
