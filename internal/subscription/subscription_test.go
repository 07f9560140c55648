package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func strPtr(s string) *string { return &s }

func validSubscription() *Subscription {
	s := New()
	s.Name = "hospital"
	s.FHIREndpoint = "https://fhir.example.org/baseR4"
	return s
}

func TestSubscription_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Subscription)
		wantErr bool
	}{
		{"valid", func(*Subscription) {}, false},
		{"missing name", func(s *Subscription) { s.Name = " " }, true},
		{"relative endpoint", func(s *Subscription) { s.FHIREndpoint = "/fhir" }, true},
		{"ftp endpoint", func(s *Subscription) { s.FHIREndpoint = "ftp://example.org" }, true},
		{"dstu3", func(s *Subscription) { s.FHIRVersion = VersionDSTU3 }, false},
		{"unknown version", func(s *Subscription) { s.FHIRVersion = "R5" }, true},
		{"negative tolerance", func(s *Subscription) { s.ToleranceMillis = -1 }, true},
		{"zero poll interval", func(s *Subscription) { s.PollIntervalSeconds = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSubscription()
			tt.mutate(s)
			if err := s.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscription_Durations(t *testing.T) {
	s := validSubscription()
	s.ToleranceMillis = 1500
	if s.Tolerance() != 1500*time.Millisecond {
		t.Errorf("Tolerance() = %v", s.Tolerance())
	}
	if s.PollInterval() != time.Minute {
		t.Errorf("PollInterval() = %v", s.PollInterval())
	}
}

func TestSubscription_AcceptsWebHook(t *testing.T) {
	open := validSubscription()
	if !open.AcceptsWebHook("") || !open.AcceptsWebHook("Bearer x") {
		t.Error("subscription without a secret must accept any notification")
	}
	locked := validSubscription()
	locked.WebHookAuthorizationHeader = strPtr("Bearer secret")
	if !locked.AcceptsWebHook("Bearer secret") {
		t.Error("expected matching header accepted")
	}
	if locked.AcceptsWebHook("Bearer other") || locked.AcceptsWebHook("") {
		t.Error("expected mismatching header rejected")
	}
}

func TestResource_Criteria(t *testing.T) {
	tests := []struct {
		raw     string
		want    map[string]string
		wantErr bool
	}{
		{"", map[string]string{}, false},
		{"?category=vital-signs", map[string]string{"category": "vital-signs"}, false},
		{"code=1234&status=final", map[string]string{"code": "1234", "status": "final"}, false},
		{"bad=%zz", nil, true},
	}
	for _, tt := range tests {
		r := &Resource{CriteriaParameters: tt.raw}
		got, err := r.Criteria()
		if (err != nil) != tt.wantErr {
			t.Fatalf("Criteria(%q) error = %v", tt.raw, err)
		}
		for k, v := range tt.want {
			if got.Get(k) != v {
				t.Errorf("Criteria(%q)[%s] = %q, want %q", tt.raw, k, got.Get(k), v)
			}
		}
	}
}

func newTestService() *Service {
	return NewService(NewMemoryRepository())
}

func TestService_AddResource(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	sub := validSubscription()
	if err := svc.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}

	if err := svc.AddResource(ctx, &Resource{SubscriptionID: sub.ID, ResourceType: "Patient"}); err != nil {
		t.Fatalf("AddResource() error: %v", err)
	}
	if err := svc.AddResource(ctx, &Resource{SubscriptionID: sub.ID, ResourceType: "Patient"}); err == nil {
		t.Error("expected duplicate resource type rejected")
	}
	if err := svc.AddResource(ctx, &Resource{SubscriptionID: uuid.New(), ResourceType: "Patient"}); !IsNotFound(err) {
		t.Errorf("expected ErrNotFound for unknown subscription, got %v", err)
	}
	if err := svc.AddResource(ctx, &Resource{SubscriptionID: sub.ID}); err == nil {
		t.Error("expected missing resource type rejected")
	}
}

func TestService_Target(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	a, b := validSubscription(), validSubscription()
	b.Name = "clinic"
	svc.CreateSubscription(ctx, a)
	svc.CreateSubscription(ctx, b)
	res := &Resource{SubscriptionID: a.ID, ResourceType: "Observation"}
	svc.AddResource(ctx, res)

	sub, r, err := svc.Target(ctx, a.ID, res.ID)
	if err != nil {
		t.Fatalf("Target() error: %v", err)
	}
	if sub.ID != a.ID || r.ID != res.ID {
		t.Errorf("unexpected target %v %v", sub.ID, r.ID)
	}
	if _, _, err := svc.Target(ctx, b.ID, res.ID); !IsNotFound(err) {
		t.Errorf("expected ErrNotFound for mismatched pair, got %v", err)
	}
	if _, _, err := svc.Target(ctx, a.ID, uuid.New()); !IsNotFound(err) {
		t.Errorf("expected ErrNotFound for unknown resource, got %v", err)
	}
}

func TestService_PollableAndAdvance(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	on, off := validSubscription(), validSubscription()
	off.Name, off.Enabled = "disabled", false
	svc.CreateSubscription(ctx, on)
	svc.CreateSubscription(ctx, off)
	r1 := &Resource{SubscriptionID: on.ID, ResourceType: "Patient"}
	svc.AddResource(ctx, r1)
	svc.AddResource(ctx, &Resource{SubscriptionID: off.ID, ResourceType: "Patient"})

	got, err := svc.Pollable(ctx)
	if err != nil {
		t.Fatalf("Pollable() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != r1.ID {
		t.Fatalf("expected only the enabled subscription's resource, got %d", len(got))
	}

	mark := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := svc.Advance(ctx, r1.ID, mark); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	_, r, _ := svc.Resource(ctx, r1.ID)
	if r.RemoteLastUpdated == nil || !r.RemoteLastUpdated.Equal(mark) {
		t.Errorf("expected watermark %v, got %v", mark, r.RemoteLastUpdated)
	}
	if err := svc.Advance(ctx, uuid.New(), mark); !IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_DeleteCascades(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	sub := validSubscription()
	svc.CreateSubscription(ctx, sub)
	res := &Resource{SubscriptionID: sub.ID, ResourceType: "Patient"}
	svc.AddResource(ctx, res)

	if err := svc.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("DeleteSubscription() error: %v", err)
	}
	if _, _, err := svc.Resource(ctx, res.ID); !IsNotFound(err) {
		t.Errorf("expected resource removed with its subscription, got %v", err)
	}
}
