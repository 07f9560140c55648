package subscription

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FHIR versions a subscription may speak.
const (
	VersionR4    = "R4"
	VersionDSTU3 = "DSTU3"
)

// Subscription is a remote FHIR server whose changes are synchronized to
// DHIS2.
type Subscription struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Enabled      bool      `json:"enabled"`
	FHIREndpoint string    `json:"fhir_endpoint"`
	FHIRVersion  string    `json:"fhir_version"`
	// AuthorizationHeader is sent on every request to the remote server.
	AuthorizationHeader *string `json:"authorization_header,omitempty"`
	// WebHookAuthorizationHeader is the value the remote server must send
	// on notifications. Nil accepts any notification.
	WebHookAuthorizationHeader *string   `json:"web_hook_authorization_header,omitempty"`
	ToleranceMillis            int       `json:"tolerance_millis"`
	UseAdapterIdentifier       bool      `json:"use_adapter_identifier"`
	CreationDisabled           bool      `json:"creation_disabled"`
	PollIntervalSeconds        int       `json:"poll_interval_seconds"`
	CreatedAt                  time.Time `json:"created_at"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

// New returns a subscription with defaults applied.
func New() *Subscription {
	return &Subscription{Enabled: true, FHIRVersion: VersionR4, PollIntervalSeconds: 60}
}

// Tolerance is how far before the last watermark a poll pass starts.
func (s *Subscription) Tolerance() time.Duration {
	return time.Duration(s.ToleranceMillis) * time.Millisecond
}

func (s *Subscription) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// AcceptsWebHook reports whether a notification carrying the given
// Authorization header value may be processed.
func (s *Subscription) AcceptsWebHook(authorization string) bool {
	if s.WebHookAuthorizationHeader == nil || *s.WebHookAuthorizationHeader == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(*s.WebHookAuthorizationHeader), []byte(authorization)) == 1
}

// Validate checks a subscription before it is stored.
func (s *Subscription) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("subscription name is required")
	}
	u, err := url.Parse(s.FHIREndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("fhir_endpoint must be an http(s) URL, got %q", s.FHIREndpoint)
	}
	if s.FHIRVersion != VersionR4 && s.FHIRVersion != VersionDSTU3 {
		return fmt.Errorf("unsupported fhir_version %q", s.FHIRVersion)
	}
	if s.ToleranceMillis < 0 {
		return fmt.Errorf("tolerance_millis must not be negative")
	}
	if s.PollIntervalSeconds < 1 {
		return fmt.Errorf("poll_interval_seconds must be at least 1")
	}
	return nil
}

// Resource is one resource type of a subscription. RemoteLastUpdated is the
// poll watermark; nil means the resource has never been polled.
type Resource struct {
	ID                 uuid.UUID  `json:"id"`
	SubscriptionID     uuid.UUID  `json:"subscription_id"`
	ResourceType       string     `json:"resource_type"`
	CriteriaParameters string     `json:"criteria_parameters,omitempty"`
	RemoteLastUpdated  *time.Time `json:"remote_last_updated,omitempty"`
	// Virtual resources are only polled; the remote server sends no
	// notifications for them.
	Virtual   bool      `json:"virtual"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Criteria parses the search parameters added to every poll query.
func (r *Resource) Criteria() (url.Values, error) {
	q := strings.TrimPrefix(strings.TrimSpace(r.CriteriaParameters), "?")
	if q == "" {
		return url.Values{}, nil
	}
	v, err := url.ParseQuery(q)
	if err != nil {
		return nil, fmt.Errorf("invalid criteria parameters %q: %w", r.CriteriaParameters, err)
	}
	return v, nil
}

func (r *Resource) Validate() error {
	if r.SubscriptionID == uuid.Nil {
		return fmt.Errorf("subscription_id is required")
	}
	if strings.TrimSpace(r.ResourceType) == "" {
		return fmt.Errorf("resource_type is required")
	}
	_, err := r.Criteria()
	return err
}
