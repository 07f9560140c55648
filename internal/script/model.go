// Package script runs rule scripts in a sandboxed JavaScript runtime.
package script

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the slot a script fills on a rule.
type Kind string

const (
	KindApplicability Kind = "applicability"
	KindTransform     Kind = "transform"
)

// Script is a versioned JavaScript function body.
type Script struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Source    string    `json:"source"`
	Checksum  string    `json:"checksum"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checksum returns the hex SHA-256 of source.
func Checksum(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Normalize fills the checksum from the source and validates the script.
func (s *Script) Normalize() error {
	if s.Name == "" {
		return fmt.Errorf("script name is required")
	}
	if s.Kind != KindApplicability && s.Kind != KindTransform {
		return fmt.Errorf("invalid script kind: %q", s.Kind)
	}
	if s.Source == "" {
		return fmt.Errorf("script source is required")
	}
	s.Checksum = Checksum(s.Source)
	if s.Version < 1 {
		s.Version = 1
	}
	return nil
}

// CacheKey identifies the compiled form of this exact source.
func (s *Script) CacheKey() string {
	checksum := s.Checksum
	if checksum == "" {
		checksum = Checksum(s.Source)
	}
	return s.ID.String() + ":" + checksum
}
