package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/dentiq/payrecon/internal/payment"
)

// validateAndPrepareSession validates required fields and sets default timestamps.
func validateAndPrepareSession(s *payment.Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("storage: session %s cannot be created in terminal status %s", s.LocalID, s.Status)
	}
	s.ExternalRef = strings.TrimSpace(s.ExternalRef)
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	return nil
}

func validateCommit(c Commit) error {
	if c.LocalID == "" {
		return fmt.Errorf("storage: commit requires local id")
	}
	if !c.Status.Valid() {
		return fmt.Errorf("storage: commit has invalid status %q", c.Status)
	}
	if c.Attempts < 0 {
		return fmt.Errorf("storage: commit has negative attempts")
	}
	return nil
}

// checkBinding decides what BindExternalRef does with the currently bound value.
// It returns true when the new reference should be written.
func checkBinding(s payment.Session, ref string) (bool, error) {
	if ref == "" {
		return false, fmt.Errorf("storage: empty external reference")
	}
	switch s.ExternalRef {
	case "":
		return true, nil
	case ref:
		return false, nil
	default:
		return false, payment.ReferenceMismatchError(s.LocalID, s.ExternalRef, ref)
	}
}
