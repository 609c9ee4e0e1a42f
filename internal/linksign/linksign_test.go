package linksign

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	s := New("secret-key", 7*24*time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := s.Issue("sub-123", Resume, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	gotID, err := s.Verify(token, Resume, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if gotID != "sub-123" {
		t.Errorf("got subscription ID %q, want sub-123", gotID)
	}
}

func TestIntentsAreNotInterchangeable(t *testing.T) {
	s := New("secret-key", 7*24*time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	stopToken, err := s.Issue("sub-123", Stop, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := s.Verify(stopToken, Resume, now); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid verifying a STOP token as RESUME, got %v", err)
	}

	resumeToken, err := s.Issue("sub-123", Resume, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := s.Verify(resumeToken, Stop, now); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid verifying a RESUME token as STOP, got %v", err)
	}
}

func TestExpiredTokenNeverVerifies(t *testing.T) {
	s := New("secret-key", time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := s.Issue("sub-123", Resume, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := s.Verify(token, Resume, now.Add(2*time.Hour)); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	s := New("secret-key", time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := s.Issue("sub-123", Resume, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tampered := token[:len(token)-1] + "x"
	if _, err := s.Verify(tampered, Resume, now); err == nil {
		t.Error("expected tampered token to fail verification")
	}
}

func TestDifferentSecretsDoNotCrossVerify(t *testing.T) {
	a := New("secret-a", time.Hour)
	b := New("secret-b", time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := a.Issue("sub-123", Resume, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Verify(token, Resume, now); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid across different secrets, got %v", err)
	}
}

func TestUnknownIntentRejected(t *testing.T) {
	s := New("secret-key", time.Hour)
	now := time.Now()
	if _, err := s.Issue("sub-123", Intent("DELETE"), now); !errors.Is(err, ErrBadIntent) {
		t.Errorf("expected ErrBadIntent, got %v", err)
	}
}
