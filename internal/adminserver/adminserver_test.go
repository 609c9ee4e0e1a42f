package adminserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dsperanza/availwatch/internal/linksign"
	"github.com/dsperanza/availwatch/internal/store"
)

type fakeStore struct {
	sub       store.Subscription
	userEmail string
	target    store.Target
	getErr    error
	active    int
	countErr  error
	states    []store.SubscriptionState
	deleted   []string
}

func (f *fakeStore) GetSubscription(subscriptionID string) (store.Subscription, string, store.Target, error) {
	if f.getErr != nil {
		return store.Subscription{}, "", store.Target{}, f.getErr
	}
	return f.sub, f.userEmail, f.target, nil
}

func (f *fakeStore) MarkState(subscriptionID string, state store.SubscriptionState) error {
	f.states = append(f.states, state)
	return nil
}

func (f *fakeStore) DeleteSubscription(subscriptionID, userID string) error {
	f.deleted = append(f.deleted, subscriptionID)
	return nil
}

func (f *fakeStore) CountActive() (int, error) {
	return f.active, f.countErr
}

func newTestServer(fs *fakeStore, signer *linksign.Signer) (*Server, *http.ServeMux) {
	s := New("127.0.0.1", 0, fs, signer, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /continue-monitoring/{token}", s.handleResume)
	mux.HandleFunc("GET /stop-monitoring/{token}", s.handleStop)
	return s, mux
}

func TestHealthReportsOKWithActiveCount(t *testing.T) {
	fs := &fakeStore{active: 3}
	_, mux := newTestServer(fs, linksign.New("secret", time.Hour))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if want := `"activeSubscriptions":3`; !strings.Contains(rr.Body.String(), want) {
		t.Errorf("expected body to contain %q, got %s", want, rr.Body.String())
	}
}

func TestHealthReportsUnhealthyOnStoreError(t *testing.T) {
	fs := &fakeStore{countErr: errBoom}
	_, mux := newTestServer(fs, linksign.New("secret", time.Hour))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestResumeRouteMarksActive(t *testing.T) {
	signer := linksign.New("secret", time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	token, err := signer.Issue("sub-1", linksign.Resume, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	fs := &fakeStore{sub: store.Subscription{ID: "sub-1"}, target: store.Target{Name: "Campsite"}}
	_, mux := newTestServer(fs, signer)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/continue-monitoring/"+token, nil)
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(fs.states) != 1 || fs.states[0] != store.StateActive {
		t.Errorf("expected transition to ACTIVE, got %v", fs.states)
	}
}

func TestStopRouteDeletesSubscription(t *testing.T) {
	signer := linksign.New("secret", time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	token, err := signer.Issue("sub-1", linksign.Stop, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	fs := &fakeStore{sub: store.Subscription{ID: "sub-1", UserID: "user-1"}, target: store.Target{Name: "Campsite"}}
	_, mux := newTestServer(fs, signer)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stop-monitoring/"+token, nil)
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(fs.deleted) != 1 || fs.deleted[0] != "sub-1" {
		t.Errorf("expected sub-1 to be deleted, got %v", fs.deleted)
	}
	if len(fs.states) != 0 {
		t.Errorf("expected no state transition on stop, got %v", fs.states)
	}
}

func TestResumeRouteRejectsStopTokenAsResume(t *testing.T) {
	signer := linksign.New("secret", time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	token, err := signer.Issue("sub-1", linksign.Stop, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	fs := &fakeStore{sub: store.Subscription{ID: "sub-1"}}
	_, mux := newTestServer(fs, signer)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/continue-monitoring/"+token, nil)
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched intent, got %d", rr.Code)
	}
	if len(fs.states) != 0 {
		t.Error("expected no state change for a rejected token")
	}
}

func TestResumeRouteRejectsExpiredToken(t *testing.T) {
	signer := linksign.New("secret", time.Millisecond)
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	token, err := signer.Issue("sub-1", linksign.Resume, past)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	fs := &fakeStore{sub: store.Subscription{ID: "sub-1"}}
	_, mux := newTestServer(fs, signer)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/continue-monitoring/"+token, nil)
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusGone {
		t.Fatalf("expected 410 for expired token, got %d", rr.Code)
	}
}

func TestResumeRouteReturns404ForUnknownSubscription(t *testing.T) {
	signer := linksign.New("secret", time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	token, err := signer.Issue("sub-missing", linksign.Resume, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	fs := &fakeStore{getErr: store.ErrNotFound}
	_, mux := newTestServer(fs, signer)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/continue-monitoring/"+token, nil)
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
