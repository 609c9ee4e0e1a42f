// Package adminserver implements the operator surface: a health
// endpoint and the two signed-link routes embedded in notification
// emails (continue-monitoring, stop-monitoring).
package adminserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dsperanza/availwatch/internal/linksign"
	"github.com/dsperanza/availwatch/internal/store"
)

// Store is the subset of *store.Store the admin routes depend on.
type Store interface {
	GetSubscription(subscriptionID string) (store.Subscription, string, store.Target, error)
	MarkState(subscriptionID string, state store.SubscriptionState) error
	DeleteSubscription(subscriptionID, userID string) error
	CountActive() (int, error)
}

// Server serves the health endpoint and signed-link routes.
type Server struct {
	store   Store
	signer  *linksign.Signer
	logger  *slog.Logger
	server  *http.Server
	address string
	port    int
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("adminserver: failed to write JSON response", "error", err)
	}
}

// New builds a Server. It does not start listening until Start is called.
func New(address string, port int, st Store, signer *linksign.Signer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, signer: signer, logger: logger, address: address, port: port}
}

// Start begins serving HTTP requests; it blocks until the server
// stops (on Shutdown or a listener error).
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /continue-monitoring/{token}", s.handleResume)
	mux.HandleFunc("GET /stop-monitoring/{token}", s.handleStop)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("adminserver: starting", "address", s.address, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("adminserver: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// healthResponse matches the operator-facing health contract.
type healthResponse struct {
	Status              string `json:"status"`
	ActiveSubscriptions int    `json:"activeSubscriptions"`
	NowISO              string `json:"nowISO"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.CountActive()
	if err != nil {
		s.logger.Error("adminserver: health check failed to count active subscriptions", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "unhealthy",
			NowISO: time.Now().UTC().Format(time.RFC3339),
		}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:              "ok",
		ActiveSubscriptions: count,
		NowISO:              time.Now().UTC().Format(time.RFC3339),
	}, s.logger)
}

// handleResume re-activates a subscription a NOTIFIED email's reader
// wants to keep watching past the post-notification quiet period.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	subscriptionID, _, ok := s.verifyAndLoad(w, r, linksign.Resume)
	if !ok {
		return
	}
	if err := s.store.MarkState(subscriptionID, store.StateActive); err != nil {
		s.logger.Error("adminserver: failed to resume subscription", "subscription_id", subscriptionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to update subscription"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "subscriptionId": subscriptionID}, s.logger)
}

// handleStop deletes the subscription a signed STOP link names, per
// the ACTIVE/NOTIFIED -> deleted transition on user action. Unlike
// handleResume this removes the row outright rather than parking it
// in a terminal state, so it can never collide with a later
// re-subscription to the same (target, date).
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	subscriptionID, sub, ok := s.verifyAndLoad(w, r, linksign.Stop)
	if !ok {
		return
	}
	if err := s.store.DeleteSubscription(subscriptionID, sub.UserID); err != nil {
		s.logger.Error("adminserver: failed to stop subscription", "subscription_id", subscriptionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to remove subscription"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "subscriptionId": subscriptionID}, s.logger)
}

// verifyAndLoad verifies token under intent and loads the subscription
// it names, writing the appropriate error response and returning
// ok=false on any failure. Verification itself is side-effect-free
// (per linksign's contract); callers apply their own state change.
func (s *Server) verifyAndLoad(w http.ResponseWriter, r *http.Request, intent linksign.Intent) (string, store.Subscription, bool) {
	token := r.PathValue("token")

	subscriptionID, err := s.signer.Verify(token, intent, time.Now())
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, linksign.ErrExpired) {
			status = http.StatusGone
		}
		writeJSON(w, status, map[string]string{"error": err.Error()}, s.logger)
		return "", store.Subscription{}, false
	}

	sub, _, _, err := s.store.GetSubscription(subscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "subscription not found"}, s.logger)
			return "", store.Subscription{}, false
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"}, s.logger)
		return "", store.Subscription{}, false
	}

	return subscriptionID, sub, true
}
