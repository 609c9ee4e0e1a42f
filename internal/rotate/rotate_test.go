package rotate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNoneRotatorReportsNotOK(t *testing.T) {
	var r Rotator = None{}
	old, new, ok := r.Rotate(context.Background())
	if ok {
		t.Error("expected ok=false for None rotator")
	}
	if old != "" || new != "" {
		t.Error("expected empty identities for None rotator")
	}
}

func TestProcessExitRotatorCallsExitHook(t *testing.T) {
	r := NewProcessExitRotator(nil)
	var exitCode int
	called := false
	r.exit = func(code int) { called = true; exitCode = code }

	_, _, ok := r.Rotate(context.Background())
	if !called {
		t.Fatal("expected exit hook to be called")
	}
	if exitCode != 1 {
		t.Errorf("expected exit code 1, got %d", exitCode)
	}
	if !ok {
		t.Error("expected ok=true (rotation was attempted)")
	}
}

func TestGluetunRotatorHappyPath(t *testing.T) {
	ips := []string{"1.2.3.4", "1.2.3.4", "5.6.7.8"}
	ipCall := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/publicip/ip", func(w http.ResponseWriter, r *http.Request) {
		ip := ips[ipCall]
		if ipCall < len(ips)-1 {
			ipCall++
		}
		json.NewEncoder(w).Encode(map[string]string{"public_ip": ip})
	})
	mux.HandleFunc("/v1/openvpn/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]string{"status": "running"})
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewGluetunRotator(srv.URL, nil)
	r.ReadyTimeout = 2 * time.Second
	r.MaxAttempts = 3

	old, newIP, ok := r.Rotate(context.Background())
	if !ok {
		t.Fatal("expected rotation to succeed")
	}
	if old != "1.2.3.4" {
		t.Errorf("unexpected old IP %q", old)
	}
	if newIP != "5.6.7.8" {
		t.Errorf("unexpected new IP %q", newIP)
	}
}

func TestGluetunRotatorFailsWhenStopFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/openvpn/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/v1/publicip/ip", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"public_ip": "1.2.3.4"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewGluetunRotator(srv.URL, nil)
	_, _, ok := r.Rotate(context.Background())
	if ok {
		t.Error("expected rotation to fail when stop call errors")
	}
}
