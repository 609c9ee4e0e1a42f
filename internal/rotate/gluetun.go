package rotate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dsperanza/availwatch/internal/httpkit"
)

// GluetunRotator cycles a Gluetun-managed VPN tunnel by stopping and
// restarting it through Gluetun's local control-server API, verifying
// that the public egress address actually changed.
type GluetunRotator struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	// ReadyTimeout bounds how long to wait for the tunnel to report
	// "running" again after a restart.
	ReadyTimeout time.Duration
	// MaxAttempts bounds how many stop/start cycles to try before
	// giving up on observing a changed IP.
	MaxAttempts int
}

// NewGluetunRotator creates a rotator against the Gluetun control
// server at baseURL (e.g. "http://gluetun:8000").
func NewGluetunRotator(baseURL string, logger *slog.Logger) *GluetunRotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &GluetunRotator{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
		logger:       logger,
		ReadyTimeout: 60 * time.Second,
		MaxAttempts:  3,
	}
}

// Rotate stops the tunnel, restarts it, waits for Gluetun to report it
// running again, and confirms the public IP changed.
func (g *GluetunRotator) Rotate(ctx context.Context) (string, string, bool) {
	oldIP, err := g.publicIP(ctx)
	if err != nil {
		g.logger.Warn("gluetun: could not read current public IP", "error", err)
	}

	for attempt := 1; attempt <= g.MaxAttempts; attempt++ {
		g.logger.Info("gluetun: rotating identity", "attempt", attempt, "old_ip", oldIP)

		if err := g.setStatus(ctx, "stopped"); err != nil {
			g.logger.Error("gluetun: failed to stop tunnel", "error", err)
			return oldIP, "", false
		}

		select {
		case <-ctx.Done():
			return oldIP, "", false
		case <-time.After(5 * time.Second):
		}

		if err := g.setStatus(ctx, "running"); err != nil {
			g.logger.Error("gluetun: failed to start tunnel", "error", err)
			return oldIP, "", false
		}

		if !g.waitReady(ctx) {
			g.logger.Error("gluetun: tunnel did not become ready after restart")
			return oldIP, "", false
		}

		select {
		case <-ctx.Done():
			return oldIP, "", false
		case <-time.After(5 * time.Second):
		}

		newIP, err := g.publicIP(ctx)
		if err != nil {
			g.logger.Warn("gluetun: could not verify new public IP", "error", err)
			return oldIP, "", false
		}
		if newIP != "" && newIP != oldIP {
			g.logger.Info("gluetun: identity rotated", "old_ip", oldIP, "new_ip", newIP)
			return oldIP, newIP, true
		}
		g.logger.Warn("gluetun: public IP unchanged after rotation, retrying", "ip", newIP)
	}

	g.logger.Error("gluetun: exhausted rotation attempts without a new IP")
	return oldIP, "", false
}

func (g *GluetunRotator) publicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/publicip/ip", nil)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		PublicIP string `json:"public_ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.PublicIP, nil
}

func (g *GluetunRotator) setStatus(ctx context.Context, status string) error {
	payload, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.baseURL+"/v1/openvpn/status", strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (g *GluetunRotator) waitReady(ctx context.Context) bool {
	deadline := time.Now().Add(g.ReadyTimeout)
	for time.Now().Before(deadline) {
		status, err := g.status(ctx)
		if err == nil && status == "running" {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(3 * time.Second):
		}
	}
	return false
}

func (g *GluetunRotator) status(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/openvpn/status", nil)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Status, nil
}
