package rotate

import (
	"context"
	"log/slog"
	"os"
)

// ProcessExitRotator is the fallback identity-rotation strategy for
// deployments without a Gluetun sidecar: it exits the process and
// relies on a supervisor configured with an always-restart policy to
// bring it back up with a new egress identity (e.g. a new container,
// a new outbound route).
type ProcessExitRotator struct {
	logger *slog.Logger
	// exit is the process-exit hook; tests override it to avoid
	// actually terminating the test binary.
	exit func(code int)
}

// NewProcessExitRotator creates a ProcessExitRotator.
func NewProcessExitRotator(logger *slog.Logger) *ProcessExitRotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessExitRotator{logger: logger, exit: os.Exit}
}

// Rotate logs the decision and exits the process. It never returns in
// production; the supervisor is expected to restart availwatchd.
func (p *ProcessExitRotator) Rotate(ctx context.Context) (string, string, bool) {
	p.logger.Warn("rotating identity by exiting process for supervisor restart")
	p.exit(1)
	return "", "", true
}
