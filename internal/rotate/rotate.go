// Package rotate provides pluggable strategies for changing availwatch's
// egress identity after the Classifier reports BLOCKED.
package rotate

import "context"

// Rotator is the Scheduler's abstract view of identity rotation. The
// Scheduler treats the result as opaque: ok==true means "try again
// after a stabilization delay"; ok==false is fatal to the cycle.
type Rotator interface {
	Rotate(ctx context.Context) (oldIdentity, newIdentity string, ok bool)
}

// None is a no-op Rotator for deployments without any rotation
// mechanism configured. Rotate always reports ok=false so the
// Scheduler knows not to expect a changed identity.
type None struct{}

func (None) Rotate(ctx context.Context) (string, string, bool) {
	return "", "", false
}
