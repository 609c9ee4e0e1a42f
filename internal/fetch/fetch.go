// Package fetch drives a headless-browser session against a target's
// calendar page and captures the rendered DOM plus the side-channel
// signals the Classifier needs to tell BLOCKED from honestly empty.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/dsperanza/availwatch/internal/classify"
)

// ErrBroken is returned when the underlying browser handle is dead or
// unreachable. The caller (Scheduler) treats it as FETCH_BROKEN: evict
// the session without scrubbing its profile and retry once.
var ErrBroken = errors.New("fetch: browser session is broken")

// Tuning constants, target- and deployment-independent. The Scheduler
// owns the per-tick interval knobs; these bound a single Fetch call.
const (
	// DefaultNavigationTimeout bounds how long navigation to the
	// calendar URL may take before the fetch gives up on that step.
	DefaultNavigationTimeout = 30 * time.Second

	// DefaultFirstElementTimeout bounds the wait for the DOM element
	// labeled by the first requested date. The snapshot is taken
	// regardless of whether this wait succeeds.
	DefaultFirstElementTimeout = 10 * time.Second

	// DefaultSettleDelay is the generic settling pause applied to
	// every fetch before reading the DOM.
	DefaultSettleDelay = 3 * time.Second
)

// Fetcher captures a DomSnapshot and SideChannel from one target using
// an already-acquired browser context. It does not own session
// lifecycle; that is the SessionPool's job.
type Fetcher struct {
	rng *rand.Rand
}

// New creates a Fetcher.
func New() *Fetcher {
	return &Fetcher{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Result bundles what Fetch captured for the Classifier.
type Result struct {
	Snapshot classify.DomSnapshot
	Side     classify.SideChannel
}

// Fetch navigates browserCtx to targetURL, waits for first useful
// render, performs light humanization, and captures the page. labels
// is the set of aria-labels the Classifier will look for, used only
// to bound the first-element wait — Fetch does not interpret them.
//
// Fetch never retries internally beyond the one network-level retry
// chromedp itself performs on transient navigation errors;
// distinguishing BLOCKED from FAILED is the Classifier's job.
func (f *Fetcher) Fetch(browserCtx context.Context, targetURL string, labels []string, isNewSession bool) (Result, error) {
	navCtx, cancel := context.WithTimeout(browserCtx, DefaultNavigationTimeout)
	defer cancel()

	var consoleMessages []string
	chromedp.ListenTarget(navCtx, func(ev interface{}) {
		if msg, ok := consoleEventText(ev); ok {
			consoleMessages = append(consoleMessages, msg)
		}
	})

	settle := DefaultSettleDelay
	if isNewSession {
		// New sessions need extra time to clear anti-bot challenge
		// pages before the calendar itself renders.
		settle = DefaultSettleDelay * 4
	}

	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			return runtime.Enable().Do(ctx)
		}),
		chromedp.Navigate(targetURL),
		chromedp.Sleep(jitter(f.rng, settle)),
	}

	if len(labels) > 0 {
		selector := fmt.Sprintf(`[aria-label=%q]`, labels[0])
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			waitCtx, waitCancel := context.WithTimeout(ctx, DefaultFirstElementTimeout)
			defer waitCancel()
			// Best effort: the snapshot is taken regardless of whether
			// this resolves, so a timeout here is not an error.
			_ = chromedp.WaitVisible(selector, chromedp.ByQuery).Do(waitCtx)
			return nil
		}))
	}
	actions = append(actions, humanizationActions(f.rng)...)

	var html, finalURL, title string
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
	)

	if err := chromedp.Run(navCtx, actions...); err != nil {
		if isBrowserDead(err) {
			return Result{}, fmt.Errorf("%w: %v", ErrBroken, err)
		}
		return Result{}, fmt.Errorf("fetch %s: %w", targetURL, err)
	}

	return Result{
		Snapshot: classify.DomSnapshot{HTML: html},
		Side: classify.SideChannel{
			FinalURL:        finalURL,
			Title:           title,
			ConsoleMessages: consoleMessages,
		},
	}, nil
}

// humanizationActions returns a short randomized sequence of scroll
// and pause actions so consecutive visits do not deterministically
// match each other.
func humanizationActions(rng *rand.Rand) []chromedp.Action {
	steps := 2 + rng.Intn(3)
	var actions []chromedp.Action
	for i := 0; i < steps; i++ {
		scrollAmount := 150 + rng.Intn(250)
		actions = append(actions,
			chromedp.Evaluate(fmt.Sprintf(`window.scrollBy({top: %d, behavior: 'smooth'})`, scrollAmount), nil),
			chromedp.Sleep(jitter(rng, 800*time.Millisecond)),
		)
	}
	return actions
}

// jitter returns a duration randomized between 70% and 130% of base.
func jitter(rng *rand.Rand, base time.Duration) time.Duration {
	factor := 0.7 + rng.Float64()*0.6
	return time.Duration(float64(base) * factor)
}

// isBrowserDead reports whether err indicates the underlying browser
// process or connection is gone, as opposed to an ordinary navigation
// timeout or page error.
func isBrowserDead(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{"context canceled", "websocket: close", "use of closed network connection"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// consoleEventText extracts a log line from a chromedp target event,
// if ev is a console API call event. Returns ok=false for anything else.
func consoleEventText(ev interface{}) (string, bool) {
	call, ok := ev.(*runtime.EventConsoleAPICalled)
	if !ok {
		return "", false
	}
	var parts string
	for i, arg := range call.Args {
		if i > 0 {
			parts += " "
		}
		if arg.Value != nil {
			parts += string(arg.Value)
		} else if arg.Description != "" {
			parts += arg.Description
		}
	}
	return parts, true
}
