// Package session manages at most one live headless-browser session
// per monitored target, recycling it after a use bound and tearing it
// down (optionally scrubbing its profile) on block.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// Config carries the SessionPool's operator-tunable bounds.
type Config struct {
	// MaxConcurrent is the upper bound on live sessions across all
	// targets. Default 1 for small-RAM hosts; 2 at most.
	MaxConcurrent int

	// UseBound is the number of Acquire calls a session serves before
	// it is proactively torn down and recreated. Bounds fingerprint
	// accumulation from a long-lived browser profile.
	UseBound int

	// ProfileDir is the parent directory for per-target Chrome user
	// profile directories.
	ProfileDir string

	// Headless controls whether chromedp launches a headless browser.
	Headless bool

	Logger *slog.Logger

	// probe overrides the liveness check, normally a trivial chromedp
	// round trip. Tests substitute a fake to avoid needing a real
	// browser.
	probe func(*Session) bool

	// newSession overrides session creation. Tests substitute a fake
	// to avoid launching a real browser.
	newSession func(ctx context.Context, targetID, profileDir string) (*Session, error)
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.UseBound <= 0 {
		c.UseBound = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is one live browser attached to a single target.
type Session struct {
	TargetID   string
	Ctx        context.Context
	ProfileDir string

	cancel   context.CancelFunc
	useCount int
	lastUsed time.Time
}

// Pool maintains at most Config.MaxConcurrent live Sessions, one per
// target, evicting the least-recently-used peer when the cap would be
// exceeded. Only the Scheduler's single worker touches a Pool, so no
// synchronization is required internally beyond what's needed for
// liveness probes to run without racing a concurrent Evict.
type Pool struct {
	cfg      Config
	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a SessionPool.
func New(cfg Config) *Pool {
	cfg.applyDefaults()
	return &Pool{cfg: cfg, sessions: make(map[string]*Session)}
}

// Acquire returns a healthy session for targetID, creating one if
// absent, replacing one whose liveness probe fails, and evicting the
// least-recently-used peer if the concurrent-session cap would
// otherwise be exceeded. isNew is true whenever a fresh session was
// created (including replacement of a dead one).
func (p *Pool) Acquire(ctx context.Context, targetID string) (*Session, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[targetID]; ok {
		if p.probe(s) {
			s.useCount++
			s.lastUsed = time.Now()
			if s.useCount > p.cfg.UseBound {
				p.cfg.Logger.Info("session use bound reached, recycling",
					"target_id", targetID, "use_count", s.useCount)
				p.evictLocked(targetID, false)
			} else {
				return s, false, nil
			}
		} else {
			p.cfg.Logger.Warn("session liveness probe failed, recreating", "target_id", targetID)
			p.evictLocked(targetID, false)
		}
	}

	if len(p.sessions) >= p.cfg.MaxConcurrent {
		p.evictLRULocked()
	}

	s, err := p.create(ctx, targetID)
	if err != nil {
		return nil, false, err
	}
	p.sessions[targetID] = s
	return s, true, nil
}

// Release is a logical no-op between ticks; sessions persist until
// evicted or recycled.
func (p *Pool) Release(targetID string) {}

// Evict tears down the session for targetID. If scrubProfile, the
// persisted browser profile directory is also removed, forcing a
// clean identity on next acquisition.
func (p *Pool) Evict(targetID string, scrubProfile bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictLocked(targetID, scrubProfile)
}

// EvictAll tears down every live session. Called on shutdown.
func (p *Pool) EvictAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.sessions {
		p.evictLocked(id, false)
	}
}

func (p *Pool) evictLocked(targetID string, scrubProfile bool) {
	s, ok := p.sessions[targetID]
	if !ok {
		return
	}
	s.cancel()
	delete(p.sessions, targetID)

	if scrubProfile && s.ProfileDir != "" {
		if err := os.RemoveAll(s.ProfileDir); err != nil {
			p.cfg.Logger.Warn("failed to scrub session profile", "target_id", targetID, "error", err)
		}
	}
}

func (p *Pool) evictLRULocked() {
	var oldestID string
	var oldest time.Time
	for id, s := range p.sessions {
		if oldestID == "" || s.lastUsed.Before(oldest) {
			oldestID, oldest = id, s.lastUsed
		}
	}
	if oldestID != "" {
		p.cfg.Logger.Info("evicting least-recently-used session to respect concurrency cap", "target_id", oldestID)
		p.evictLocked(oldestID, false)
	}
}

// probe runs a trivial property read on the browser handle to check
// the session is still responsive.
func (p *Pool) probe(s *Session) bool {
	if p.cfg.probe != nil {
		return p.cfg.probe(s)
	}

	probeCtx, cancel := context.WithTimeout(s.Ctx, 3*time.Second)
	defer cancel()

	var title string
	err := chromedp.Run(probeCtx, chromedp.Title(&title))
	return err == nil
}

func (p *Pool) create(ctx context.Context, targetID string) (*Session, error) {
	profileDir := filepath.Join(p.cfg.ProfileDir, targetID)
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	if p.cfg.newSession != nil {
		return p.cfg.newSession(ctx, targetID, profileDir)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("headless", p.cfg.Headless),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	cancel := func() {
		browserCancel()
		allocCancel()
	}

	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser for %s: %w", targetID, err)
	}

	return &Session{
		TargetID:   targetID,
		Ctx:        browserCtx,
		ProfileDir: profileDir,
		cancel:     cancel,
		useCount:   1,
		lastUsed:   time.Now(),
	}, nil
}
