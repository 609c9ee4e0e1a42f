// Package schedule implements the Scheduler: the single control loop
// that drives DeleteExpired, ListActive, per-target Fetcher+Classifier
// passes, and the Notifier, with block-aware backoff between ticks.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/dsperanza/availwatch/internal/classify"
	"github.com/dsperanza/availwatch/internal/clock"
	"github.com/dsperanza/availwatch/internal/config"
	"github.com/dsperanza/availwatch/internal/datecode"
	"github.com/dsperanza/availwatch/internal/fetch"
	"github.com/dsperanza/availwatch/internal/rotate"
	"github.com/dsperanza/availwatch/internal/session"
	"github.com/dsperanza/availwatch/internal/store"
)

// Store is the subset of *store.Store the Scheduler depends on.
type Store interface {
	DeleteExpired(loc *time.Location) (int, error)
	ListActive() ([]store.ActiveSubscription, error)
	TouchLastChecked(subscriptionID string, ts time.Time) error
	IncrementSuccessCount(subscriptionID string) error
	RecordCheck(targetID string, outcome store.CheckOutcome, elapsedMs int64, foundAvailable bool, errText string) error
}

// Notifier is the subset of *notify.Notifier the Scheduler depends on.
type Notifier interface {
	Notify(ctx context.Context, subscriptionID string) error
}

// SessionPool is the subset of *session.Pool the Scheduler depends on.
type SessionPool interface {
	Acquire(ctx context.Context, targetID string) (*session.Session, bool, error)
	Evict(targetID string, scrubProfile bool)
	EvictAll()
}

// Fetcher is the subset of *fetch.Fetcher the Scheduler depends on.
type Fetcher interface {
	Fetch(browserCtx context.Context, targetURL string, labels []string, isNewSession bool) (fetch.Result, error)
}

// Scheduler runs the single control loop described for the system:
// one worker, synchronous calls, bounded deadlines. There is no
// internal concurrency to reason about beyond cancellation.
type Scheduler struct {
	store    Store
	sessions SessionPool
	fetcher  Fetcher
	notifier Notifier
	rotator  rotate.Rotator
	clock    clock.Clock
	logger   *slog.Logger
	loc      *time.Location
	cfg      config.ScheduleConfig
	rng      *rand.Rand
}

// New builds a Scheduler. loc is the IANA zone subscription dates are
// interpreted in (for DeleteExpired and DateCoder labels).
func New(st Store, sessions SessionPool, fetcher Fetcher, notifier Notifier, rotator rotate.Rotator, clk clock.Clock, loc *time.Location, cfg config.ScheduleConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if rotator == nil {
		rotator = rotate.None{}
	}
	return &Scheduler{
		store:    st,
		sessions: sessions,
		fetcher:  fetcher,
		notifier: notifier,
		rotator:  rotator,
		clock:    clk,
		logger:   logger,
		loc:      loc,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run executes the control loop until ctx is cancelled. On return, it
// has already called SessionPool.EvictAll.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.sessions.EvictAll()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		anyBlocked, err := s.tick(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.logger.Error("scheduler: fatal tick error, halting", "error", err)
			return fmt.Errorf("scheduler tick: %w", err)
		}

		var sleepFor time.Duration
		if anyBlocked {
			s.sessions.EvictAll()
			sleepFor = s.cooldown()
			if _, _, ok := s.rotator.Rotate(ctx); !ok {
				s.logger.Warn("scheduler: identity rotation did not succeed, continuing on cooldown alone")
			}
		} else {
			sleepFor = s.baseInterval()
		}

		if err := s.clock.Sleep(ctx, sleepFor); err != nil {
			return nil
		}
	}
}

// tick runs one full pass over every Target that currently has active
// subscriptions and reports whether any group came back BLOCKED.
func (s *Scheduler) tick(ctx context.Context) (bool, error) {
	if _, err := s.store.DeleteExpired(s.loc); err != nil {
		return false, fmt.Errorf("delete expired subscriptions: %w", err)
	}

	subs, err := s.store.ListActive()
	if err != nil {
		return false, fmt.Errorf("list active subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return false, nil
	}

	groups := groupByTarget(subs)
	order := s.rng.Perm(len(groups))

	anyBlocked := false
	for _, idx := range order {
		if ctx.Err() != nil {
			return anyBlocked, nil
		}

		group := groups[idx]
		s.jitterSleep(ctx, s.cfg.InterGroupJitterMs)
		if ctx.Err() != nil {
			return anyBlocked, nil
		}

		blocked := s.processGroup(ctx, group)
		if blocked {
			s.sessions.Evict(group.target.ID, true)
			anyBlocked = true
			if s.cfg.PauseScope == "all" {
				break
			}
		}
	}

	return anyBlocked, nil
}

// targetGroup is every active subscription sharing one Target.
type targetGroup struct {
	target store.Target
	subs   []store.ActiveSubscription
}

func groupByTarget(subs []store.ActiveSubscription) []targetGroup {
	order := make([]string, 0)
	byTarget := make(map[string]*targetGroup)
	for _, sub := range subs {
		g, ok := byTarget[sub.TargetID]
		if !ok {
			g = &targetGroup{target: sub.Target}
			byTarget[sub.TargetID] = g
			order = append(order, sub.TargetID)
		}
		g.subs = append(g.subs, sub)
	}
	groups := make([]targetGroup, 0, len(order))
	for _, id := range order {
		groups = append(groups, *byTarget[id])
	}
	return groups
}

// processGroup fetches and classifies one Target visit and dispatches
// every subscription in the group on its verdict. It returns whether
// the group came back BLOCKED.
func (s *Scheduler) processGroup(ctx context.Context, group targetGroup) bool {
	sess, isNew, err := s.sessions.Acquire(ctx, group.target.ID)
	if err != nil {
		s.logger.Error("scheduler: failed to acquire session", "target", group.target.Name, "error", err)
		_ = s.store.RecordCheck(group.target.ID, store.OutcomeFailed, 0, false, err.Error())
		return false
	}

	if isNew {
		s.clock.Sleep(ctx, time.Duration(s.cfg.NewSessionSettleSec)*time.Second)
	}

	dates, labels, err := s.dateLabels(group.subs)
	if err != nil {
		s.logger.Error("scheduler: failed to encode date labels", "target", group.target.Name, "error", err)
		return false
	}

	start := s.clock.Now()
	result, fetchErr := s.fetcher.Fetch(sess.Ctx, group.target.URL, labels, isNew)
	if errors.Is(fetchErr, fetch.ErrBroken) {
		s.logger.Warn("scheduler: browser session broken, recreating it and retrying once", "target", group.target.Name)
		s.sessions.Evict(group.target.ID, false)
		if sess, isNew, err = s.sessions.Acquire(ctx, group.target.ID); err != nil {
			fetchErr = err
		} else {
			result, fetchErr = s.fetcher.Fetch(sess.Ctx, group.target.URL, labels, isNew)
		}
	}
	elapsed := s.clock.Now().Sub(start)

	if fetchErr != nil {
		s.logger.Error("scheduler: fetch failed", "target", group.target.Name, "error", fetchErr)
		_ = s.store.RecordCheck(group.target.ID, store.OutcomeFailed, elapsed.Milliseconds(), false, fetchErr.Error())
		return false
	}

	palette := classify.Palette{R: group.target.PaletteR, G: group.target.PaletteG, B: group.target.PaletteB}
	verdicts := classify.Classify(result.Snapshot, result.Side, dates, palette)

	foundAvailable := false
	for _, v := range verdicts {
		if v == classify.Available {
			foundAvailable = true
			break
		}
	}
	if err := s.store.RecordCheck(group.target.ID, store.OutcomeSuccess, elapsed.Milliseconds(), foundAvailable, ""); err != nil {
		s.logger.Error("scheduler: failed to record check", "target", group.target.Name, "error", err)
	}

	groupBlocked := false
	for _, sub := range group.subs {
		if err := s.store.TouchLastChecked(sub.ID, s.clock.Now()); err != nil {
			s.logger.Error("scheduler: failed to touch last_checked_at", "subscription", sub.ID, "error", err)
		}

		switch verdicts[sub.Date] {
		case classify.Available:
			if err := s.notifier.Notify(ctx, sub.ID); err != nil {
				s.logger.Error("scheduler: notify failed", "subscription", sub.ID, "error", err)
			}
			if err := s.store.IncrementSuccessCount(sub.ID); err != nil {
				s.logger.Error("scheduler: failed to bump success count", "subscription", sub.ID, "error", err)
			}
		case classify.Blocked:
			groupBlocked = true
		}
	}

	return groupBlocked
}

// dateLabels builds the date->ariaLabel map Classify expects and the
// parallel label slice Fetch uses to pick a challenge-settle anchor.
func (s *Scheduler) dateLabels(subs []store.ActiveSubscription) (map[string]string, []string, error) {
	dates := make(map[string]string, len(subs))
	labels := make([]string, 0, len(subs))
	for _, sub := range subs {
		label, err := datecode.Encode(sub.Date, s.loc)
		if err != nil {
			return nil, nil, fmt.Errorf("encode date %q: %w", sub.Date, err)
		}
		dates[sub.Date] = label
		labels = append(labels, label)
	}
	return dates, labels, nil
}

func (s *Scheduler) jitterSleep(ctx context.Context, maxMs int) {
	if maxMs <= 0 {
		return
	}
	d := time.Duration(s.rng.Intn(maxMs)) * time.Millisecond
	s.clock.Sleep(ctx, d)
}

func (s *Scheduler) baseInterval() time.Duration {
	base := time.Duration(s.cfg.BaseIntervalSec) * time.Second
	if s.cfg.JitterSec > 0 {
		base += time.Duration(s.rng.Intn(s.cfg.JitterSec)) * time.Second
	}
	return base
}

func (s *Scheduler) cooldown() time.Duration {
	lo, hi := s.cfg.CooldownMinSec, s.cfg.CooldownMaxSec
	if hi <= lo {
		return time.Duration(lo) * time.Second
	}
	return time.Duration(lo+s.rng.Intn(hi-lo)) * time.Second
}
