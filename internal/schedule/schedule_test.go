package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/dsperanza/availwatch/internal/classify"
	"github.com/dsperanza/availwatch/internal/clock"
	"github.com/dsperanza/availwatch/internal/config"
	"github.com/dsperanza/availwatch/internal/fetch"
	"github.com/dsperanza/availwatch/internal/rotate"
	"github.com/dsperanza/availwatch/internal/session"
	"github.com/dsperanza/availwatch/internal/store"
)

type fakeStore struct {
	subs           []store.ActiveSubscription
	deleteExpired  int
	checks         int
	touchedIDs     []string
	incrementedIDs []string
}

func (f *fakeStore) DeleteExpired(loc *time.Location) (int, error) {
	f.deleteExpired++
	return 0, nil
}

func (f *fakeStore) ListActive() ([]store.ActiveSubscription, error) {
	return f.subs, nil
}

func (f *fakeStore) TouchLastChecked(subscriptionID string, ts time.Time) error {
	f.touchedIDs = append(f.touchedIDs, subscriptionID)
	return nil
}

func (f *fakeStore) IncrementSuccessCount(subscriptionID string) error {
	f.incrementedIDs = append(f.incrementedIDs, subscriptionID)
	return nil
}

func (f *fakeStore) RecordCheck(targetID string, outcome store.CheckOutcome, elapsedMs int64, foundAvailable bool, errText string) error {
	f.checks++
	return nil
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) Notify(ctx context.Context, subscriptionID string) error {
	f.notified = append(f.notified, subscriptionID)
	return nil
}

type fakeSessions struct {
	evicted    []string
	evictAlls  int
	acquireErr error
}

func (f *fakeSessions) Acquire(ctx context.Context, targetID string) (*session.Session, bool, error) {
	if f.acquireErr != nil {
		return nil, false, f.acquireErr
	}
	return &session.Session{TargetID: targetID, Ctx: ctx}, false, nil
}

func (f *fakeSessions) Evict(targetID string, scrubProfile bool) {
	f.evicted = append(f.evicted, targetID)
}

func (f *fakeSessions) EvictAll() {
	f.evictAlls++
}

type fakeFetcher struct {
	result fetch.Result
	err    error
}

func (f *fakeFetcher) Fetch(browserCtx context.Context, targetURL string, labels []string, isNewSession bool) (fetch.Result, error) {
	return f.result, f.err
}

func testTarget(id string) store.Target {
	return store.Target{ID: id, Name: "Campsite " + id, URL: "https://example.com/" + id, PaletteR: 0, PaletteG: 200, PaletteB: 0}
}

func testSub(id, targetID, date string) store.ActiveSubscription {
	return store.ActiveSubscription{
		Subscription: store.Subscription{ID: id, TargetID: targetID, Date: date, State: store.StateActive},
		UserEmail:    "a@example.com",
		Target:       testTarget(targetID),
	}
}

func baseCfg() config.ScheduleConfig {
	return config.ScheduleConfig{
		BaseIntervalSec:     5,
		JitterSec:           1,
		InterGroupJitterMs:  0,
		CooldownMinSec:      10,
		CooldownMaxSec:      20,
		NewSessionSettleSec: 0,
		PauseScope:          "target",
	}
}

func TestTickDispatchesAvailableVerdictToNotifier(t *testing.T) {
	sub := testSub("sub-1", "tgt-1", "2026-04-10")
	fs := &fakeStore{subs: []store.ActiveSubscription{sub}}
	notifier := &fakeNotifier{}
	sessions := &fakeSessions{}

	aria, err := encodeForTest(sub.Date)
	if err != nil {
		t.Fatal(err)
	}

	fetcher := &fakeFetcher{result: fetch.Result{
		Snapshot: classify.DomSnapshot{HTML: `<div aria-label="` + aria + `" style="background-color: rgb(0, 200, 0)"></div>`},
	}}

	loc := time.UTC
	sched := New(fs, sessions, fetcher, notifier, rotate.None{}, clock.NewFake(time.Now()), loc, baseCfg(), nil)

	blocked, err := sched.tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if blocked {
		t.Error("expected not blocked")
	}
	if len(notifier.notified) != 1 || notifier.notified[0] != "sub-1" {
		t.Errorf("expected sub-1 notified, got %v", notifier.notified)
	}
	if len(fs.incrementedIDs) != 1 {
		t.Errorf("expected success count incremented once, got %v", fs.incrementedIDs)
	}
	if len(fs.touchedIDs) != 1 {
		t.Errorf("expected last_checked touched once, got %v", fs.touchedIDs)
	}
	if fs.checks != 1 {
		t.Errorf("expected one RecordCheck call, got %d", fs.checks)
	}
}

func TestTickEvictsOnBlockedVerdict(t *testing.T) {
	sub := testSub("sub-1", "tgt-1", "2026-04-10")
	fs := &fakeStore{subs: []store.ActiveSubscription{sub}}
	notifier := &fakeNotifier{}
	sessions := &fakeSessions{}

	fetcher := &fakeFetcher{result: fetch.Result{
		Snapshot: classify.DomSnapshot{HTML: `<html>Access Denied</html>`},
	}}

	sched := New(fs, sessions, fetcher, notifier, rotate.None{}, clock.NewFake(time.Now()), time.UTC, baseCfg(), nil)

	blocked, err := sched.tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !blocked {
		t.Error("expected blocked result")
	}
	if len(sessions.evicted) != 1 || sessions.evicted[0] != "tgt-1" {
		t.Errorf("expected tgt-1 evicted, got %v", sessions.evicted)
	}
	if len(notifier.notified) != 0 {
		t.Error("expected no notification on BLOCKED verdict")
	}
}

func TestTickNoopWhenNoActiveSubscriptions(t *testing.T) {
	fs := &fakeStore{}
	sched := New(fs, &fakeSessions{}, &fakeFetcher{}, &fakeNotifier{}, rotate.None{}, clock.NewFake(time.Now()), time.UTC, baseCfg(), nil)

	blocked, err := sched.tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if blocked {
		t.Error("expected not blocked on empty tick")
	}
	if fs.deleteExpired != 1 {
		t.Error("expected DeleteExpired to still run on an empty tick")
	}
}

func TestGroupByTargetGroupsSharedTargetSubscriptions(t *testing.T) {
	subs := []store.ActiveSubscription{
		testSub("sub-1", "tgt-1", "2026-04-10"),
		testSub("sub-2", "tgt-1", "2026-04-11"),
		testSub("sub-3", "tgt-2", "2026-04-10"),
	}
	groups := groupByTarget(subs)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	total := 0
	for _, g := range groups {
		total += len(g.subs)
	}
	if total != 3 {
		t.Errorf("expected 3 total subscriptions across groups, got %d", total)
	}
}

func TestCooldownWithinBounds(t *testing.T) {
	sched := New(&fakeStore{}, &fakeSessions{}, &fakeFetcher{}, &fakeNotifier{}, rotate.None{}, clock.NewFake(time.Now()), time.UTC, baseCfg(), nil)
	for i := 0; i < 20; i++ {
		d := sched.cooldown()
		if d < 10*time.Second || d > 20*time.Second {
			t.Fatalf("cooldown %v out of bounds", d)
		}
	}
}

func encodeForTest(iso string) (string, error) {
	t, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return "", err
	}
	return t.Format("Monday, January 2, 2006"), nil
}
