// Package store persists users, targets, subscriptions, check logs, and
// notifications in SQLite, and provides the queries the availability
// engine needs to drive a tick.
package store

import (
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the sole persistence boundary for availwatch. All methods
// are synchronous and transactional per call; there is no ORM, just
// hand-written database/sql queries against a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates a Store backed by the SQLite file at dbPath, running
// migrations if the schema is not already present.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows only one writer at a time; the Scheduler and
	// Notifier already agree on single-writer discipline (see the
	// scheduling design), so a single connection avoids SQLITE_BUSY
	// without needing a busy_timeout dance.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE COLLATE NOCASE,
		credential_hash TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		zone TEXT NOT NULL DEFAULT 'America/Denver',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		palette_r INTEGER NOT NULL,
		palette_g INTEGER NOT NULL,
		palette_b INTEGER NOT NULL,
		cadence_hint_sec INTEGER NOT NULL DEFAULT 120
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		target_id TEXT NOT NULL REFERENCES targets(id) ON DELETE RESTRICT,
		date TEXT NOT NULL,
		state TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_checked_at TEXT,
		success_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(user_id, target_id, date)
	);

	CREATE TABLE IF NOT EXISTS check_logs (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		outcome TEXT NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		found_available INTEGER NOT NULL DEFAULT 0,
		error_text TEXT
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		delivery_status TEXT NOT NULL,
		target_name TEXT NOT NULL,
		date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_state ON subscriptions(state);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_target ON subscriptions(target_id);
	CREATE INDEX IF NOT EXISTS idx_check_logs_target ON check_logs(target_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// newID generates a UUIDv7, falling back to UUIDv4 if v7 generation
// ever errors (clock rollback on some platforms).
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// SeedTargets idempotently inserts the operator-configured initial
// target list. Existing targets (matched by name) are left untouched.
func (s *Store) SeedTargets(seeds []TargetSeed) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range seeds {
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO targets (id, name, url, palette_r, palette_g, palette_b, cadence_hint_sec)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, newID(), t.Name, t.URL, t.PaletteR, t.PaletteG, t.PaletteB, t.CadenceHintSec)
		if err != nil {
			return fmt.Errorf("seed target %q: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

// UpsertUser creates a user if absent, or returns the existing user's
// ID if the email already exists with the same credential hash. It
// returns ErrConflict if the email exists with a different hash.
func (s *Store) UpsertUser(email, credentialHash string) (string, error) {
	row := s.db.QueryRow(`SELECT id, credential_hash FROM users WHERE email = ? COLLATE NOCASE`, email)
	var id, existingHash string
	err := row.Scan(&id, &existingHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = newID()
		_, err := s.db.Exec(`
			INSERT INTO users (id, email, credential_hash, created_at)
			VALUES (?, ?, ?, ?)
		`, id, email, credentialHash, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return "", fmt.Errorf("insert user: %w", err)
		}
		return id, nil
	case err != nil:
		return "", fmt.Errorf("lookup user: %w", err)
	case existingHash != credentialHash:
		return "", ErrConflict
	default:
		return id, nil
	}
}

// HashCredential derives the stored credential hash from an email and
// pin: sha256(lowercase(email) + ":" + pin), hex-encoded. Callers pass
// the result to UpsertUser; AuthByEmailAndPin recomputes it internally.
func HashCredential(email, pin string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(email) + ":" + pin))
	return hex.EncodeToString(sum[:])
}

// AuthByEmailAndPin looks up the user with the given email and checks
// pin against its stored credential hash in constant time. It returns
// ErrInvalidCredentials for both an unknown email and a wrong pin, so
// callers cannot distinguish the two from the error alone.
func (s *Store) AuthByEmailAndPin(email, pin string) (string, error) {
	row := s.db.QueryRow(`SELECT id, credential_hash FROM users WHERE email = ? COLLATE NOCASE`, email)
	var id, existingHash string
	if err := row.Scan(&id, &existingHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("lookup user: %w", err)
	}

	want := HashCredential(email, pin)
	if subtle.ConstantTimeCompare([]byte(want), []byte(existingHash)) != 1 {
		return "", ErrInvalidCredentials
	}
	return id, nil
}

// ListForUser returns every subscription owned by userID, joined with
// its Target, newest first.
func (s *Store) ListForUser(userID string) ([]ActiveSubscription, error) {
	rows, err := s.db.Query(`
		SELECT
			s.id, s.user_id, s.target_id, s.date, s.state, s.priority,
			s.created_at, s.last_checked_at, s.success_count,
			t.id, t.name, t.url, t.palette_r, t.palette_g, t.palette_b, t.cadence_hint_sec
		FROM subscriptions s
		JOIN targets t ON t.id = s.target_id
		WHERE s.user_id = ?
		ORDER BY s.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var subs []ActiveSubscription
	for rows.Next() {
		var sub ActiveSubscription
		var createdAt string
		var lastChecked sql.NullString
		if err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.TargetID, &sub.Date, &sub.State, &sub.Priority,
			&createdAt, &lastChecked, &sub.SuccessCount,
			&sub.Target.ID, &sub.Target.Name, &sub.Target.URL,
			&sub.Target.PaletteR, &sub.Target.PaletteG, &sub.Target.PaletteB, &sub.Target.CadenceHintSec,
		); err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if lastChecked.Valid {
			sub.LastCheckedAt, _ = time.Parse(time.RFC3339Nano, lastChecked.String)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CreateSubscriptions forms the cross product of targetIDs x dates for
// userID, skipping exact duplicates silently. Any date in the past
// (per loc) fails the whole call with ErrPastDate before any row is
// written.
func (s *Store) CreateSubscriptions(userID string, targetIDs []string, dates []string, loc *time.Location) ([]string, error) {
	today := time.Now().In(loc).Format("2006-01-02")
	for _, d := range dates {
		if d < today {
			return nil, fmt.Errorf("%w: %s", ErrPastDate, d)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var ids []string
	for _, targetID := range targetIDs {
		for _, date := range dates {
			id := newID()
			res, err := tx.Exec(`
				INSERT OR IGNORE INTO subscriptions
					(id, user_id, target_id, date, state, priority, created_at, success_count)
				VALUES (?, ?, ?, ?, ?, 0, ?, 0)
			`, id, userID, targetID, date, StateActive, now)
			if err != nil {
				return nil, fmt.Errorf("insert subscription: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return nil, err
			}
			if n > 0 {
				ids = append(ids, id)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListActive returns every ACTIVE subscription joined with its owner's
// email and Target, ordered by (priority DESC, creation ASC) — the
// order the Scheduler consumes directly.
func (s *Store) ListActive() ([]ActiveSubscription, error) {
	rows, err := s.db.Query(`
		SELECT
			s.id, s.user_id, s.target_id, s.date, s.state, s.priority,
			s.created_at, s.last_checked_at, s.success_count,
			u.email,
			t.id, t.name, t.url, t.palette_r, t.palette_g, t.palette_b, t.cadence_hint_sec
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		JOIN targets t ON t.id = s.target_id
		WHERE s.state = ?
		ORDER BY s.priority DESC, s.created_at ASC
	`, StateActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActiveSubscription
	for rows.Next() {
		var a ActiveSubscription
		var createdAt string
		var lastChecked sql.NullString
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.TargetID, &a.Date, &a.State, &a.Priority,
			&createdAt, &lastChecked, &a.SuccessCount,
			&a.UserEmail,
			&a.Target.ID, &a.Target.Name, &a.Target.URL,
			&a.Target.PaletteR, &a.Target.PaletteG, &a.Target.PaletteB, &a.Target.CadenceHintSec,
		); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if lastChecked.Valid {
			a.LastCheckedAt, _ = time.Parse(time.RFC3339Nano, lastChecked.String)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteExpired removes every subscription whose date is before today
// in loc and returns the count removed. Run once per scheduler tick.
func (s *Store) DeleteExpired(loc *time.Location) (int, error) {
	today := time.Now().In(loc).Format("2006-01-02")
	res, err := s.db.Exec(`DELETE FROM subscriptions WHERE date < ?`, today)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountActive returns the number of subscriptions currently in state
// ACTIVE, for the health endpoint.
func (s *Store) CountActive() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM subscriptions WHERE state = ?`, StateActive).Scan(&n)
	return n, err
}

// MarkState transitions a subscription to state.
func (s *Store) MarkState(subscriptionID string, state SubscriptionState) error {
	_, err := s.db.Exec(`UPDATE subscriptions SET state = ? WHERE id = ?`, state, subscriptionID)
	return err
}

// TouchLastChecked records the timestamp of the most recent check
// attempt against a subscription's target.
func (s *Store) TouchLastChecked(subscriptionID string, ts time.Time) error {
	_, err := s.db.Exec(`UPDATE subscriptions SET last_checked_at = ? WHERE id = ?`,
		ts.UTC().Format(time.RFC3339Nano), subscriptionID)
	return err
}

// IncrementSuccessCount bumps a subscription's success counter by one.
func (s *Store) IncrementSuccessCount(subscriptionID string) error {
	_, err := s.db.Exec(`UPDATE subscriptions SET success_count = success_count + 1 WHERE id = ?`, subscriptionID)
	return err
}

// RecordNotification appends a Notification row ahead of an SMTP send
// attempt, with delivery_status PENDING, and returns its ID. Callers
// update the row with MarkNotificationDelivery once the send completes.
func (s *Store) RecordNotification(subscriptionID, userID, targetName, date string) (string, error) {
	id := newID()
	_, err := s.db.Exec(`
		INSERT INTO notifications (id, subscription_id, user_id, ts, delivery_status, target_name, date)
		VALUES (?, ?, ?, ?, 'PENDING', ?, ?)
	`, id, subscriptionID, userID, time.Now().UTC().Format(time.RFC3339Nano), targetName, date)
	if err != nil {
		return "", err
	}
	return id, nil
}

// MarkNotificationDelivery updates a Notification row's status after
// the SMTP send attempt it was recorded ahead of has resolved.
func (s *Store) MarkNotificationDelivery(notificationID string, delivered bool) error {
	status := "SENT"
	if !delivered {
		status = "FAILED"
	}
	_, err := s.db.Exec(`UPDATE notifications SET delivery_status = ? WHERE id = ?`, status, notificationID)
	return err
}

// LastNotifiedAt returns the timestamp of the most recent Notification
// row for subscriptionID, regardless of delivery status, and whether
// one exists at all. Used for the Notifier's soft debounce.
func (s *Store) LastNotifiedAt(subscriptionID string) (time.Time, bool, error) {
	var tsStr string
	err := s.db.QueryRow(`
		SELECT ts FROM notifications WHERE subscription_id = ? ORDER BY ts DESC LIMIT 1
	`, subscriptionID).Scan(&tsStr)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// RecordCheck appends a CheckLog row for one Fetcher+Classifier pass
// against targetID.
func (s *Store) RecordCheck(targetID string, outcome CheckOutcome, elapsedMs int64, foundAvailable bool, errText string) error {
	var errVal sql.NullString
	if errText != "" {
		errVal = sql.NullString{String: errText, Valid: true}
	}
	found := 0
	if foundAvailable {
		found = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO check_logs (id, target_id, ts, outcome, elapsed_ms, found_available, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, newID(), targetID, time.Now().UTC().Format(time.RFC3339Nano), outcome, elapsedMs, found, errVal)
	return err
}

// GetSubscription retrieves a subscription along with its owner's
// email and Target, for use by the signed-link handlers.
func (s *Store) GetSubscription(subscriptionID string) (Subscription, string, Target, error) {
	row := s.db.QueryRow(`
		SELECT
			s.id, s.user_id, s.target_id, s.date, s.state, s.priority,
			s.created_at, s.last_checked_at, s.success_count,
			u.email,
			t.id, t.name, t.url, t.palette_r, t.palette_g, t.palette_b, t.cadence_hint_sec
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		JOIN targets t ON t.id = s.target_id
		WHERE s.id = ?
	`, subscriptionID)

	var sub Subscription
	var email string
	var target Target
	var createdAt string
	var lastChecked sql.NullString

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.TargetID, &sub.Date, &sub.State, &sub.Priority,
		&createdAt, &lastChecked, &sub.SuccessCount,
		&email,
		&target.ID, &target.Name, &target.URL,
		&target.PaletteR, &target.PaletteG, &target.PaletteB, &target.CadenceHintSec,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, "", Target{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, "", Target{}, err
	}

	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastChecked.Valid {
		sub.LastCheckedAt, _ = time.Parse(time.RFC3339Nano, lastChecked.String)
	}
	return sub, email, target, nil
}

// DeleteSubscription removes a subscription after checking that
// userID owns it. Returns ErrForbidden on owner mismatch, ErrNotFound
// if the subscription does not exist.
func (s *Store) DeleteSubscription(subscriptionID, userID string) error {
	row := s.db.QueryRow(`SELECT user_id FROM subscriptions WHERE id = ?`, subscriptionID)
	var owner string
	err := row.Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrForbidden
	}

	_, err = s.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, subscriptionID)
	return err
}

// DeleteUserCascade removes userID and, via ON DELETE CASCADE, every
// subscription and notification it owns.
func (s *Store) DeleteUserCascade(userID string) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, userID)
	return err
}
