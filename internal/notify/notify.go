// Package notify implements the Notifier: composing and sending the
// availability email for a Subscription, gated by state and debounced
// against accidental re-sends.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dsperanza/availwatch/internal/config"
	"github.com/dsperanza/availwatch/internal/datecode"
	"github.com/dsperanza/availwatch/internal/linksign"
	"github.com/dsperanza/availwatch/internal/store"
)

// DefaultDebounce is the soft debounce window applied against the
// Notification log in addition to the ACTIVE/NOTIFIED state gate.
const DefaultDebounce = 30 * time.Minute

// Store is the subset of *store.Store the Notifier depends on.
type Store interface {
	GetSubscription(subscriptionID string) (store.Subscription, string, store.Target, error)
	LastNotifiedAt(subscriptionID string) (time.Time, bool, error)
	RecordNotification(subscriptionID, userID, targetName, date string) (string, error)
	MarkNotificationDelivery(notificationID string, delivered bool) error
	MarkState(subscriptionID string, state store.SubscriptionState) error
}

// Sender abstracts SMTP delivery so tests can substitute a recorder.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// smtpSender is the production Sender, backed by sendMail.
type smtpSender struct {
	cfg config.SMTPConfig
}

func (s smtpSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	return sendMail(ctx, s.cfg, from, to, msg)
}

// Notifier implements the availability-email flow described for
// Notify: state gate, compose, transactional record-then-send, and a
// soft time-based debounce layered on top of the state gate.
type Notifier struct {
	store    Store
	sender   Sender
	signer   *linksign.Signer
	baseURL  string
	from     string
	debounce time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Notifier. signer issues the RESUME/STOP links embedded
// in the email body; baseURL is the public origin the admin server is
// reachable at (e.g. "https://watch.example.com").
func New(st Store, cfg config.SMTPConfig, signer *linksign.Signer, baseURL string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:    st,
		sender:   smtpSender{cfg: cfg},
		signer:   signer,
		baseURL:  baseURL,
		from:     cfg.From,
		debounce: DefaultDebounce,
		logger:   logger,
		now:      time.Now,
	}
}

// Notify implements the full flow for one subscription that the
// Classifier found AVAILABLE. It is safe to call repeatedly; every
// call beyond the first against an already-NOTIFIED subscription, or
// within the debounce window, is a no-op.
func (n *Notifier) Notify(ctx context.Context, subscriptionID string) error {
	sub, userEmail, target, err := n.store.GetSubscription(subscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}

	if sub.State != store.StateActive {
		return nil
	}

	if lastSent, ok, err := n.store.LastNotifiedAt(subscriptionID); err != nil {
		return fmt.Errorf("check last notification for %s: %w", subscriptionID, err)
	} else if ok && n.now().Sub(lastSent) < n.debounce {
		n.logger.Debug("notify: skipping within debounce window",
			"subscription_id", subscriptionID, "last_sent", lastSent)
		return nil
	}

	// The aria-label format happens to read as a natural human date
	// ("Friday, April 10, 2026"), so the same encoder that builds
	// DOM-match labels for the Classifier doubles as the email's date
	// formatter. The date has no time component, so the location
	// passed here cannot change which calendar day or weekday it names.
	dateLabel, err := datecode.Encode(sub.Date, time.UTC)
	if err != nil {
		return fmt.Errorf("format date for %s: %w", subscriptionID, err)
	}

	issuedAt := n.now()
	resumeToken, err := n.signer.Issue(subscriptionID, linksign.Resume, issuedAt)
	if err != nil {
		return fmt.Errorf("issue resume token: %w", err)
	}
	stopToken, err := n.signer.Issue(subscriptionID, linksign.Stop, issuedAt)
	if err != nil {
		return fmt.Errorf("issue stop token: %w", err)
	}

	msg, err := composeMessage(emailOptions{
		From:       n.from,
		To:         userEmail,
		TargetName: target.Name,
		DateLabel:  dateLabel,
		BookingURL: target.URL,
		ResumeURL:  n.baseURL + "/continue-monitoring/" + resumeToken,
		StopURL:    n.baseURL + "/stop-monitoring/" + stopToken,
	})
	if err != nil {
		return fmt.Errorf("compose message for %s: %w", subscriptionID, err)
	}

	notificationID, err := n.store.RecordNotification(subscriptionID, sub.UserID, target.Name, sub.Date)
	if err != nil {
		return fmt.Errorf("record notification for %s: %w", subscriptionID, err)
	}

	sendErr := n.sender.Send(ctx, n.from, []string{userEmail}, msg)
	if markErr := n.store.MarkNotificationDelivery(notificationID, sendErr == nil); markErr != nil {
		n.logger.Error("notify: failed to record delivery status", "error", markErr, "notification_id", notificationID)
	}

	if sendErr != nil {
		return fmt.Errorf("send notification for %s: %w", subscriptionID, sendErr)
	}

	if err := n.store.MarkState(subscriptionID, store.StateNotified); err != nil {
		return fmt.Errorf("transition %s to NOTIFIED after send: %w", subscriptionID, err)
	}

	n.logger.Info("notify: sent availability email",
		"subscription_id", subscriptionID, "target", target.Name, "date", sub.Date)
	return nil
}
