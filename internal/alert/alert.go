// Package alert delivers saved searches: a small query DSL parsed into
// filters, a matcher run against every approved listing, and a notifier that
// messages the alert's owner within their plan's delay and daily cap.
package alert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carscout/internal/queue"
	"carscout/internal/ratelimit"
	"carscout/internal/store"
	"carscout/internal/telegram"
)

// Engine runs the match stage: one approved listing against every active
// alert.
type Engine struct {
	log *zap.Logger
	db  *store.Store
	now func() time.Time
}

// NewEngine builds an Engine.
func NewEngine(log *zap.Logger, db *store.Store) *Engine {
	return &Engine{log: log, db: db, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// MatchListing records a match for every active alert the listing satisfies
// and schedules each notification after the owner's plan delay. The match row
// and the notify job share a transaction; the unique (alert, listing) pair
// makes replays no-ops. Returns how many new matches were recorded.
func (e *Engine) MatchListing(ctx context.Context, listingID uuid.UUID) (int, error) {
	q := e.db.SqlDB()
	l, err := store.GetListing(q, listingID)
	if err != nil {
		return 0, err
	}
	if l.IsDuplicate {
		return 0, nil
	}
	sc, err := store.GetScore(q, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if sc.State != store.StateApproved {
		return 0, nil
	}

	alerts, err := store.ActiveAlerts(q)
	if err != nil {
		return 0, err
	}
	matched := 0
	now := e.now().UTC()
	for _, a := range alerts {
		f, err := DecodeFilters(a.FiltersJSON)
		if err != nil {
			e.log.Warn("alert has unreadable filters",
				zap.String("alert", a.ID.String()), zap.Error(err))
			continue
		}
		if !f.Match(l) {
			continue
		}
		ent, err := store.GetEntitlement(q, a.UserID)
		if err != nil {
			return matched, fmt.Errorf("entitlement for alert %s: %w", a.ID, err)
		}
		m := &store.AlertMatch{
			AlertID:     a.ID,
			ListingID:   l.ID,
			MatchedAt:   now,
			NotifyAfter: now.Add(ent.Delay),
		}
		err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
			inserted, err := store.InsertAlertMatch(tx, m)
			if err != nil || !inserted {
				return err
			}
			matched++
			_, err = queue.Enqueue(tx, queue.StageNotify, m.ID, queue.WithDelay(ent.Delay))
			return err
		})
		if err != nil {
			return matched, err
		}
	}
	if matched > 0 {
		e.log.Info("listing matched alerts",
			zap.String("listing", listingID.String()), zap.Int("matches", matched))
	}
	return matched, nil
}

// Outcome says what a notification attempt did.
type Outcome int

const (
	// Sent delivered the message and settled the match as notified.
	Sent Outcome = iota
	// Deferred re-enqueued itself: plan delay not yet elapsed or rate limited.
	Deferred
	// Skipped settled the match without sending: alert off, subscription
	// lapsed, daily cap, or the match was already settled.
	Skipped
	// Failed settled the match as permanently undeliverable.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Deferred:
		return "deferred"
	case Failed:
		return "failed"
	default:
		return "skipped"
	}
}

// Config tunes per-user direct-message pacing.
type Config struct {
	BucketCapacity int
	RefillPerSec   float64
}

// DefaultConfig allows short bursts at roughly one message per second,
// matching the transport's own per-chat limit.
func DefaultConfig() Config {
	return Config{BucketCapacity: 5, RefillPerSec: 1}
}

// Notifier delivers settled-on matches to their owners.
type Notifier struct {
	log     *zap.Logger
	db      *store.Store
	limiter *ratelimit.Limiter
	msgr    telegram.Messenger
	cfg     Config
	now     func() time.Time
}

// NewNotifier builds a Notifier.
func NewNotifier(log *zap.Logger, db *store.Store, limiter *ratelimit.Limiter, msgr telegram.Messenger, cfg Config) *Notifier {
	return &Notifier{log: log, db: db, limiter: limiter, msgr: msgr, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (n *Notifier) WithClock(now func() time.Time) *Notifier {
	n.now = now
	return n
}

// Notify delivers one alert match. Entitlements are re-checked here, at send
// time, not at match time: an alert turned off or a lapsed subscription
// settles the match as skipped instead of sending.
func (n *Notifier) Notify(ctx context.Context, matchID uuid.UUID) (Outcome, error) {
	q := n.db.SqlDB()
	m, err := store.GetAlertMatch(q, matchID)
	if err != nil {
		return Skipped, err
	}
	if m.Status != store.MatchPending {
		return Skipped, nil
	}
	now := n.now().UTC()
	if wait := m.NotifyAfter.Sub(now); wait > 0 {
		return n.requeue(matchID, wait)
	}

	a, err := store.GetAlert(q, m.AlertID)
	if err != nil {
		return Skipped, err
	}
	if !a.Active {
		return n.settle(matchID, store.MatchSkipped, time.Time{}, "alert inactive")
	}
	ent, err := store.GetEntitlement(q, a.UserID)
	if err != nil {
		return Skipped, err
	}
	if ent.Status != "active" {
		return n.settle(matchID, store.MatchSkipped, time.Time{}, "subscription not active")
	}
	capped := ent.DailyCap != store.UnlimitedDailyCap
	capKey := "notify:" + a.UserID.String()
	if capped {
		sent, err := n.takeDailySlot(ctx, capKey, a.UserID, now)
		if err != nil {
			return Skipped, err
		}
		if sent > ent.DailyCap {
			n.freeDailySlot(ctx, capKey, now)
			return n.settle(matchID, store.MatchSkipped, time.Time{}, "daily cap reached")
		}
	}

	out, err := n.deliver(ctx, matchID, m, a, now)
	// A reservation is only spent by a send that happened.
	if capped && out != Sent {
		n.freeDailySlot(ctx, capKey, now)
	}
	return out, err
}

func (n *Notifier) deliver(ctx context.Context, matchID uuid.UUID, m *store.AlertMatch, a *store.Alert, now time.Time) (Outcome, error) {
	q := n.db.SqlDB()
	user, err := store.GetUser(q, a.UserID)
	if err != nil {
		return Skipped, err
	}
	allowed, retryAfter, err := n.limiter.Take(ctx, "notify:"+user.ID.String(),
		n.cfg.BucketCapacity, n.cfg.RefillPerSec)
	if err != nil {
		return Skipped, err
	}
	if !allowed {
		return n.requeue(matchID, retryAfter)
	}

	l, err := store.GetListing(q, m.ListingID)
	if err != nil {
		return Skipped, err
	}
	text, err := n.message(l)
	if err != nil {
		return Skipped, err
	}
	chat := strconv.FormatInt(user.TelegramUserID, 10)
	if _, err := n.msgr.SendMessage(ctx, chat, text); err != nil {
		return n.sendOutcome(matchID, err)
	}
	if _, err := store.SettleAlertMatch(q, matchID, store.MatchNotified, now); err != nil {
		return Sent, err
	}
	n.log.Info("alert notification sent",
		zap.String("match", matchID.String()), zap.String("user", user.ID.String()))
	return Sent, nil
}

// takeDailySlot reserves one of the user's daily notification slots. The
// Redis counter is the atomic cap check across workers; a counter starting
// fresh mid-day is backfilled from the settled match rows, so a Redis restart
// cannot reopen an already spent cap.
func (n *Notifier) takeDailySlot(ctx context.Context, key string, userID uuid.UUID, now time.Time) (int, error) {
	sent, err := n.limiter.IncrDaily(ctx, key, now)
	if err != nil {
		return 0, err
	}
	if sent == 1 {
		prior, err := store.CountNotifiedToday(n.db.SqlDB(), userID, now)
		if err != nil {
			n.freeDailySlot(ctx, key, now)
			return 0, err
		}
		if prior > 0 {
			if sent, err = n.limiter.AddDaily(ctx, key, now, prior); err != nil {
				return 0, err
			}
		}
	}
	return sent, nil
}

func (n *Notifier) freeDailySlot(ctx context.Context, key string, now time.Time) {
	if _, err := n.limiter.AddDaily(ctx, key, now, -1); err != nil {
		n.log.Warn("daily slot release failed", zap.String("key", key), zap.Error(err))
	}
}

// sendOutcome maps transport errors: rate limits defer with the server's
// hint, permanent failures settle the match as failed so the user is never
// retried into, transient failures surface to the queue's retry policy.
func (n *Notifier) sendOutcome(matchID uuid.UUID, err error) (Outcome, error) {
	var rl *telegram.RateLimitedError
	if errors.As(err, &rl) {
		return n.requeue(matchID, rl.RetryAfter)
	}
	var inv *telegram.InvalidRecipientError
	var perm *telegram.PermanentError
	if errors.As(err, &inv) || errors.As(err, &perm) {
		n.log.Warn("alert notification undeliverable",
			zap.String("match", matchID.String()), zap.Error(err))
		if _, serr := store.SettleAlertMatch(n.db.SqlDB(), matchID, store.MatchFailed, time.Time{}); serr != nil {
			return Failed, serr
		}
		return Failed, nil
	}
	return Skipped, err
}

func (n *Notifier) settle(matchID uuid.UUID, status string, at time.Time, reason string) (Outcome, error) {
	if _, err := store.SettleAlertMatch(n.db.SqlDB(), matchID, status, at); err != nil {
		return Skipped, err
	}
	n.log.Debug("alert match settled without send",
		zap.String("match", matchID.String()), zap.String("status", status), zap.String("reason", reason))
	if status == store.MatchFailed {
		return Failed, nil
	}
	return Skipped, nil
}

func (n *Notifier) requeue(matchID uuid.UUID, after time.Duration) (Outcome, error) {
	if after < time.Second {
		after = time.Second
	}
	if _, err := queue.Enqueue(n.db.SqlDB(), queue.StageNotify, matchID, queue.WithDelay(after)); err != nil {
		return Skipped, err
	}
	n.log.Debug("alert notification deferred",
		zap.String("match", matchID.String()), zap.Duration("after", after))
	return Deferred, nil
}

// message renders the direct-message text for one matched listing.
func (n *Notifier) message(l *store.Listing) (string, error) {
	raw, err := store.GetRawListing(n.db.SqlDB(), l.RawID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("🔔 Нова обява по вашето търсене\n")
	fmt.Fprintf(&b, "🚗 %s\n", l.Title)
	fmt.Fprintf(&b, "💰 %s лв\n", groupDigits(l.PriceBGN))

	var specs []string
	if l.Year > 0 {
		specs = append(specs, fmt.Sprintf("%d г.", l.Year))
	}
	if l.MileageKM > 0 {
		specs = append(specs, fmt.Sprintf("%s км", groupDigits(decimal.NewFromInt(l.MileageKM))))
	}
	if l.Region != "" {
		specs = append(specs, l.Region)
	}
	if len(specs) > 0 {
		fmt.Fprintf(&b, "📋 %s\n", strings.Join(specs, " • "))
	}
	fmt.Fprintf(&b, "🔗 %s", raw.URL)
	return b.String(), nil
}

// groupDigits renders a whole amount with thin thousands grouping.
func groupDigits(d decimal.Decimal) string {
	s := d.Round(0).String()
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, " ")
	if neg {
		return "-" + out
	}
	return out
}
