package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UnlimitedDailyCap marks a plan without a daily notification limit.
const UnlimitedDailyCap = -1

// SeedPlans installs the three subscription tiers if missing.
func SeedPlans(q Querier, freeDelay time.Duration, freeCap, premiumCap int) error {
	plans := []Plan{
		{Name: PlanFree, MaxAlerts: 3, Delay: freeDelay, DailyCap: freeCap},
		{Name: PlanPremium, MaxAlerts: 10, Delay: 0, DailyCap: premiumCap},
		{Name: PlanPro, MaxAlerts: 50, Delay: 0, DailyCap: UnlimitedDailyCap},
	}
	for _, p := range plans {
		_, err := q.Exec(`
			INSERT INTO plans (id, name, max_alerts, delay_s, daily_cap)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
			  max_alerts = excluded.max_alerts, delay_s = excluded.delay_s,
			  daily_cap = excluded.daily_cap`,
			uuid.New().String(), p.Name, p.MaxAlerts, int64(p.Delay/time.Second), p.DailyCap)
		if err != nil {
			return fmt.Errorf("seed plan %s: %w", p.Name, err)
		}
	}
	return nil
}

// GetPlanByName looks a plan up by tier name.
func GetPlanByName(q Querier, name string) (*Plan, error) {
	return scanPlan(q.QueryRow(`
		SELECT id, name, max_alerts, delay_s, daily_cap FROM plans WHERE name = ?`, name))
}

// GetPlan looks a plan up by id.
func GetPlan(q Querier, id uuid.UUID) (*Plan, error) {
	return scanPlan(q.QueryRow(`
		SELECT id, name, max_alerts, delay_s, daily_cap FROM plans WHERE id = ?`, id.String()))
}

func scanPlan(row *sql.Row) (*Plan, error) {
	var (
		p      Plan
		idStr  string
		delayS int64
	)
	if err := row.Scan(&idStr, &p.Name, &p.MaxAlerts, &delayS, &p.DailyCap); err != nil {
		return nil, wrapNotFound("get plan", err)
	}
	p.ID, _ = uuid.Parse(idStr)
	p.Delay = time.Duration(delayS) * time.Second
	return &p, nil
}

// InsertUser creates a user on a plan.
func InsertUser(q Querier, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = "active"
	}
	_, err := q.Exec(`
		INSERT INTO users (id, telegram_user_id, plan_id, status) VALUES (?, ?, ?, ?)`,
		u.ID.String(), u.TelegramUserID, u.PlanID.String(), u.Status)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser loads one user.
func GetUser(q Querier, id uuid.UUID) (*User, error) {
	var (
		u              User
		idStr, planStr string
	)
	err := q.QueryRow(`
		SELECT id, telegram_user_id, plan_id, status FROM users WHERE id = ?`, id.String()).
		Scan(&idStr, &u.TelegramUserID, &planStr, &u.Status)
	if err != nil {
		return nil, wrapNotFound("get user", err)
	}
	u.ID, _ = uuid.Parse(idStr)
	u.PlanID, _ = uuid.Parse(planStr)
	return &u, nil
}

// UpsertSubscription writes the billing-side projection for a user.
func UpsertSubscription(q Querier, sub *Subscription) error {
	_, err := q.Exec(`
		INSERT INTO subscriptions (user_id, plan_id, status, current_period_end)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		  plan_id = excluded.plan_id, status = excluded.status,
		  current_period_end = excluded.current_period_end`,
		sub.UserID.String(), sub.PlanID.String(), sub.Status, nullTime(sub.CurrentPeriodEnd))
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// Entitlement is the read-only view consulted on every alert dispatch.
type Entitlement struct {
	UserID           uuid.UUID
	PlanName         string
	Status           string
	CurrentPeriodEnd time.Time
	Delay            time.Duration
	DailyCap         int
	MaxAlerts        int
}

// GetEntitlement resolves a user's effective plan. A user with no
// subscription row falls back to their user-level plan with active status;
// free users typically have no subscription.
func GetEntitlement(q Querier, userID uuid.UUID) (*Entitlement, error) {
	u, err := GetUser(q, userID)
	if err != nil {
		return nil, err
	}
	ent := &Entitlement{UserID: userID, Status: u.Status}

	var (
		planStr, status string
		periodEnd       sql.NullString
	)
	err = q.QueryRow(`
		SELECT plan_id, status, current_period_end FROM subscriptions WHERE user_id = ?`,
		userID.String()).Scan(&planStr, &status, &periodEnd)
	planID := u.PlanID
	switch {
	case err == sql.ErrNoRows:
		// Keep the user-level plan.
	case err != nil:
		return nil, fmt.Errorf("get subscription: %w", err)
	default:
		planID, _ = uuid.Parse(planStr)
		ent.Status = status
		ent.CurrentPeriodEnd, _ = ParseTime(periodEnd.String)
	}

	plan, err := GetPlan(q, planID)
	if err != nil {
		return nil, err
	}
	ent.PlanName = plan.Name
	ent.Delay = plan.Delay
	ent.DailyCap = plan.DailyCap
	ent.MaxAlerts = plan.MaxAlerts
	return ent, nil
}
