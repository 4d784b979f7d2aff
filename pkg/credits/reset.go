package credits

import "time"

// DefaultResetCycleDays is the number of calendar days between monthly resets.
const DefaultResetCycleDays = 30

// ResetScheduler decides when monthly credits are restored and to which quota.
type ResetScheduler struct {
	quotas    QuotaCatalog
	cycleDays int64
}

// NewResetScheduler builds a scheduler; a non-positive cycle falls back to DefaultResetCycleDays.
func NewResetScheduler(quotas QuotaCatalog, cycleDays int) ResetScheduler {
	if cycleDays <= 0 {
		cycleDays = DefaultResetCycleDays
	}
	return ResetScheduler{quotas: quotas, cycleDays: int64(cycleDays)}
}

// EffectivePlan returns the plan whose quota applies at nowUnixUTC.
// A paid plan whose subscription has lapsed is treated as the fallback tier,
// whatever the directory still stores as the plan.
func (scheduler ResetScheduler) EffectivePlan(subscriber Subscriber, nowUnixUTC int64) PlanID {
	plan := scheduler.quotas.Canonical(subscriber.Plan)
	if scheduler.quotas.IsFallback(plan) {
		return plan
	}
	expiresAt := subscriber.SubscriptionExpiresAtUnixUTC
	if expiresAt != 0 && expiresAt < nowUnixUTC {
		return scheduler.quotas.FallbackPlan()
	}
	return plan
}

// QuotaAt returns the monthly allotment for the subscriber at nowUnixUTC.
func (scheduler ResetScheduler) QuotaAt(subscriber Subscriber, nowUnixUTC int64) int64 {
	return scheduler.quotas.QuotaFor(scheduler.EffectivePlan(subscriber, nowUnixUTC))
}

// IsDue reports whether a full cycle of calendar days has passed since the last reset.
func (scheduler ResetScheduler) IsDue(account Account, nowUnixUTC int64) bool {
	return ElapsedCalendarDays(account.LastResetUnixUTC, nowUnixUTC) >= scheduler.cycleDays
}

// EnsureCurrent applies a due reset to account. Purchased credits and lifetime usage are never touched.
func (scheduler ResetScheduler) EnsureCurrent(account Account, subscriber Subscriber, nowUnixUTC int64) (Account, bool) {
	if !scheduler.IsDue(account, nowUnixUTC) {
		return account, false
	}
	account.MonthlyCredits = scheduler.QuotaAt(subscriber, nowUnixUTC)
	account.CreditsUsedThisMonth = 0
	account.LastResetUnixUTC = nowUnixUTC
	return account, true
}

// ElapsedCalendarDays counts UTC date boundaries crossed between two instants.
func ElapsedCalendarDays(fromUnixUTC int64, toUnixUTC int64) int64 {
	from := startOfDay(time.Unix(fromUnixUTC, 0).UTC())
	to := startOfDay(time.Unix(toUnixUTC, 0).UTC())
	return int64(to.Sub(from) / (24 * time.Hour))
}

// StartOfMonthUnixUTC returns the first instant of the UTC calendar month containing atUnixUTC.
func StartOfMonthUnixUTC(atUnixUTC int64) int64 {
	at := time.Unix(atUnixUTC, 0).UTC()
	return time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC).Unix()
}

func startOfDay(at time.Time) time.Time {
	return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
}
