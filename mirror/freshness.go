package mirror

import "time"

// FreshnessPolicy decides whether a cached item needs an upstream refresh.
// The tiers relax the refresh cadence as content ages, bounding upstream
// request volume while keeping recent content near-real-time.
type FreshnessPolicy struct {
	// AttemptCooldown suppresses refresh storms: any attempt within this
	// window counts as fresh regardless of outcome.
	AttemptCooldown time.Duration
	RecentWindow    time.Duration
	WeekWindow      time.Duration
	MonthWindow     time.Duration
}

func DefaultFreshnessPolicy() FreshnessPolicy {
	return FreshnessPolicy{
		AttemptCooldown: 5 * time.Minute,
		RecentWindow:    time.Hour,
		WeekWindow:      7 * 24 * time.Hour,
		MonthWindow:     28 * 24 * time.Hour,
	}
}

// NeedsRefresh reports whether the item is stale. postedAt is the upstream
// origin timestamp; the two refresh timestamps may be zero for items never
// attempted or never successfully refreshed.
func (p FreshnessPolicy) NeedsRefresh(postedAt, lastAttempt, lastSuccess, now time.Time) bool {
	if !lastAttempt.IsZero() && now.Sub(lastAttempt) < p.AttemptCooldown {
		return false
	}

	age := now.Sub(postedAt)
	sinceSuccess := now.Sub(lastSuccess)
	if lastSuccess.IsZero() {
		return true
	}

	if age > p.RecentWindow && sinceSuccess < p.RecentWindow {
		return false
	}
	if age > p.WeekWindow && sinceSuccess < p.WeekWindow {
		return false
	}
	if age > p.MonthWindow && sinceSuccess < p.MonthWindow {
		return false
	}

	return true
}
