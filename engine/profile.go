package engine

import (
	"context"
	"time"
)

// =============================================================================
// PROFILE CLASSIFICATION
// =============================================================================

// TrailingStats supplies a payee's order count and gross total over a
// window. OrderStore satisfies this.
type TrailingStats interface {
	TrailingStats(ctx context.Context, payee UserID, from, to time.Time) (int, Money, error)
}

// Classifier assigns a payee its profile tier: the highest-priority
// profile whose trailing-window thresholds the payee meets. The window
// ends on the last day of the month before asOf and spans the profile's
// period length.
type Classifier struct {
	Profiles ProfileStore
	Stats    TrailingStats
}

// Classify returns the matching profile name, or "" when no profile
// matches.
func (c *Classifier) Classify(ctx context.Context, payee UserID, asOf time.Time) (string, error) {
	profiles, err := c.Profiles.ListProfiles(ctx)
	if err != nil {
		return "", err
	}

	// Stats for a given window length are computed once and reused
	// across profiles sharing that period.
	type stats struct {
		orders int
		total  Money
	}
	byPeriod := make(map[int]stats)

	for _, profile := range profiles {
		cached, ok := byPeriod[profile.PeriodMonths]
		if !ok {
			from, to := trailingWindow(asOf, profile.PeriodMonths)
			orders, total, err := c.Stats.TrailingStats(ctx, payee, from, to)
			if err != nil {
				return "", err
			}
			cached = stats{orders: orders, total: total}
			byPeriod[profile.PeriodMonths] = cached
		}
		if cached.orders >= profile.TotalOrders && cached.total.GreaterOrEqual(profile.TotalAmount) {
			return profile.Name, nil
		}
	}
	return "", nil
}

// trailingWindow returns the inclusive [from, to] window of the N full
// months preceding asOf's month.
func trailingWindow(asOf time.Time, months int) (time.Time, time.Time) {
	firstOfMonth := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, asOf.Location())
	to := firstOfMonth.Add(-time.Nanosecond)
	from := firstOfMonth.AddDate(0, -months, 0)
	return from, to
}
