package recalc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/recalc"
)

func TestExpirySweep_DeactivatesElapsedTimelines(t *testing.T) {
	f := newRecalcFixture(t)
	ctx := context.Background()

	// GIVEN one rule that expired in March and one with an open timeline
	expired := f.ruleInput("spring campaign", "5")
	expired.Timeline = &engine.TimelineInput{Use: true, StartDate: "2026-03-01", EndDate: "2026-03-31"}
	expiredRule, err := f.rules.CreateRule(ctx, expired)
	require.NoError(t, err)

	evergreen, err := f.rules.CreateRule(ctx, f.ruleInput("base commission", "5"))
	require.NoError(t, err)

	sweeper := recalc.NewExpiryScheduler(f.store, zap.NewNop())
	sweeper.Now = func() time.Time { return time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC) }

	// WHEN the sweep runs
	sweeper.RunOnce(ctx)

	// THEN only the elapsed rule was deactivated
	got, err := f.store.GetRule(ctx, expiredRule.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	kept, err := f.store.GetRule(ctx, evergreen.ID)
	require.NoError(t, err)
	assert.True(t, kept.Active)
}

func TestExpirySweep_FutureTimelineStaysActive(t *testing.T) {
	f := newRecalcFixture(t)
	ctx := context.Background()

	in := f.ruleInput("autumn campaign", "5")
	in.Timeline = &engine.TimelineInput{Use: true, StartDate: "2026-09-01", EndDate: "2026-11-30"}
	rule, err := f.rules.CreateRule(ctx, in)
	require.NoError(t, err)

	sweeper := recalc.NewExpiryScheduler(f.store, zap.NewNop())
	sweeper.Now = func() time.Time { return time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC) }
	sweeper.RunOnce(ctx)

	got, err := f.store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
}
