package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/store/memory"
)

// newTestLedger pins "now" to mid-April 2026 so February and March
// periods count as fully elapsed.
func newTestLedger(t *testing.T) (*ledger.Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	l := ledger.New(store)
	l.Now = func() time.Time { return time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC) }
	return l, store
}

func posting(id, order string, month time.Time, amount string) engine.CommissionPosting {
	return engine.CommissionPosting{
		ID:          engine.PostingID(id),
		Payee:       "agent-1",
		Order:       engine.OrderID(order),
		Service:     "svc-electricity",
		Month:       month,
		Amount:      engine.MustParseMoney(amount),
		RuleVersion: "version-1",
		Key:         engine.PostingKey(engine.OrderID(order), "version-1", ""),
		CreatedAt:   time.Now(),
	}
}

var (
	february = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	march    = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	april    = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

// =============================================================================
// POSTING
// =============================================================================

func TestPost_CreatesPendingPeriodOnFirstUse(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// WHEN the first posting for (payee, service, February) arrives
	require.NoError(t, l.Post(ctx, posting("posting-1", "order-1", february, "57.5")))

	// THEN a pending period exists and holds the posting
	periods, err := l.Periods(ctx, engine.PeriodFilter{})
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, engine.PeriodPending, periods[0].Status)
	assert.Equal(t, february, periods[0].Month)

	postings, err := l.Postings(ctx, periods[0].ID)
	require.NoError(t, err)
	require.Len(t, postings, 1)
	assert.Equal(t, periods[0].ID, postings[0].Period)
}

func TestPost_ReusesExistingPeriod(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Post(ctx, posting("posting-1", "order-1", february, "10")))
	require.NoError(t, l.Post(ctx, posting("posting-2", "order-2", february, "20")))

	periods, err := l.Periods(ctx, engine.PeriodFilter{})
	require.NoError(t, err)
	require.Len(t, periods, 1)

	postings, err := l.Postings(ctx, periods[0].ID)
	require.NoError(t, err)
	assert.Len(t, postings, 2)
}

func TestPost_DuplicateKeyRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Post(ctx, posting("posting-1", "order-1", february, "10")))

	// A redelivered posting carries the same (order, version, sku) key
	err := l.Post(ctx, posting("posting-2", "order-1", february, "10"))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDuplicatePosting)
}

// =============================================================================
// STATUS LIFECYCLE
// =============================================================================

func advanceTestPeriod(t *testing.T, l *ledger.Ledger, month time.Time) engine.PeriodID {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, l.Post(ctx, posting("posting-"+month.Format("2006-01"), "order-"+month.Format("2006-01"), month, "10")))
	periods, err := l.Periods(ctx, engine.PeriodFilter{Month: &month})
	require.NoError(t, err)
	require.Len(t, periods, 1)
	return periods[0].ID
}

func TestAdvanceStatus_FullLifecycle(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	id := advanceTestPeriod(t, l, february)

	require.NoError(t, l.AdvanceStatus(ctx, id, engine.PeriodConfirmed))
	require.NoError(t, l.AdvanceStatus(ctx, id, engine.PeriodDone))

	period, err := l.Period(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.PeriodDone, period.Status)
}

func TestAdvanceStatus_NoSkipping(t *testing.T) {
	l, _ := newTestLedger(t)
	id := advanceTestPeriod(t, l, february)

	// pending -> done skips confirmed
	err := l.AdvanceStatus(context.Background(), id, engine.PeriodDone)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestAdvanceStatus_NoReversing(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	id := advanceTestPeriod(t, l, february)

	require.NoError(t, l.AdvanceStatus(ctx, id, engine.PeriodConfirmed))

	err := l.AdvanceStatus(ctx, id, engine.PeriodPending)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestAdvanceStatus_DoneIsTerminal(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	id := advanceTestPeriod(t, l, february)

	require.NoError(t, l.AdvanceStatus(ctx, id, engine.PeriodConfirmed))
	require.NoError(t, l.AdvanceStatus(ctx, id, engine.PeriodDone))

	err := l.AdvanceStatus(ctx, id, engine.PeriodConfirmed)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestAdvanceStatus_CurrentMonthRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	// GIVEN a period for April while "now" is mid-April
	id := advanceTestPeriod(t, l, april)

	err := l.AdvanceStatus(context.Background(), id, engine.PeriodConfirmed)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestAdvanceStatus_UnknownPeriod(t *testing.T) {
	l, _ := newTestLedger(t)

	err := l.AdvanceStatus(context.Background(), "ghost", engine.PeriodConfirmed)
	require.Error(t, err)
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// PURGES
// =============================================================================

func TestPurgePendingByVersions_LeavesSettledPeriodsAlone(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	// GIVEN a pending February posting and a confirmed March posting,
	// both from the same rule version
	require.NoError(t, l.Post(ctx, posting("posting-feb", "order-feb", february, "10")))
	require.NoError(t, l.Post(ctx, posting("posting-mar", "order-mar", march, "20")))

	marchPeriods, err := l.Periods(ctx, engine.PeriodFilter{Month: &march})
	require.NoError(t, err)
	require.Len(t, marchPeriods, 1)
	require.NoError(t, l.AdvanceStatus(ctx, marchPeriods[0].ID, engine.PeriodConfirmed))

	// WHEN the version's pending postings are purged
	affected, err := l.PurgePendingByVersions(ctx, []engine.RuleVersionID{"version-1"}, nil)
	require.NoError(t, err)

	// THEN only the pending order is affected; settled money is untouched
	assert.Equal(t, []engine.OrderID{"order-feb"}, affected)

	remaining, err := store.PostingsByPeriod(ctx, marchPeriods[0].ID)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	febPostings, err := store.PostingsByOrder(ctx, "order-feb")
	require.NoError(t, err)
	assert.Empty(t, febPostings)
}

func TestPurgePendingByVersions_WindowBoundsThePurge(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	// Two pending postings whose source orders sit in different months
	require.NoError(t, store.SaveOrder(ctx, engine.Order{
		ID: "order-feb", Payee: "agent-1", Service: "svc-electricity",
		Total: engine.MustParseMoney("100"), Status: engine.OrderConfirmed,
		CreatedAt: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, store.SaveOrder(ctx, engine.Order{
		ID: "order-mar", Payee: "agent-1", Service: "svc-electricity",
		Total: engine.MustParseMoney("100"), Status: engine.OrderConfirmed,
		CreatedAt: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, l.Post(ctx, posting("posting-feb", "order-feb", february, "10")))
	require.NoError(t, l.Post(ctx, posting("posting-mar", "order-mar", march, "20")))

	// WHEN the purge window covers March only
	window := &engine.Window{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC),
	}
	affected, err := l.PurgePendingByVersions(ctx, []engine.RuleVersionID{"version-1"}, window)
	require.NoError(t, err)

	assert.Equal(t, []engine.OrderID{"order-mar"}, affected)
	febPostings, err := store.PostingsByOrder(ctx, "order-feb")
	require.NoError(t, err)
	assert.Len(t, febPostings, 1)
}

func TestPurgePendingByOrder(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Post(ctx, posting("posting-1", "order-1", february, "10")))
	require.NoError(t, l.Post(ctx, posting("posting-2", "order-2", february, "20")))

	require.NoError(t, l.PurgePendingByOrder(ctx, "order-1"))

	gone, err := store.PostingsByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := store.PostingsByOrder(ctx, "order-2")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}
