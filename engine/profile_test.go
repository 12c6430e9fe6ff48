package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/store/memory"
)

func newClassifier(t *testing.T) (*engine.Classifier, *memory.Store) {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	require.NoError(t, store.SaveProfile(ctx, engine.Profile{
		Name:         "gold",
		TotalOrders:  5,
		TotalAmount:  money("1000"),
		Priority:     2,
		PeriodMonths: 3,
	}))
	require.NoError(t, store.SaveProfile(ctx, engine.Profile{
		Name:         "silver",
		TotalOrders:  1,
		TotalAmount:  money("100"),
		Priority:     1,
		PeriodMonths: 3,
	}))
	return &engine.Classifier{Profiles: store, Stats: store}, store
}

func seedOrder(t *testing.T, store *memory.Store, id string, payee engine.UserID, total string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, store.SaveOrder(context.Background(), engine.Order{
		ID:        engine.OrderID(id),
		Payee:     payee,
		Service:   "svc-electricity",
		Total:     money(total),
		Status:    engine.OrderConfirmed,
		CreatedAt: createdAt,
	}))
}

func TestClassify_HighestPriorityMatchWins(t *testing.T) {
	classifier, store := newClassifier(t)
	asOf := time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)

	// GIVEN five orders totaling 1250 over January through March
	for i := 0; i < 5; i++ {
		seedOrder(t, store, "order-"+string(rune('a'+i)), "agent-1", "250",
			time.Date(2026, time.Month(1+i%3), 10, 0, 0, 0, 0, time.UTC))
	}

	// THEN the payee meets both tiers and gold wins on priority
	name, err := classifier.Classify(context.Background(), "agent-1", asOf)
	require.NoError(t, err)
	assert.Equal(t, "gold", name)
}

func TestClassify_FallsThroughToLowerTier(t *testing.T) {
	classifier, store := newClassifier(t)
	asOf := time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)

	// GIVEN only two orders totaling 300: short of gold, enough for silver
	seedOrder(t, store, "order-1", "agent-1", "150", time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC))
	seedOrder(t, store, "order-2", "agent-1", "150", time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))

	name, err := classifier.Classify(context.Background(), "agent-1", asOf)
	require.NoError(t, err)
	assert.Equal(t, "silver", name)
}

func TestClassify_NoMatchYieldsEmptyName(t *testing.T) {
	classifier, _ := newClassifier(t)

	name, err := classifier.Classify(context.Background(), "agent-1",
		time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "", name)
}

func TestClassify_WindowExcludesCurrentMonth(t *testing.T) {
	classifier, store := newClassifier(t)
	asOf := time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)

	// GIVEN four qualifying orders inside the trailing window and a fifth
	// placed in the current month
	for i := 0; i < 4; i++ {
		seedOrder(t, store, "order-"+string(rune('a'+i)), "agent-1", "300",
			time.Date(2026, time.Month(1+i%3), 10, 0, 0, 0, 0, time.UTC))
	}
	seedOrder(t, store, "order-current", "agent-1", "300",
		time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC))

	// THEN the current-month order does not count toward gold's five
	name, err := classifier.Classify(context.Background(), "agent-1", asOf)
	require.NoError(t, err)
	assert.Equal(t, "silver", name)
}

func TestClassify_WindowExcludesOlderMonths(t *testing.T) {
	classifier, store := newClassifier(t)
	asOf := time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)

	// GIVEN heavy volume that all predates the three-month window
	for i := 0; i < 6; i++ {
		seedOrder(t, store, "order-"+string(rune('a'+i)), "agent-1", "400",
			time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC))
	}

	name, err := classifier.Classify(context.Background(), "agent-1", asOf)
	require.NoError(t, err)
	assert.Equal(t, "", name)
}

func TestClassify_CanceledOrdersDoNotCount(t *testing.T) {
	classifier, store := newClassifier(t)
	asOf := time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveOrder(context.Background(), engine.Order{
		ID:        "order-1",
		Payee:     "agent-1",
		Service:   "svc-electricity",
		Total:     money("5000"),
		Status:    engine.OrderCanceled,
		CreatedAt: time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC),
	}))

	name, err := classifier.Classify(context.Background(), "agent-1", asOf)
	require.NoError(t, err)
	assert.Equal(t, "", name)
}
