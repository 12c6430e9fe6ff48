package engine_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/engine"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func money(s string) engine.Money {
	return engine.MustParseMoney(s)
}

func TestParseMoney_RejectsMalformedAmounts(t *testing.T) {
	parsed, err := engine.ParseMoney("57.5")
	require.NoError(t, err)
	assert.True(t, parsed.Value.Equal(dec("57.5")))

	_, err = engine.ParseMoney("57.5.0")
	assert.Error(t, err)

	// A corrupt amount must never silently become zero money.
	assert.Panics(t, func() { engine.MustParseMoney("not-a-number") })
}

// =============================================================================
// TAX ADJUSTMENT
// =============================================================================

func TestAdjustTax(t *testing.T) {
	tests := []struct {
		name string
		tax  engine.TaxAdjustment
		base string
		want string
	}{
		// GIVEN a gross base of 115, backing out included VAT yields the net
		{name: "include VAT", tax: engine.IncludeVAT, base: "115", want: "100"},
		// GIVEN a net base of 100, adding VAT on top yields the gross
		{name: "exclude VAT", tax: engine.ExcludeVAT, base: "100", want: "115"},
		// Back out VAT, then deduct AIT from the net
		{name: "include VAT and AIT", tax: engine.IncludeVATAIT, base: "115", want: "90"},
		// Add both VAT and AIT on top of the base
		{name: "exclude VAT and AIT", tax: engine.ExcludeVATAIT, base: "100", want: "125"},
		// Unknown adjustment leaves the amount untouched
		{name: "unknown passes through", tax: engine.TaxAdjustment(""), base: "42", want: "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.AdjustTax(tt.tax, money(tt.base))
			assert.True(t, got.Value.Equal(dec(tt.want)),
				"AdjustTax(%s, %s) = %s, want %s", tt.tax, tt.base, got, tt.want)
		})
	}
}

// =============================================================================
// ACTION APPLICATION
// =============================================================================

func TestActionApply_FixedAbsoluteCapsBeforeTax(t *testing.T) {
	// GIVEN an order of 8 units and a 10-per-unit commission capped at 50
	order := engine.Order{
		ID:     "order-1",
		Lines:  []engine.OrderLine{{SKU: "SKU-RED", Quantity: 5, UnitPrice: money("40")}, {SKU: "SKU-BLUE", Quantity: 3, UnitPrice: money("25")}},
		Total:  money("275"),
		Status: engine.OrderPlaced,
	}
	action := engine.Action{
		Kind:       engine.FixedAbsolute,
		Commission: dec("10"),
		MaxCap:     money("50"),
		Tax:        engine.ExcludeVAT,
	}

	// WHEN the action is applied
	amount, ok := action.Apply(order)

	// THEN the raw 80 is capped at 50 first, then VAT is added on top
	require.True(t, ok)
	assert.True(t, amount.Value.Equal(dec("57.5")), "amount = %s, want 57.5", amount)
}

func TestActionApply_RangePercentageBacksOutVAT(t *testing.T) {
	// GIVEN an order totaling 1500 and an 8% commission with included VAT
	order := engine.Order{
		ID:     "order-2",
		Lines:  []engine.OrderLine{{SKU: "SKU-RED", Quantity: 1, UnitPrice: money("1500")}},
		Total:  money("1500"),
		Status: engine.OrderPlaced,
	}
	action := engine.Action{
		Kind:       engine.RangePercentage,
		Commission: dec("8"),
		MaxCap:     money("200"),
		Tax:        engine.IncludeVAT,
	}

	amount, ok := action.Apply(order)

	// THEN 120 gross backs out to 104.35 net (rounded to currency precision)
	require.True(t, ok)
	assert.True(t, amount.Value.Round(2).Equal(dec("104.35")), "amount = %s, want 104.35", amount)
}

func TestActionApply_FixedPercentageUsesOrderTotal(t *testing.T) {
	order := engine.Order{
		ID:     "order-3",
		Lines:  []engine.OrderLine{{SKU: "SKU-RED", Quantity: 2, UnitPrice: money("500")}},
		Total:  money("1000"),
		Status: engine.OrderPlaced,
	}
	action := engine.Action{
		Kind:       engine.FixedPercentage,
		Commission: dec("5"),
		MaxCap:     money("100"),
		Tax:        engine.ExcludeVATAIT,
	}

	amount, ok := action.Apply(order)

	require.True(t, ok)
	// 5% of 1000 = 50, then VAT 7.5 and AIT 5 on top
	assert.True(t, amount.Value.Equal(dec("62.5")), "amount = %s, want 62.5", amount)
}

func TestActionApply_ProductPercentageUsesLineTotal(t *testing.T) {
	// GIVEN an order whose gross total far exceeds the matched line:
	// product commissions must price off the line, never the order
	order := engine.Order{
		ID: "order-4",
		Lines: []engine.OrderLine{
			{SKU: "SKU-RED", Quantity: 3, UnitPrice: money("200")},
			{SKU: "SKU-BLUE", Quantity: 10, UnitPrice: money("900")},
		},
		Total:  money("9600"),
		Status: engine.OrderPlaced,
	}
	action := engine.Action{
		Kind:       engine.ProductPercentage,
		Commission: dec("5"),
		MaxCap:     money("100"),
		Tax:        engine.ExcludeVAT,
		SKU:        "SKU-RED",
	}

	amount, ok := action.Apply(order)

	require.True(t, ok)
	// 5% of (3 x 200) = 30, VAT on top = 34.5
	assert.True(t, amount.Value.Equal(dec("34.5")), "amount = %s, want 34.5", amount)
}

func TestActionApply_ProductAbsoluteCountsLineUnits(t *testing.T) {
	order := engine.Order{
		ID: "order-5",
		Lines: []engine.OrderLine{
			{SKU: "SKU-RED", Quantity: 4, UnitPrice: money("50")},
			{SKU: "SKU-BLUE", Quantity: 7, UnitPrice: money("20")},
		},
		Total:  money("340"),
		Status: engine.OrderPlaced,
	}
	action := engine.Action{
		Kind:       engine.ProductAbsolute,
		Commission: dec("5"),
		MaxCap:     money("100"),
		Tax:        engine.ExcludeVAT,
		SKU:        "SKU-RED",
	}

	amount, ok := action.Apply(order)

	require.True(t, ok)
	// 4 units x 5 = 20, VAT on top = 23
	assert.True(t, amount.Value.Equal(dec("23")), "amount = %s, want 23", amount)
}

func TestActionApply_ProductActionWithoutMatchingLine(t *testing.T) {
	// GIVEN an order that never ordered the action's SKU
	order := engine.Order{
		ID:     "order-6",
		Lines:  []engine.OrderLine{{SKU: "SKU-BLUE", Quantity: 2, UnitPrice: money("10")}},
		Total:  money("20"),
		Status: engine.OrderPlaced,
	}
	action := engine.Action{
		Kind:       engine.ProductAbsolute,
		Commission: dec("5"),
		MaxCap:     money("100"),
		Tax:        engine.ExcludeVAT,
		SKU:        "SKU-RED",
	}

	// THEN no posting is produced
	_, ok := action.Apply(order)
	assert.False(t, ok)
}

func TestActionApply_CapLeavesSmallerAmountsAlone(t *testing.T) {
	order := engine.Order{
		ID:     "order-7",
		Lines:  []engine.OrderLine{{SKU: "SKU-RED", Quantity: 2, UnitPrice: money("10")}},
		Total:  money("20"),
		Status: engine.OrderPlaced,
	}
	action := engine.Action{
		Kind:       engine.FixedAbsolute,
		Commission: dec("10"),
		MaxCap:     money("50"),
		Tax:        engine.ExcludeVAT,
	}

	amount, ok := action.Apply(order)

	require.True(t, ok)
	// Raw 20 is under the cap, so only the tax adjustment applies
	assert.True(t, amount.Value.Equal(dec("23")), "amount = %s, want 23", amount)
}
