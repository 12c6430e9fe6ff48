/*
action.go - Closed, tagged-variant action representation

PURPOSE:
  Actions are the payout half of a compiled rule. Each matched
  condition-group runs exactly one action, producing a posting amount:

    1. base quantity/total per the action kind
    2. raw amount = quantity x commission (absolute)
                  or total x commission/100 (percentage)
    3. cap at MaxCap - BEFORE tax adjustment
    4. VAT/AIT adjustment per the exact formulas

  Order-level percentage uses the order gross total; product-level
  percentage uses the matched line's quantity x unit price. That
  asymmetry is intentional: product rules are per-line, fixed/range
  rules are whole-order.
*/
package engine

import "github.com/shopspring/decimal"

// =============================================================================
// ACTION KINDS
// =============================================================================

type ActionKind string

const (
	FixedAbsolute     ActionKind = "fixed_absolute"
	FixedPercentage   ActionKind = "fixed_percentage"
	RangeAbsolute     ActionKind = "range_absolute"
	RangePercentage   ActionKind = "range_percentage"
	ProductAbsolute   ActionKind = "product_absolute"
	ProductPercentage ActionKind = "product_percentage"
)

type Action struct {
	Kind       ActionKind
	Commission decimal.Decimal
	MaxCap     Money
	Tax        TaxAdjustment
	SKU        string // product kinds only
}

var (
	vatFactor = decimal.NewFromFloat(1.15)
	vatRate   = decimal.NewFromFloat(0.15)
	aitRate   = decimal.NewFromFloat(0.10)
	hundred   = decimal.NewFromInt(100)
)

// AdjustTax applies the VAT/AIT formula to a capped base amount.
func AdjustTax(tax TaxAdjustment, base Money) Money {
	switch tax {
	case IncludeVAT:
		return base.Div(vatFactor)
	case ExcludeVAT:
		return base.Add(base.Mul(vatRate))
	case IncludeVATAIT:
		net := base.Div(vatFactor)
		return net.Sub(net.Mul(aitRate))
	case ExcludeVATAIT:
		return base.Add(base.Mul(vatRate)).Add(base.Mul(aitRate))
	default:
		return base
	}
}

// Apply computes the posting amount for an order. ok is false when the
// action cannot produce a posting (product action with no matching line).
func (a Action) Apply(order Order) (amount Money, ok bool) {
	var raw Money

	switch a.Kind {
	case FixedAbsolute, RangeAbsolute:
		qty := decimal.NewFromInt(int64(order.TotalQuantity()))
		raw = Money{Value: qty.Mul(a.Commission)}

	case FixedPercentage, RangePercentage:
		raw = order.Total.Mul(a.Commission.Div(hundred))

	case ProductAbsolute:
		line, found := order.Line(a.SKU)
		if !found {
			return Money{}, false
		}
		qty := decimal.NewFromInt(int64(line.Quantity))
		raw = Money{Value: qty.Mul(a.Commission)}

	case ProductPercentage:
		line, found := order.Line(a.SKU)
		if !found {
			return Money{}, false
		}
		qty := decimal.NewFromInt(int64(line.Quantity))
		lineTotal := line.UnitPrice.Mul(qty)
		raw = lineTotal.Mul(a.Commission.Div(hundred))

	default:
		return Money{}, false
	}

	capped := raw.Min(a.MaxCap)
	return AdjustTax(a.Tax, capped), true
}
