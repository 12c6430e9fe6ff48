/*
Package engine provides the core commission rule engine.

PURPOSE:
  This package contains the types and algorithms for turning an
  administrator's declarative rule description into an evaluable
  representation, and for evaluating that representation against
  orders to produce commission postings.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal monetary amount (no float64 money anywhere)
  - Rule / RuleVersion: Versioned, append-only rule history
  - CommissionPeriod / CommissionPosting: Settlement buckets and payouts
  - Order: The external order data the engine consumes

DESIGN PRINCIPLES:
  1. Immutability: RuleVersions are never modified, only appended
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing rule/order/user IDs
  4. Auditability: Every posting references the exact RuleVersion
     that produced it

SEE ALSO:
  - compile.go: Rule input validation and compilation
  - evaluate.go: Order evaluation against compiled rules
  - store.go: Persistence and collaborator interfaces
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal monetary amount
// =============================================================================

type Money struct {
	Value decimal.Decimal
}

func NewMoney(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value)}
}

func NewMoneyFromInt(value int) Money {
	return Money{Value: decimal.NewFromInt(int64(value))}
}

func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d}, nil
}

// MustParseMoney panics on a malformed amount. For literals; stored
// amounts go through ParseMoney so corruption surfaces as an error.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic("engine: invalid money literal " + s + ": " + err.Error())
	}
	return m
}

func (m Money) Add(o Money) Money             { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money             { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Mul(s decimal.Decimal) Money   { return Money{Value: m.Value.Mul(s)} }
func (m Money) Div(s decimal.Decimal) Money   { return Money{Value: m.Value.Div(s)} }
func (m Money) IsZero() bool                  { return m.Value.IsZero() }
func (m Money) IsNegative() bool              { return m.Value.IsNegative() }
func (m Money) GreaterThan(o Money) bool      { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool         { return m.Value.LessThan(o.Value) }
func (m Money) GreaterOrEqual(o Money) bool   { return m.Value.GreaterThanOrEqual(o.Value) }
func (m Money) String() string                { return m.Value.String() }

func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RuleID string
type RuleVersionID string
type UserID string
type GroupID string
type OrderID string
type ServiceID string
type PeriodID string
type PostingID string

// =============================================================================
// RULE - Administrator-named targeting+schedule container
// =============================================================================

type RuleType string

const (
	RuleRegular  RuleType = "regular"
	RuleCampaign RuleType = "campaign"
)

type RuleCategory string

const (
	CategoryRealtime    RuleCategory = "realtime"
	CategoryConsolidate RuleCategory = "consolidate"
)

type CommissionCategory string

const (
	CommissionFixed   CommissionCategory = "fixed"
	CommissionRange   CommissionCategory = "range"
	CommissionProduct CommissionCategory = "product"
)

type CommissionMode string

const (
	ModeAbsolute   CommissionMode = "absolute"
	ModePercentage CommissionMode = "percentage"
)

// TaxAdjustment selects the VAT/AIT formula applied to the capped base.
type TaxAdjustment string

const (
	IncludeVAT    TaxAdjustment = "include_vat"
	ExcludeVAT    TaxAdjustment = "exclude_vat"
	IncludeVATAIT TaxAdjustment = "include_vat_ait"
	ExcludeVATAIT TaxAdjustment = "exclude_vat_ait"
)

type Rule struct {
	ID                 RuleID
	Name               string
	Type               RuleType
	Category           RuleCategory
	CommissionCategory CommissionCategory
	Active             bool
	Deleted            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RuleVersion is an immutable snapshot of a Rule's compiled form.
// Every commission posting references the version that produced it,
// so editing a Rule can never silently alter historical postings.
type RuleVersion struct {
	ID        RuleVersionID
	RuleID    RuleID
	Client    ClientRule
	Engine    EngineRule
	CreatedAt time.Time
}

// EngineRule is the machine-evaluable form: an ordered list of
// condition-groups, each with a single action. Conditions within a
// group are ANDed; groups are evaluated independently.
type EngineRule struct {
	Groups []ConditionGroup
}

type ConditionGroup struct {
	Conditions []Condition
	Action     Action
}

// =============================================================================
// ORDER - External order data consumed by the evaluator
// =============================================================================

type OrderStatus string

const (
	OrderPlaced    OrderStatus = "placed"
	OrderConfirmed OrderStatus = "confirmed"
	OrderCanceled  OrderStatus = "canceled"
)

type OrderLine struct {
	SKU       string
	Quantity  int
	UnitPrice Money
}

type Order struct {
	ID        OrderID
	Payee     UserID
	Service   ServiceID
	Lines     []OrderLine
	Total     Money // gross
	Status    OrderStatus
	CreatedAt time.Time
}

// TotalQuantity sums line quantities across the whole order.
func (o Order) TotalQuantity() int {
	total := 0
	for _, line := range o.Lines {
		total += line.Quantity
	}
	return total
}

// Line returns the first line carrying the given SKU.
func (o Order) Line(sku string) (OrderLine, bool) {
	for _, line := range o.Lines {
		if line.SKU == sku {
			return line, true
		}
	}
	return OrderLine{}, false
}

// =============================================================================
// COMMISSION PERIOD - (payee, service, calendar month) settlement bucket
// =============================================================================

type PeriodStatus string

const (
	PeriodPending   PeriodStatus = "pending"
	PeriodConfirmed PeriodStatus = "confirmed"
	PeriodDone      PeriodStatus = "done"
)

type CommissionPeriod struct {
	ID        PeriodID
	Payee     UserID
	Service   ServiceID
	Month     time.Time // first day of month, UTC
	Status    PeriodStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MonthOf normalizes a timestamp to its period month key.
func MonthOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// COMMISSION POSTING - One computed payout
// =============================================================================

type CommissionPosting struct {
	ID          PostingID
	Payee       UserID
	Order       OrderID
	Service     ServiceID
	Month       time.Time
	Amount      Money
	RuleVersion RuleVersionID
	SKU         string // product-category rules only
	Period      PeriodID

	// Key deduplicates postings: same (order, rule version, sku)
	// never posts twice.
	Key string

	CreatedAt time.Time
}

// PostingKey builds the idempotency key for a posting.
func PostingKey(order OrderID, version RuleVersionID, sku string) string {
	return string(order) + "|" + string(version) + "|" + sku
}

// =============================================================================
// PROFILE - Named tier assigned by trailing-window performance
// =============================================================================

type Profile struct {
	Name         string
	TotalOrders  int   // minimum order count in the window
	TotalAmount  Money // minimum transaction total in the window
	Priority     int   // higher priority checked first
	PeriodMonths int   // trailing window length
}

// Window is an inclusive date window used for rule timelines and
// recalculation bounds.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}
