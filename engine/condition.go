/*
condition.go - Closed, tagged-variant condition representation

PURPOSE:
  Conditions are the predicate half of a compiled rule. The set of kinds
  is closed: evaluation is a switch over Kind, not string-keyed dispatch.

CONDITION KINDS:
  Equals     - string fact equals a value (service, profile)
  Range      - numeric fact within optional inclusive bounds
               (timeline, transaction amount)
  Contains   - set fact contains a value (SKU, district, thana)
  AnyOf      - logical OR over sub-conditions (geography targeting)
  AllOf      - logical AND over sub-conditions
  Membership - the hierarchy chain member owning the targeted group
               (the payee, their parent, or their grandparent) appears
               in an explicit user list (group targeting). A rule
               targeting a coordinator group pays the coordinator's
               field agents: the agent's orders match because the
               agent's PARENT is the listed coordinator.
*/
package engine

import "github.com/shopspring/decimal"

// =============================================================================
// FACTS - Derived per-order inputs to condition evaluation
// =============================================================================

type FactName string

const (
	FactService     FactName = "service"
	FactTimeline    FactName = "timeline"
	FactProfile     FactName = "profile"
	FactDistrict    FactName = "district"
	FactThana       FactName = "thana"
	FactTransaction FactName = "transaction"
	FactSKU         FactName = "product_sku"
)

// Facts is the evaluated order's derived fact set.
type Facts struct {
	Order       OrderID
	Payee       UserID
	Service     ServiceID
	CreatedUnix int64
	Profile     string

	Groups            []GroupID
	Parent            UserID
	ParentGroups      []GroupID
	Grandparent       UserID
	GrandparentGroups []GroupID
	Districts         []string
	Thanas            []string

	Total Money
	SKUs  []string
}

func (f *Facts) stringFact(name FactName) string {
	switch name {
	case FactService:
		return string(f.Service)
	case FactProfile:
		return f.Profile
	default:
		return ""
	}
}

func (f *Facts) numericFact(name FactName) decimal.Decimal {
	switch name {
	case FactTimeline:
		return decimal.NewFromInt(f.CreatedUnix)
	case FactTransaction:
		return f.Total.Value
	default:
		return decimal.Zero
	}
}

func (f *Facts) setFact(name FactName) []string {
	switch name {
	case FactDistrict:
		return f.Districts
	case FactThana:
		return f.Thanas
	case FactSKU:
		return f.SKUs
	default:
		return nil
	}
}

// =============================================================================
// CONDITION - Tagged variant
// =============================================================================

type ConditionKind string

const (
	CondEquals     ConditionKind = "equals"
	CondRange      ConditionKind = "range"
	CondContains   ConditionKind = "contains"
	CondAnyOf      ConditionKind = "any_of"
	CondAllOf      ConditionKind = "all_of"
	CondMembership ConditionKind = "membership_of"
)

type Condition struct {
	Kind ConditionKind

	// Equals, Range, Contains
	Fact  FactName
	Value string           // Equals, Contains
	Min   *decimal.Decimal // Range lower bound, inclusive
	Max   *decimal.Decimal // Range upper bound, inclusive

	// AnyOf, AllOf
	Sub []Condition

	// Membership
	Group   GroupID
	Members []UserID
}

// Eval reports whether the condition holds for the fact set.
func (c Condition) Eval(f *Facts) bool {
	switch c.Kind {
	case CondEquals:
		return f.stringFact(c.Fact) == c.Value

	case CondRange:
		v := f.numericFact(c.Fact)
		if c.Min != nil && v.LessThan(*c.Min) {
			return false
		}
		if c.Max != nil && v.GreaterThan(*c.Max) {
			return false
		}
		return true

	case CondContains:
		for _, item := range f.setFact(c.Fact) {
			if item == c.Value {
				return true
			}
		}
		return false

	case CondAnyOf:
		for _, sub := range c.Sub {
			if sub.Eval(f) {
				return true
			}
		}
		return false

	case CondAllOf:
		for _, sub := range c.Sub {
			if !sub.Eval(f) {
				return false
			}
		}
		return true

	case CondMembership:
		// The condition is owned by whichever chain member belongs to
		// the targeted group: the payee for a peer-level group, the
		// parent for a group one level up, the grandparent for two.
		levels := []struct {
			groups []GroupID
			user   UserID
		}{
			{f.Groups, f.Payee},
			{f.ParentGroups, f.Parent},
			{f.GrandparentGroups, f.Grandparent},
		}
		for _, level := range levels {
			if !containsGroup(level.groups, c.Group) {
				continue
			}
			for _, member := range c.Members {
				if member == level.user {
					return true
				}
			}
		}
		return false

	default:
		return false
	}
}

// Matches reports whether every condition in the group holds.
func (g ConditionGroup) Matches(f *Facts) bool {
	for _, cond := range g.Conditions {
		if !cond.Eval(f) {
			return false
		}
	}
	return true
}

func containsGroup(groups []GroupID, id GroupID) bool {
	for _, g := range groups {
		if g == id {
			return true
		}
	}
	return false
}

// helpers used by the compiler

func equalsCond(fact FactName, value string) Condition {
	return Condition{Kind: CondEquals, Fact: fact, Value: value}
}

func rangeCond(fact FactName, min, max *decimal.Decimal) Condition {
	return Condition{Kind: CondRange, Fact: fact, Min: min, Max: max}
}

func containsCond(fact FactName, value string) Condition {
	return Condition{Kind: CondContains, Fact: fact, Value: value}
}

func anyOfCond(sub ...Condition) Condition {
	return Condition{Kind: CondAnyOf, Sub: sub}
}

func membershipCond(group GroupID, members []UserID) Condition {
	return Condition{Kind: CondMembership, Group: group, Members: members}
}
