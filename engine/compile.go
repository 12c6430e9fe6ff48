/*
compile.go - Rule input validation and compilation

PURPOSE:
  Turns an administrator's structured rule input into:
    1. a ClientRule - the human-auditable representation stored for
       display, with resolved internal ids stripped
    2. an EngineRule - the ordered condition-group/action list used
       by the evaluator

  Validation fails with a field-attributed ValidationError; ordering
  and overlap violations in range tiers are rejected, never corrected.

COMPILATION SHAPE:
  A root predicate list is shared by every group: service equality,
  optional timeline bounds, optional profile equality, optional
  geography any-of, optional group membership. Then:
    fixed   -> one group  (root predicates, one action)
    range   -> one group per tier (root + transaction bounds)
    product -> one group per SKU  (root + SKU containment)
*/
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE INPUT - What the administrator submits
// =============================================================================

type RuleInput struct {
	Name        string
	Type        RuleType
	Category    RuleCategory
	Service     ServiceID
	Timeline    *TimelineInput
	Target      *TargetInput
	Calculation *CalculationInput
	Active      *bool // update only; nil defaults to active
}

type TimelineInput struct {
	Use       bool
	StartDate string // "2006-01-02"
	EndDate   string // "2006-01-02", inclusive
}

type TargetInput struct {
	All         bool
	ByProfile   bool
	Profile     string
	ByGeography bool
	Geography   *GeographyInput
	ByGroup     bool
	Group       *GroupTargetInput
}

type GeographyInput struct {
	Districts []string
	Thanas    []string
}

type GroupTargetInput struct {
	Name  string
	Users []UserID
}

type CalculationInput struct {
	Mode     CommissionMode
	Category CommissionCategory
	Fixed    *FixedInput
	Range    []TierInput
	Product  []ProductInput
	Tax      TaxAdjustment
}

type FixedInput struct {
	Commission *decimal.Decimal
	MaxCap     *decimal.Decimal
}

type TierInput struct {
	Min        *decimal.Decimal
	Max        *decimal.Decimal
	Commission *decimal.Decimal
	MaxCap     *decimal.Decimal
}

type ProductInput struct {
	SKU        string
	Commission *decimal.Decimal
	MaxCap     *decimal.Decimal
}

// =============================================================================
// CLIENT RULE - Display-safe compiled representation
// =============================================================================

type ClientRule struct {
	Name        string
	Service     ServiceID
	Timeline    TimelineInput
	Target      ClientTarget
	Calculation ClientCalculation
}

type ClientTarget struct {
	All         bool
	ByProfile   bool
	Profile     string
	ByGeography bool
	Geography   *GeographyInput
	ByGroup     bool
	Group       *GroupTargetInput
}

type ClientCalculation struct {
	Mode     CommissionMode
	Category CommissionCategory
	Fixed    *FixedSchedule
	Range    []TierSchedule
	Product  []ProductSchedule
	Tax      TaxAdjustment
}

type FixedSchedule struct {
	Commission decimal.Decimal
	MaxCap     Money
}

type TierSchedule struct {
	Min        decimal.Decimal
	Max        decimal.Decimal
	Commission decimal.Decimal
	MaxCap     Money
}

type ProductSchedule struct {
	SKU        string
	Commission decimal.Decimal
	MaxCap     Money
}

// TimelineWindow converts the validated timeline into an inclusive
// window. The end date is extended to the last microsecond of its day.
func (t TimelineInput) TimelineWindow() (*Window, error) {
	if !t.Use {
		return nil, nil
	}
	start, err := time.ParseInLocation("2006-01-02", t.StartDate, time.Local)
	if err != nil {
		return nil, invalid("timeline.start_date", "invalid date, expected YYYY-MM-DD")
	}
	endDay, err := time.ParseInLocation("2006-01-02", t.EndDate, time.Local)
	if err != nil {
		return nil, invalid("timeline.end_date", "invalid date, expected YYYY-MM-DD")
	}
	end := time.Date(endDay.Year(), endDay.Month(), endDay.Day(), 23, 59, 59, 999999000, time.Local)
	return &Window{Start: start, End: end}, nil
}

// =============================================================================
// COMPILER
// =============================================================================

// Compiler validates rule input against reference data and produces
// both representations. Re-validation on update is identical; updating
// a rule always creates a new RuleVersion.
type Compiler struct {
	Dir Directory
}

func (c *Compiler) Compile(ctx context.Context, in RuleInput) (ClientRule, EngineRule, error) {
	resolved, err := c.validate(ctx, in)
	if err != nil {
		return ClientRule{}, EngineRule{}, err
	}

	root, err := c.rootConditions(in, resolved)
	if err != nil {
		return ClientRule{}, EngineRule{}, err
	}

	engineRule := buildEngineRule(in.Calculation, root)
	clientRule := buildClientRule(in)
	return clientRule, engineRule, nil
}

// resolvedRefs carries ids looked up during validation so compilation
// does not hit the directory twice.
type resolvedRefs struct {
	groupID GroupID
}

func (c *Compiler) validate(ctx context.Context, in RuleInput) (resolvedRefs, error) {
	var refs resolvedRefs

	if strings.TrimSpace(in.Name) == "" {
		return refs, required("name", "Rule name")
	}
	if in.Type == "" {
		return refs, required("type", "Rule type")
	}
	if in.Category == "" {
		return refs, required("category", "Rule category")
	}
	if in.Service == "" {
		return refs, required("service", "Service")
	}
	if in.Timeline == nil {
		return refs, required("timeline", "Timeline information")
	}
	if in.Timeline.Use {
		if in.Timeline.StartDate == "" {
			return refs, required("timeline.start_date", "Start date")
		}
		if in.Timeline.EndDate == "" {
			return refs, required("timeline.end_date", "End date")
		}
		if _, err := in.Timeline.TimelineWindow(); err != nil {
			return refs, err
		}
	}

	if in.Target == nil {
		return refs, required("target", "Target information")
	}
	if err := c.validateTarget(ctx, in.Target, &refs); err != nil {
		return refs, err
	}

	if in.Calculation == nil {
		return refs, required("calculation", "Calculation information")
	}
	if err := c.validateCalculation(ctx, in.Calculation); err != nil {
		return refs, err
	}
	return refs, nil
}

func (c *Compiler) validateTarget(ctx context.Context, target *TargetInput, refs *resolvedRefs) error {
	if target.ByProfile {
		if target.Profile == "" {
			return required("target.profile", "User profile")
		}
		profile, err := c.Dir.ProfileByName(ctx, target.Profile)
		if err != nil {
			return err
		}
		if profile == nil {
			return invalid("target.profile", "please provide a valid user profile")
		}
	}

	if target.ByGeography {
		if target.Geography == nil {
			return required("target.geography", "Geographical information")
		}
		geo := target.Geography
		if len(geo.Districts) == 0 && len(geo.Thanas) == 0 {
			return required("target.geography.districts", "District or Thana")
		}
		for _, id := range geo.Districts {
			exists, err := c.Dir.DistrictExists(ctx, id)
			if err != nil {
				return err
			}
			if !exists {
				return invalid("target.geography.districts", "please provide valid district ids")
			}
		}
		for _, id := range geo.Thanas {
			exists, err := c.Dir.ThanaExists(ctx, id)
			if err != nil {
				return err
			}
			if !exists {
				return invalid("target.geography.thanas", "please provide valid thana ids")
			}
		}
	}

	if target.ByGroup {
		if target.Group == nil {
			return required("target.group", "Group information")
		}
		if target.Group.Name == "" {
			return required("target.group.name", "Group name")
		}
		if len(target.Group.Users) == 0 {
			return required("target.group.users", "Group user list")
		}
		groupID, err := c.Dir.GroupIDByName(ctx, target.Group.Name)
		if err != nil {
			return err
		}
		if groupID == "" {
			return invalid("target.group.name", "please provide a valid group name")
		}
		refs.groupID = groupID
		for _, id := range target.Group.Users {
			exists, err := c.Dir.UserExists(ctx, id)
			if err != nil {
				return err
			}
			if !exists {
				return invalid("target.group.users", "please provide valid user ids")
			}
		}
	}
	return nil
}

func (c *Compiler) validateCalculation(ctx context.Context, calc *CalculationInput) error {
	if calc.Mode == "" {
		return required("calculation.mode", "Commission type")
	}
	if calc.Mode != ModeAbsolute && calc.Mode != ModePercentage {
		return invalid("calculation.mode", "unknown commission type")
	}
	if calc.Category == "" {
		return required("calculation.category", "Commission category")
	}

	switch calc.Category {
	case CommissionFixed:
		if calc.Fixed == nil {
			return required("calculation.fixed", "Fixed commission information")
		}
		if calc.Fixed.Commission == nil {
			return required("calculation.fixed.commission", "Commission value")
		}
		if calc.Fixed.MaxCap == nil {
			return required("calculation.fixed.max_cap", "Max cap value")
		}

	case CommissionRange:
		if len(calc.Range) == 0 {
			return required("calculation.range", "Range information")
		}
		for i, tier := range calc.Range {
			if tier.Min == nil {
				return required("calculation.range.min", "Min value")
			}
			if tier.Max == nil {
				return required("calculation.range.max", "Max value")
			}
			if tier.Commission == nil {
				return required("calculation.range.commission", "Commission value")
			}
			if tier.MaxCap == nil {
				return required("calculation.range.max_cap", "Max cap value")
			}
			if !tier.Max.GreaterThan(*tier.Min) {
				return invalid("calculation.range.max", "max value must exceed min value")
			}
			if i > 0 && !tier.Min.GreaterThan(*calc.Range[i-1].Max) {
				return invalid("calculation.range.min", "min value must exceed previous tier's max value")
			}
		}

	case CommissionProduct:
		if len(calc.Product) == 0 {
			return required("calculation.product", "Product information")
		}
		for _, entry := range calc.Product {
			if entry.SKU == "" {
				return required("calculation.product.product_sku", "Product SKU value")
			}
			if entry.Commission == nil {
				return required("calculation.product.commission", "Commission value")
			}
			if entry.MaxCap == nil {
				return required("calculation.product.max_cap", "Max cap value")
			}
			exists, err := c.Dir.ProductExists(ctx, entry.SKU)
			if err != nil {
				return err
			}
			if !exists {
				return invalid("calculation.product.product_sku", "invalid product sku")
			}
		}

	default:
		return invalid("calculation.category", "unknown commission category")
	}

	if calc.Tax == "" {
		return required("calculation.vat_ait", "VAT/AIT")
	}
	switch calc.Tax {
	case IncludeVAT, ExcludeVAT, IncludeVATAIT, ExcludeVATAIT:
	default:
		return invalid("calculation.vat_ait", "unknown vat/ait adjustment")
	}
	return nil
}

// rootConditions builds the predicate list common to every group.
func (c *Compiler) rootConditions(in RuleInput, refs resolvedRefs) ([]Condition, error) {
	root := []Condition{equalsCond(FactService, string(in.Service))}

	window, err := in.Timeline.TimelineWindow()
	if err != nil {
		return nil, err
	}
	if window != nil {
		min := decimal.NewFromInt(window.Start.Unix())
		max := decimal.NewFromInt(window.End.Unix())
		root = append(root, rangeCond(FactTimeline, &min, &max))
	}

	target := in.Target
	if target.ByProfile {
		root = append(root, equalsCond(FactProfile, target.Profile))
	}

	if target.ByGeography {
		var geo []Condition
		for _, id := range target.Geography.Districts {
			geo = append(geo, containsCond(FactDistrict, id))
		}
		for _, id := range target.Geography.Thanas {
			geo = append(geo, containsCond(FactThana, id))
		}
		root = append(root, anyOfCond(geo...))
	}

	if target.ByGroup {
		root = append(root, membershipCond(refs.groupID, target.Group.Users))
	}
	return root, nil
}

func buildEngineRule(calc *CalculationInput, root []Condition) EngineRule {
	var rule EngineRule

	switch calc.Category {
	case CommissionFixed:
		kind := FixedAbsolute
		if calc.Mode == ModePercentage {
			kind = FixedPercentage
		}
		rule.Groups = append(rule.Groups, ConditionGroup{
			Conditions: root,
			Action: Action{
				Kind:       kind,
				Commission: *calc.Fixed.Commission,
				MaxCap:     Money{Value: *calc.Fixed.MaxCap},
				Tax:        calc.Tax,
			},
		})

	case CommissionRange:
		kind := RangeAbsolute
		if calc.Mode == ModePercentage {
			kind = RangePercentage
		}
		for _, tier := range calc.Range {
			conds := make([]Condition, 0, len(root)+1)
			conds = append(conds, root...)
			min, max := *tier.Min, *tier.Max
			conds = append(conds, rangeCond(FactTransaction, &min, &max))
			rule.Groups = append(rule.Groups, ConditionGroup{
				Conditions: conds,
				Action: Action{
					Kind:       kind,
					Commission: *tier.Commission,
					MaxCap:     Money{Value: *tier.MaxCap},
					Tax:        calc.Tax,
				},
			})
		}

	case CommissionProduct:
		kind := ProductAbsolute
		if calc.Mode == ModePercentage {
			kind = ProductPercentage
		}
		for _, entry := range calc.Product {
			conds := make([]Condition, 0, len(root)+1)
			conds = append(conds, root...)
			conds = append(conds, containsCond(FactSKU, entry.SKU))
			rule.Groups = append(rule.Groups, ConditionGroup{
				Conditions: conds,
				Action: Action{
					Kind:       kind,
					Commission: *entry.Commission,
					MaxCap:     Money{Value: *entry.MaxCap},
					Tax:        calc.Tax,
					SKU:        entry.SKU,
				},
			})
		}
	}
	return rule
}

func buildClientRule(in RuleInput) ClientRule {
	client := ClientRule{
		Name:     in.Name,
		Service:  in.Service,
		Timeline: *in.Timeline,
		Target: ClientTarget{
			All:         in.Target.All,
			ByProfile:   in.Target.ByProfile,
			ByGeography: in.Target.ByGeography,
			ByGroup:     in.Target.ByGroup,
		},
	}
	if in.Target.ByProfile {
		client.Target.Profile = in.Target.Profile
	}
	if in.Target.ByGeography {
		geo := *in.Target.Geography
		client.Target.Geography = &geo
	}
	if in.Target.ByGroup {
		group := *in.Target.Group
		client.Target.Group = &group
	}

	calc := in.Calculation
	client.Calculation = ClientCalculation{
		Mode:     calc.Mode,
		Category: calc.Category,
		Tax:      calc.Tax,
	}
	switch calc.Category {
	case CommissionFixed:
		client.Calculation.Fixed = &FixedSchedule{
			Commission: *calc.Fixed.Commission,
			MaxCap:     Money{Value: *calc.Fixed.MaxCap},
		}
	case CommissionRange:
		for _, tier := range calc.Range {
			client.Calculation.Range = append(client.Calculation.Range, TierSchedule{
				Min:        *tier.Min,
				Max:        *tier.Max,
				Commission: *tier.Commission,
				MaxCap:     Money{Value: *tier.MaxCap},
			})
		}
	case CommissionProduct:
		for _, entry := range calc.Product {
			client.Calculation.Product = append(client.Calculation.Product, ProductSchedule{
				SKU:        entry.SKU,
				Commission: *entry.Commission,
				MaxCap:     Money{Value: *entry.MaxCap},
			})
		}
	}
	return client
}
