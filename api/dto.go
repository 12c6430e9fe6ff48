/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the rule compiler, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/compile.go: RuleInput / ClientRule domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/hierarchy"
)

// =============================================================================
// RULE REQUESTS
// =============================================================================

// RuleRequest is the administrator's declarative rule description.
type RuleRequest struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Category    string          `json:"category"`
	Service     string          `json:"service"`
	Timeline    *TimelineDTO    `json:"timeline,omitempty"`
	Target      *TargetDTO      `json:"target,omitempty"`
	Calculation *CalculationDTO `json:"calculation,omitempty"`
	Active      *bool           `json:"active,omitempty"`
}

type TimelineDTO struct {
	Use       bool   `json:"use"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

type TargetDTO struct {
	All         bool            `json:"all,omitempty"`
	ByProfile   bool            `json:"by_profile,omitempty"`
	Profile     string          `json:"profile,omitempty"`
	ByGeography bool            `json:"by_geography,omitempty"`
	Geography   *GeographyDTO   `json:"geography,omitempty"`
	ByGroup     bool            `json:"by_group,omitempty"`
	Group       *GroupTargetDTO `json:"group,omitempty"`
}

type GeographyDTO struct {
	Districts []string `json:"districts,omitempty"`
	Thanas    []string `json:"thanas,omitempty"`
}

type GroupTargetDTO struct {
	Name  string   `json:"name"`
	Users []string `json:"users,omitempty"`
}

type CalculationDTO struct {
	Mode     string       `json:"mode"`
	Category string       `json:"category"`
	Fixed    *FixedDTO    `json:"fixed,omitempty"`
	Range    []TierDTO    `json:"range,omitempty"`
	Product  []ProductDTO `json:"product,omitempty"`
	Tax      string       `json:"tax"`
}

type FixedDTO struct {
	Commission *decimal.Decimal `json:"commission"`
	MaxCap     *decimal.Decimal `json:"max_cap"`
}

type TierDTO struct {
	Min        *decimal.Decimal `json:"min"`
	Max        *decimal.Decimal `json:"max"`
	Commission *decimal.Decimal `json:"commission"`
	MaxCap     *decimal.Decimal `json:"max_cap"`
}

type ProductDTO struct {
	SKU        string           `json:"sku"`
	Commission *decimal.Decimal `json:"commission"`
	MaxCap     *decimal.Decimal `json:"max_cap"`
}

// toInput converts the wire form into the compiler's input type.
func (r RuleRequest) toInput() engine.RuleInput {
	in := engine.RuleInput{
		Name:     r.Name,
		Type:     engine.RuleType(r.Type),
		Category: engine.RuleCategory(r.Category),
		Service:  engine.ServiceID(r.Service),
		Active:   r.Active,
	}
	if r.Timeline != nil {
		in.Timeline = &engine.TimelineInput{
			Use:       r.Timeline.Use,
			StartDate: r.Timeline.StartDate,
			EndDate:   r.Timeline.EndDate,
		}
	}
	if r.Target != nil {
		target := &engine.TargetInput{
			All:         r.Target.All,
			ByProfile:   r.Target.ByProfile,
			Profile:     r.Target.Profile,
			ByGeography: r.Target.ByGeography,
			ByGroup:     r.Target.ByGroup,
		}
		if r.Target.Geography != nil {
			target.Geography = &engine.GeographyInput{
				Districts: r.Target.Geography.Districts,
				Thanas:    r.Target.Geography.Thanas,
			}
		}
		if r.Target.Group != nil {
			users := make([]engine.UserID, len(r.Target.Group.Users))
			for i, u := range r.Target.Group.Users {
				users[i] = engine.UserID(u)
			}
			target.Group = &engine.GroupTargetInput{
				Name:  r.Target.Group.Name,
				Users: users,
			}
		}
		in.Target = target
	}
	if r.Calculation != nil {
		calc := &engine.CalculationInput{
			Mode:     engine.CommissionMode(r.Calculation.Mode),
			Category: engine.CommissionCategory(r.Calculation.Category),
			Tax:      engine.TaxAdjustment(r.Calculation.Tax),
		}
		if r.Calculation.Fixed != nil {
			calc.Fixed = &engine.FixedInput{
				Commission: r.Calculation.Fixed.Commission,
				MaxCap:     r.Calculation.Fixed.MaxCap,
			}
		}
		for _, tier := range r.Calculation.Range {
			calc.Range = append(calc.Range, engine.TierInput{
				Min:        tier.Min,
				Max:        tier.Max,
				Commission: tier.Commission,
				MaxCap:     tier.MaxCap,
			})
		}
		for _, product := range r.Calculation.Product {
			calc.Product = append(calc.Product, engine.ProductInput{
				SKU:        product.SKU,
				Commission: product.Commission,
				MaxCap:     product.MaxCap,
			})
		}
		in.Calculation = calc
	}
	return in
}

// =============================================================================
// RULE RESPONSES
// =============================================================================

// RuleDTO is the rule header returned by list/create/update.
type RuleDTO struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	Category           string `json:"category"`
	CommissionCategory string `json:"commission_category"`
	Active             bool   `json:"active"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

func toRuleDTO(rule engine.Rule) RuleDTO {
	return RuleDTO{
		ID:                 string(rule.ID),
		Name:               rule.Name,
		Type:               string(rule.Type),
		Category:           string(rule.Category),
		CommissionCategory: string(rule.CommissionCategory),
		Active:             rule.Active,
		CreatedAt:          rule.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          rule.UpdatedAt.Format(time.RFC3339),
	}
}

// RuleDetailDTO adds the client representation of the latest version.
// The engine representation never leaves the server.
type RuleDetailDTO struct {
	RuleDTO
	Version    string        `json:"version"`
	Definition ClientRuleDTO `json:"definition"`
}

type ClientRuleDTO struct {
	Name        string               `json:"name"`
	Service     string               `json:"service"`
	Timeline    TimelineDTO          `json:"timeline"`
	Target      TargetDTO            `json:"target"`
	Calculation ClientCalculationDTO `json:"calculation"`
}

type ClientCalculationDTO struct {
	Mode     string               `json:"mode"`
	Category string               `json:"category"`
	Fixed    *FixedScheduleDTO    `json:"fixed,omitempty"`
	Range    []TierScheduleDTO    `json:"range,omitempty"`
	Product  []ProductScheduleDTO `json:"product,omitempty"`
	Tax      string               `json:"tax"`
}

type FixedScheduleDTO struct {
	Commission string `json:"commission"`
	MaxCap     string `json:"max_cap"`
}

type TierScheduleDTO struct {
	Min        string `json:"min"`
	Max        string `json:"max"`
	Commission string `json:"commission"`
	MaxCap     string `json:"max_cap"`
}

type ProductScheduleDTO struct {
	SKU        string `json:"sku"`
	Commission string `json:"commission"`
	MaxCap     string `json:"max_cap"`
}

func toClientRuleDTO(client engine.ClientRule) ClientRuleDTO {
	dto := ClientRuleDTO{
		Name:    client.Name,
		Service: string(client.Service),
		Timeline: TimelineDTO{
			Use:       client.Timeline.Use,
			StartDate: client.Timeline.StartDate,
			EndDate:   client.Timeline.EndDate,
		},
		Target: TargetDTO{
			All:         client.Target.All,
			ByProfile:   client.Target.ByProfile,
			Profile:     client.Target.Profile,
			ByGeography: client.Target.ByGeography,
			ByGroup:     client.Target.ByGroup,
		},
		Calculation: ClientCalculationDTO{
			Mode:     string(client.Calculation.Mode),
			Category: string(client.Calculation.Category),
			Tax:      string(client.Calculation.Tax),
		},
	}
	if client.Target.Geography != nil {
		dto.Target.Geography = &GeographyDTO{
			Districts: client.Target.Geography.Districts,
			Thanas:    client.Target.Geography.Thanas,
		}
	}
	if client.Target.Group != nil {
		users := make([]string, len(client.Target.Group.Users))
		for i, u := range client.Target.Group.Users {
			users[i] = string(u)
		}
		dto.Target.Group = &GroupTargetDTO{Name: client.Target.Group.Name, Users: users}
	}
	if client.Calculation.Fixed != nil {
		dto.Calculation.Fixed = &FixedScheduleDTO{
			Commission: client.Calculation.Fixed.Commission.String(),
			MaxCap:     client.Calculation.Fixed.MaxCap.String(),
		}
	}
	for _, tier := range client.Calculation.Range {
		dto.Calculation.Range = append(dto.Calculation.Range, TierScheduleDTO{
			Min:        tier.Min.String(),
			Max:        tier.Max.String(),
			Commission: tier.Commission.String(),
			MaxCap:     tier.MaxCap.String(),
		})
	}
	for _, product := range client.Calculation.Product {
		dto.Calculation.Product = append(dto.Calculation.Product, ProductScheduleDTO{
			SKU:        product.SKU,
			Commission: product.Commission.String(),
			MaxCap:     product.MaxCap.String(),
		})
	}
	return dto
}

// =============================================================================
// COMMISSION RESPONSES
// =============================================================================

type PeriodDTO struct {
	ID        string `json:"id"`
	Payee     string `json:"payee"`
	Service   string `json:"service"`
	Month     string `json:"month"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toPeriodDTO(period engine.CommissionPeriod) PeriodDTO {
	return PeriodDTO{
		ID:        string(period.ID),
		Payee:     string(period.Payee),
		Service:   string(period.Service),
		Month:     period.Month.Format("2006-01"),
		Status:    string(period.Status),
		CreatedAt: period.CreatedAt.Format(time.RFC3339),
		UpdatedAt: period.UpdatedAt.Format(time.RFC3339),
	}
}

// PeriodDetailDTO is a period plus its aggregate payout.
type PeriodDetailDTO struct {
	PeriodDTO
	Total string `json:"total"`
	Count int    `json:"count"`
}

type PostingDTO struct {
	ID          string `json:"id"`
	Payee       string `json:"payee"`
	Order       string `json:"order"`
	Service     string `json:"service"`
	Month       string `json:"month"`
	Amount      string `json:"amount"`
	RuleVersion string `json:"rule_version"`
	SKU         string `json:"sku,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func toPostingDTO(posting engine.CommissionPosting) PostingDTO {
	return PostingDTO{
		ID:          string(posting.ID),
		Payee:       string(posting.Payee),
		Order:       string(posting.Order),
		Service:     string(posting.Service),
		Month:       posting.Month.Format("2006-01"),
		Amount:      posting.Amount.String(),
		RuleVersion: string(posting.RuleVersion),
		SKU:         posting.SKU,
		CreatedAt:   posting.CreatedAt.Format(time.RFC3339),
	}
}

// AdvanceStatusRequest moves a period to the given status.
type AdvanceStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// ORDER TYPES
// =============================================================================

type OrderLineDTO struct {
	SKU       string           `json:"sku"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
}

type OrderRequest struct {
	ID        string           `json:"id"`
	Payee     string           `json:"payee"`
	Service   string           `json:"service"`
	Lines     []OrderLineDTO   `json:"lines"`
	Total     *decimal.Decimal `json:"total,omitempty"` // defaults to the line sum
	CreatedAt string           `json:"created_at,omitempty"` // RFC3339; defaults to now
}

type OrderDTO struct {
	ID        string `json:"id"`
	Payee     string `json:"payee"`
	Service   string `json:"service"`
	Total     string `json:"total"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func toOrderDTO(order engine.Order) OrderDTO {
	return OrderDTO{
		ID:        string(order.ID),
		Payee:     string(order.Payee),
		Service:   string(order.Service),
		Total:     order.Total.String(),
		Status:    string(order.Status),
		CreatedAt: order.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// PROFILE TYPES
// =============================================================================

type ProfileDTO struct {
	Name         string `json:"name"`
	TotalOrders  int    `json:"total_orders"`
	TotalAmount  string `json:"total_amount"`
	Priority     int    `json:"priority"`
	PeriodMonths int    `json:"period_months"`
}

func toProfileDTO(profile engine.Profile) ProfileDTO {
	return ProfileDTO{
		Name:         profile.Name,
		TotalOrders:  profile.TotalOrders,
		TotalAmount:  profile.TotalAmount.String(),
		Priority:     profile.Priority,
		PeriodMonths: profile.PeriodMonths,
	}
}

// ProfileRequest creates or replaces a classification profile.
type ProfileRequest struct {
	Name         string           `json:"name"`
	TotalOrders  int              `json:"total_orders"`
	TotalAmount  *decimal.Decimal `json:"total_amount"`
	Priority     int              `json:"priority"`
	PeriodMonths int              `json:"period_months"`
}

// =============================================================================
// HIERARCHY TYPES
// =============================================================================

type GroupDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type EdgeDTO struct {
	Parent        string `json:"parent"`
	Child         string `json:"child"`
	Transactional bool   `json:"transactional"`
}

// HierarchyDTO is the full group graph.
type HierarchyDTO struct {
	Groups []GroupDTO `json:"groups"`
	Edges  []EdgeDTO  `json:"edges"`
}

// TraversalDTO is the result of a descendants/ancestors query.
type TraversalDTO struct {
	Group   string   `json:"group"`
	Members []string `json:"members"`
}

type CreateGroupRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type CreateEdgeRequest struct {
	Parent        string `json:"parent"`
	Child         string `json:"child"`
	Transactional bool   `json:"transactional"`
}

func toGroupDTO(group hierarchy.Group) GroupDTO {
	return GroupDTO{ID: string(group.ID), Name: group.Name}
}

func toEdgeDTO(edge hierarchy.Edge) EdgeDTO {
	return EdgeDTO{
		Parent:        string(edge.Parent),
		Child:         string(edge.Child),
		Transactional: edge.Transactional,
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
