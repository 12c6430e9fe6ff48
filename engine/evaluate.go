/*
evaluate.go - Order evaluation against compiled rules

PURPOSE:
  Runs every active Rule's latest RuleVersion against one order,
  producing zero or more commission postings. Evaluation is idempotent:
  postings are keyed by (order, rule version, sku), so a redelivered
  job never posts twice.

MATCHING:
  Conditions within a group are ANDed. Groups are independent: an
  order may match groups across multiple rules, and within one range
  rule the tiers are mutually exclusive by construction (compile-time
  ordering check). Should that check ever be bypassed by imported
  data, matching is first-match-in-list-order per tier.
*/
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// FACT BUILDER
// =============================================================================

// ProfileSource assigns a payee its current profile tier name.
// Classifier satisfies this.
type ProfileSource interface {
	Classify(ctx context.Context, payee UserID, asOf time.Time) (string, error)
}

// FactBuilder derives an order's fact set from the order itself plus
// the payee context supplied by the directory collaborator.
type FactBuilder struct {
	Dir      Directory
	Profiles ProfileSource
	Now      func() time.Time // defaults to time.Now
}

func (b *FactBuilder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *FactBuilder) Derive(ctx context.Context, order Order) (*Facts, error) {
	user, err := b.Dir.UserFacts(ctx, order.Payee)
	if err != nil {
		return nil, err
	}

	profile := ""
	if b.Profiles != nil {
		profile, err = b.Profiles.Classify(ctx, order.Payee, b.now())
		if err != nil {
			return nil, err
		}
	}

	skus := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		skus = append(skus, line.SKU)
	}

	return &Facts{
		Order:       order.ID,
		Payee:       order.Payee,
		Service:     order.Service,
		CreatedUnix: order.CreatedAt.Unix(),
		Profile:     profile,
		Groups:            user.Groups,
		Parent:            user.Parent,
		ParentGroups:      user.ParentGroups,
		Grandparent:       user.Grandparent,
		GrandparentGroups: user.GrandparentGroups,
		Districts:         user.Districts,
		Thanas:            user.Thanas,
		Total:             order.Total,
		SKUs:              skus,
	}, nil
}

// =============================================================================
// EVALUATOR
// =============================================================================

type Evaluator struct {
	Rules RuleStore
	Facts *FactBuilder
	Sink  PostingSink
	Now   func() time.Time
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// EvaluateOrder runs all active rules over the order. Canceled orders
// produce nothing. Returns the postings created (deduplicated postings
// are not included).
func (e *Evaluator) EvaluateOrder(ctx context.Context, order Order) ([]CommissionPosting, error) {
	if order.Status == OrderCanceled {
		return nil, nil
	}

	facts, err := e.Facts.Derive(ctx, order)
	if err != nil {
		return nil, err
	}

	rules, err := e.Rules.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	var created []CommissionPosting
	for _, rule := range rules {
		version, err := e.Rules.LatestVersion(ctx, rule.ID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return created, err
		}
		postings, err := e.applyVersion(ctx, order, facts, version)
		if err != nil {
			return created, err
		}
		created = append(created, postings...)
	}
	return created, nil
}

// EvaluateVersion runs one specific rule version over the order.
// The recalculation path uses this to replay affected orders against
// the new latest version only.
func (e *Evaluator) EvaluateVersion(ctx context.Context, order Order, version *RuleVersion) ([]CommissionPosting, error) {
	if order.Status == OrderCanceled {
		return nil, nil
	}
	facts, err := e.Facts.Derive(ctx, order)
	if err != nil {
		return nil, err
	}
	return e.applyVersion(ctx, order, facts, version)
}

func (e *Evaluator) applyVersion(ctx context.Context, order Order, facts *Facts, version *RuleVersion) ([]CommissionPosting, error) {
	var created []CommissionPosting

	for _, group := range version.Engine.Groups {
		if !group.Matches(facts) {
			continue
		}
		amount, ok := group.Action.Apply(order)
		if !ok {
			continue
		}

		posting := CommissionPosting{
			ID:          PostingID(uuid.NewString()),
			Payee:       order.Payee,
			Order:       order.ID,
			Service:     order.Service,
			Month:       MonthOf(order.CreatedAt),
			Amount:      amount,
			RuleVersion: version.ID,
			SKU:         group.Action.SKU,
			Key:         PostingKey(order.ID, version.ID, group.Action.SKU),
			CreatedAt:   e.now(),
		}

		if err := e.Sink.Post(ctx, posting); err != nil {
			if errors.Is(err, ErrDuplicatePosting) {
				continue
			}
			return created, err
		}
		created = append(created, posting)
	}
	return created, nil
}
