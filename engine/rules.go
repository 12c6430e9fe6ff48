/*
rules.go - Rule lifecycle

PURPOSE:
  Create/update/delete orchestration over the compiler and the rule
  store. Updating always appends a new RuleVersion; deleting is soft
  and optionally cascades into a pending-postings purge. Recalculation
  never runs inline here - it is handed to a dispatcher and executed
  as a background job keyed by rule id.
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecalcDispatcher receives deferred recalculation work. The recalc
// package's queue satisfies this; rule mutations must return to the
// administrator without waiting for the replay.
type RecalcDispatcher interface {
	// DispatchRuleUpdated schedules purge-and-replay for the rule,
	// optionally bounded by its timeline window.
	DispatchRuleUpdated(ruleID RuleID, window *Window)

	// DispatchVersionsPurge schedules a pending-postings purge for the
	// given superseded versions (rule delete path, no replay).
	DispatchVersionsPurge(ruleID RuleID, versions []RuleVersionID)
}

type RuleService struct {
	Store    RuleStore
	Compiler *Compiler
	Recalc   RecalcDispatcher
	Now      func() time.Time
}

func (s *RuleService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateRule validates and compiles the input, stores the rule and its
// first version, and activates it.
func (s *RuleService) CreateRule(ctx context.Context, in RuleInput) (*Rule, error) {
	client, engineRule, err := s.Compiler.Compile(ctx, in)
	if err != nil {
		return nil, err
	}

	existing, err := s.Store.GetRuleByName(ctx, in.Name)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		return nil, invalid("name", "rule with this name already exists")
	}

	now := s.now()
	rule := Rule{
		ID:                 RuleID(uuid.NewString()),
		Name:               in.Name,
		Type:               in.Type,
		Category:           in.Category,
		CommissionCategory: in.Calculation.Category,
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.Store.SaveRule(ctx, rule); err != nil {
		return nil, err
	}

	version := RuleVersion{
		ID:        RuleVersionID(uuid.NewString()),
		RuleID:    rule.ID,
		Client:    client,
		Engine:    engineRule,
		CreatedAt: now,
	}
	if err := s.Store.AppendVersion(ctx, version); err != nil {
		return nil, err
	}
	return &rule, nil
}

// UpdateRule re-validates identically to create, appends a new version,
// and schedules recalculation when the rule ends up active.
func (s *RuleService) UpdateRule(ctx context.Context, id RuleID, in RuleInput) (*Rule, error) {
	rule, err := s.Store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.Deleted {
		return nil, &InvalidStateError{Subject: "rule " + string(id), From: "deleted", To: "updated", Reason: "rule is deleted"}
	}

	client, engineRule, err := s.Compiler.Compile(ctx, in)
	if err != nil {
		return nil, err
	}

	if in.Name != rule.Name {
		existing, err := s.Store.GetRuleByName(ctx, in.Name)
		if err != nil && !IsNotFound(err) {
			return nil, err
		}
		if existing != nil && existing.ID != id {
			return nil, invalid("name", "rule with this name already exists")
		}
	}

	now := s.now()
	rule.Name = in.Name
	rule.Type = in.Type
	rule.Category = in.Category
	rule.CommissionCategory = in.Calculation.Category
	rule.Active = in.Active == nil || *in.Active
	rule.UpdatedAt = now
	if err := s.Store.SaveRule(ctx, *rule); err != nil {
		return nil, err
	}

	version := RuleVersion{
		ID:        RuleVersionID(uuid.NewString()),
		RuleID:    rule.ID,
		Client:    client,
		Engine:    engineRule,
		CreatedAt: now,
	}
	if err := s.Store.AppendVersion(ctx, version); err != nil {
		return nil, err
	}

	if rule.Active && s.Recalc != nil {
		window, _ := in.Timeline.TimelineWindow()
		s.Recalc.DispatchRuleUpdated(rule.ID, window)
	}
	return rule, nil
}

// DeleteRule soft-deletes the rule. With cascade set, its pending
// postings across every historical version are purged in the
// background; settled periods are never touched.
func (s *RuleService) DeleteRule(ctx context.Context, id RuleID, cascade bool) error {
	rule, err := s.Store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if rule.Deleted {
		return &NotFoundError{Kind: "rule", ID: string(id)}
	}

	versions, err := s.Store.VersionIDs(ctx, id)
	if err != nil {
		return err
	}

	if err := s.Store.SoftDeleteRule(ctx, id); err != nil {
		return err
	}

	if cascade && s.Recalc != nil {
		s.Recalc.DispatchVersionsPurge(id, versions)
	}
	return nil
}
