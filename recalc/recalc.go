/*
recalc.go - Recalculation over rule edits, deletes, and cancellations

PURPOSE:
  When an administrator edits an active rule, every still-pending
  posting produced by any of the rule's historical versions is purged
  and the affected orders are replayed against the new latest version.
  Deleting a rule with cascade purges without replay. Canceling an
  order purges its pending postings.

  The batch never holds one long transaction: each affected order is
  one evaluation plus one posting-set write, and a single order's
  failure is logged and skipped, not allowed to abort the batch.
  Postings are keyed by (order, rule version), so a crashed and
  redelivered batch cannot double-post.
*/
package recalc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/ledger"
)

type Recalculator struct {
	Rules  engine.RuleStore
	Orders engine.OrderStore
	Ledger *ledger.Ledger
	Eval   *engine.Evaluator
	Log    *zap.Logger
}

// Handle dispatches queue jobs. Satisfies recalc.Handler.
func (r *Recalculator) Handle(ctx context.Context, job Job) error {
	switch j := job.(type) {
	case EvaluateOrderJob:
		return r.EvaluateOrder(ctx, j.Order, j.Rules)
	case RecalculateRuleJob:
		return r.RuleUpdated(ctx, j.Rule, j.Window)
	case PurgeVersionsJob:
		return r.PurgeVersions(ctx, j.Versions)
	case PurgeOrderJob:
		return r.Ledger.PurgePendingByOrder(ctx, j.Order)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind())
	}
}

// EvaluateOrder evaluates one order, either against all active rules
// or a specific rule subset.
func (r *Recalculator) EvaluateOrder(ctx context.Context, orderID engine.OrderID, ruleIDs []engine.RuleID) error {
	order, err := r.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	if len(ruleIDs) == 0 {
		_, err = r.Eval.EvaluateOrder(ctx, *order)
		return err
	}

	for _, ruleID := range ruleIDs {
		rule, err := r.Rules.GetRule(ctx, ruleID)
		if err != nil {
			if engine.IsNotFound(err) {
				continue
			}
			return err
		}
		if !rule.Active || rule.Deleted {
			continue
		}
		version, err := r.Rules.LatestVersion(ctx, ruleID)
		if err != nil {
			if engine.IsNotFound(err) {
				continue
			}
			return err
		}
		if _, err := r.Eval.EvaluateVersion(ctx, *order, version); err != nil {
			return err
		}
	}
	return nil
}

// RuleUpdated purges pending postings across the rule's whole version
// history, then replays the affected orders against the new latest
// version. The window, when present, bounds both the purge and the
// replay to orders created inside it.
func (r *Recalculator) RuleUpdated(ctx context.Context, ruleID engine.RuleID, window *engine.Window) error {
	rule, err := r.Rules.GetRule(ctx, ruleID)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil // deleted since the job was enqueued
		}
		return err
	}
	if rule.Deleted || !rule.Active {
		return nil
	}

	versions, err := r.Rules.VersionIDs(ctx, ruleID)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return nil
	}

	affected, err := r.Ledger.PurgePendingByVersions(ctx, versions, window)
	if err != nil {
		return err
	}

	latest, err := r.Rules.LatestVersion(ctx, ruleID)
	if err != nil {
		return err
	}

	replayed := 0
	for _, orderID := range affected {
		order, err := r.Orders.GetOrder(ctx, orderID)
		if err != nil {
			r.Log.Error("recalculation: order load failed, skipped",
				zap.String("rule", string(ruleID)),
				zap.String("order", string(orderID)),
				zap.Error(err))
			continue
		}
		if window != nil && !window.Contains(order.CreatedAt) {
			continue
		}
		if _, err := r.Eval.EvaluateVersion(ctx, *order, latest); err != nil {
			r.Log.Error("recalculation: order evaluation failed, skipped",
				zap.String("rule", string(ruleID)),
				zap.String("order", string(orderID)),
				zap.Error(err))
			continue
		}
		replayed++
	}

	r.Log.Info("recalculation complete",
		zap.String("rule", string(ruleID)),
		zap.Int("affected", len(affected)),
		zap.Int("replayed", replayed))
	return nil
}

// PurgeVersions removes pending postings for superseded versions.
// No replay: the rule no longer exists to evaluate against.
func (r *Recalculator) PurgeVersions(ctx context.Context, versions []engine.RuleVersionID) error {
	if len(versions) == 0 {
		return nil
	}
	_, err := r.Ledger.PurgePendingByVersions(ctx, versions, nil)
	return err
}

// =============================================================================
// DISPATCHER - Fire-and-forget entry points over the queue
// =============================================================================

// Dispatcher enqueues deferred work. Satisfies engine.RecalcDispatcher.
type Dispatcher struct {
	Queue *Queue
}

func (d *Dispatcher) DispatchRuleUpdated(ruleID engine.RuleID, window *engine.Window) {
	d.Queue.Enqueue(RecalculateRuleJob{Rule: ruleID, Window: window})
}

func (d *Dispatcher) DispatchVersionsPurge(ruleID engine.RuleID, versions []engine.RuleVersionID) {
	d.Queue.Enqueue(PurgeVersionsJob{Rule: ruleID, Versions: versions})
}

func (d *Dispatcher) DispatchEvaluateOrder(orderID engine.OrderID) {
	d.Queue.Enqueue(EvaluateOrderJob{Order: orderID})
}

func (d *Dispatcher) DispatchOrderCanceled(orderID engine.OrderID) {
	d.Queue.Enqueue(PurgeOrderJob{Order: orderID})
}
