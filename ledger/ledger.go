/*
Package ledger manages commission periods and postings.

PURPOSE:
  Postings are grouped into (payee, service, calendar month) periods.
  A period's status gates mutability: while pending, recalculation may
  still purge its postings; once confirmed or done, settled money is
  never revised.

STATUS LIFECYCLE:
  pending -> confirmed -> done. No skipping, no reverse. Only months
  strictly before the current calendar month may be advanced; a done
  period is immutable. Transitions are applied under a check-then-write
  guard against the store.
*/
package ledger

import (
	"context"
	"time"

	"github.com/warp/commission-engine/engine"
)

type Ledger struct {
	Store engine.CommissionStore
	Now   func() time.Time
}

func New(store engine.CommissionStore) *Ledger {
	return &Ledger{Store: store}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Post routes a posting into its (service, month, payee) period,
// creating the period with status pending on first use. Satisfies
// engine.PostingSink. A duplicate posting key surfaces as
// engine.ErrDuplicatePosting.
func (l *Ledger) Post(ctx context.Context, posting engine.CommissionPosting) error {
	period, err := l.Store.GetOrCreatePeriod(ctx, posting.Service, posting.Month, posting.Payee)
	if err != nil {
		return err
	}
	posting.Period = period.ID
	return l.Store.InsertPosting(ctx, posting)
}

// nextStatus is the only legal successor per status.
var nextStatus = map[engine.PeriodStatus]engine.PeriodStatus{
	engine.PeriodPending:   engine.PeriodConfirmed,
	engine.PeriodConfirmed: engine.PeriodDone,
}

// AdvanceStatus moves a period to newStatus. The transition must be
// the single legal successor of the current status, and the period's
// month must be fully elapsed.
func (l *Ledger) AdvanceStatus(ctx context.Context, id engine.PeriodID, newStatus engine.PeriodStatus) error {
	period, err := l.Store.GetPeriod(ctx, id)
	if err != nil {
		return err
	}

	if period.Status == engine.PeriodDone {
		return &engine.InvalidStateError{
			Subject: "period " + string(id),
			From:    string(period.Status),
			To:      string(newStatus),
			Reason:  "status is already done",
		}
	}
	if nextStatus[period.Status] != newStatus {
		return &engine.InvalidStateError{
			Subject: "period " + string(id),
			From:    string(period.Status),
			To:      string(newStatus),
			Reason:  "statuses advance one step at a time",
		}
	}

	currentMonth := engine.MonthOf(l.now())
	if !period.Month.Before(currentMonth) {
		return &engine.InvalidStateError{
			Subject: "period " + string(id),
			From:    string(period.Status),
			To:      string(newStatus),
			Reason:  "only fully elapsed months may be advanced",
		}
	}

	return l.Store.CASPeriodStatus(ctx, id, period.Status, newStatus)
}

// =============================================================================
// QUERIES
// =============================================================================

func (l *Ledger) Period(ctx context.Context, id engine.PeriodID) (*engine.CommissionPeriod, error) {
	return l.Store.GetPeriod(ctx, id)
}

func (l *Ledger) Periods(ctx context.Context, filter engine.PeriodFilter) ([]engine.CommissionPeriod, error) {
	return l.Store.ListPeriods(ctx, filter)
}

// Aggregates returns the grouped payee x service x month x status x
// total view used by reporting.
func (l *Ledger) Aggregates(ctx context.Context, filter engine.PeriodFilter) ([]engine.PeriodAggregate, error) {
	return l.Store.ListPeriodAggregates(ctx, filter)
}

func (l *Ledger) Postings(ctx context.Context, id engine.PeriodID) ([]engine.CommissionPosting, error) {
	return l.Store.PostingsByPeriod(ctx, id)
}

func (l *Ledger) PostingsByOrder(ctx context.Context, id engine.OrderID) ([]engine.CommissionPosting, error) {
	return l.Store.PostingsByOrder(ctx, id)
}

// =============================================================================
// PURGES - Recalculation support
// =============================================================================

// PurgePendingByVersions removes postings referencing the given rule
// versions from periods still pending, optionally bounded by the
// source order's creation window. Settled periods are untouched.
// Returns the distinct affected orders.
func (l *Ledger) PurgePendingByVersions(ctx context.Context, versions []engine.RuleVersionID, window *engine.Window) ([]engine.OrderID, error) {
	return l.Store.DeletePendingByVersions(ctx, versions, window)
}

// PurgePendingByOrder removes a canceled order's postings from periods
// still pending.
func (l *Ledger) PurgePendingByOrder(ctx context.Context, id engine.OrderID) error {
	return l.Store.DeletePendingByOrder(ctx, id)
}
