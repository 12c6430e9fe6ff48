/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the rule engine and its collaborators.
  The engine never reaches into another subsystem directly: reference
  lookups go through Directory, persistence through the store
  interfaces, posting through PostingSink.

IMPLEMENTATIONS:
  - store/memory: in-memory, for tests and dev
  - store/sqlite: production SQLite
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// RULE STORE
// =============================================================================

// RuleStore persists rules and their append-only version history.
// Versions are immutable once appended.
type RuleStore interface {
	SaveRule(ctx context.Context, rule Rule) error

	GetRule(ctx context.Context, id RuleID) (*Rule, error)

	// GetRuleByName matches live (non-deleted) rules, case-insensitively.
	GetRuleByName(ctx context.Context, name string) (*Rule, error)

	ListRules(ctx context.Context) ([]Rule, error)

	// ActiveRules returns live rules with Active == true.
	ActiveRules(ctx context.Context) ([]Rule, error)

	// SoftDeleteRule marks the rule deleted; history is retained.
	SoftDeleteRule(ctx context.Context, id RuleID) error

	// AppendVersion adds a new RuleVersion. Never mutates prior versions.
	AppendVersion(ctx context.Context, version RuleVersion) error

	// LatestVersion returns the most recently appended version.
	LatestVersion(ctx context.Context, id RuleID) (*RuleVersion, error)

	// VersionIDs returns all version ids ever appended for the rule,
	// most recent first.
	VersionIDs(ctx context.Context, id RuleID) ([]RuleVersionID, error)
}

// =============================================================================
// COMMISSION STORE
// =============================================================================

type PeriodFilter struct {
	Payee    *UserID
	Service  *ServiceID
	Month    *time.Time
	Status   *PeriodStatus
	Category *RuleCategory // reserved for category-scoped reporting
}

// PeriodAggregate is the grouped payee x service x month x status view.
type PeriodAggregate struct {
	Period CommissionPeriod
	Total  Money
	Count  int
}

// CommissionStore persists periods and postings.
type CommissionStore interface {
	// GetOrCreatePeriod returns the (service, month, payee) bucket,
	// creating it with status pending on first use.
	GetOrCreatePeriod(ctx context.Context, service ServiceID, month time.Time, payee UserID) (*CommissionPeriod, error)

	GetPeriod(ctx context.Context, id PeriodID) (*CommissionPeriod, error)

	ListPeriods(ctx context.Context, filter PeriodFilter) ([]CommissionPeriod, error)

	ListPeriodAggregates(ctx context.Context, filter PeriodFilter) ([]PeriodAggregate, error)

	// CASPeriodStatus advances a period's status only if its current
	// status equals from. Returns ErrInvalidState on mismatch.
	CASPeriodStatus(ctx context.Context, id PeriodID, from, to PeriodStatus) error

	// InsertPosting persists a posting. A duplicate Key returns
	// ErrDuplicatePosting.
	InsertPosting(ctx context.Context, posting CommissionPosting) error

	PostingsByPeriod(ctx context.Context, id PeriodID) ([]CommissionPosting, error)

	PostingsByOrder(ctx context.Context, id OrderID) ([]CommissionPosting, error)

	// DeletePendingByVersions removes postings referencing any of the
	// given versions whose period status is pending, optionally bounded
	// by the source order's creation window. Returns the distinct orders
	// whose postings were removed. Deleting already-deleted postings is
	// a no-op.
	DeletePendingByVersions(ctx context.Context, versions []RuleVersionID, window *Window) ([]OrderID, error)

	// DeletePendingByOrder removes the order's postings in pending
	// periods (order cancellation path).
	DeletePendingByOrder(ctx context.Context, id OrderID) error
}

// =============================================================================
// ORDER SOURCE
// =============================================================================

// OrderStore supplies order data. Order CRUD itself is an external
// collaborator concern; the engine needs lookup, intake for replay,
// and trailing stats for profile classification.
type OrderStore interface {
	SaveOrder(ctx context.Context, order Order) error

	GetOrder(ctx context.Context, id OrderID) (*Order, error)

	// TrailingStats returns the payee's order count and gross total
	// over [from, to].
	TrailingStats(ctx context.Context, payee UserID, from, to time.Time) (int, Money, error)
}

// =============================================================================
// PROFILE STORE
// =============================================================================

// ProfileStore persists the ordered, non-overlapping profile table.
type ProfileStore interface {
	SaveProfile(ctx context.Context, profile Profile) error

	// ListProfiles returns profiles ordered by priority, highest first.
	ListProfiles(ctx context.Context) ([]Profile, error)
}

// =============================================================================
// DIRECTORY - Payee/account and reference data collaborator
// =============================================================================

// UserFacts is the hierarchy/geography context of a payee. Parent and
// grandparent group memberships ride along so group-targeted rules can
// match against the chain member that owns the targeted group.
type UserFacts struct {
	Groups            []GroupID
	Parent            UserID
	ParentGroups      []GroupID
	Grandparent       UserID
	GrandparentGroups []GroupID
	Districts         []string
	Thanas            []string
}

// Directory resolves reference data during rule validation and supplies
// payee context during fact derivation. A temporarily unreachable
// backing store surfaces as ErrUpstreamUnavailable.
type Directory interface {
	ProductExists(ctx context.Context, sku string) (bool, error)
	DistrictExists(ctx context.Context, id string) (bool, error)
	ThanaExists(ctx context.Context, id string) (bool, error)
	ProfileByName(ctx context.Context, name string) (*Profile, error)
	GroupIDByName(ctx context.Context, name string) (GroupID, error)
	UserExists(ctx context.Context, id UserID) (bool, error)
	UserFacts(ctx context.Context, id UserID) (*UserFacts, error)
}

// =============================================================================
// POSTING SINK
// =============================================================================

// PostingSink receives computed postings. The ledger implements this:
// it routes the posting into its (service, month, payee) period.
type PostingSink interface {
	// Post persists the posting, creating its period if absent.
	// A duplicate posting key returns ErrDuplicatePosting.
	Post(ctx context.Context, posting CommissionPosting) error
}
