/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface the engine depends on (rule
  store, commission store, order store, profile store, hierarchy store,
  directory) using SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

VERSION IMMUTABILITY:
  rule_versions is append-only: no UPDATE or DELETE statements touch it.
  Editing a rule appends a new version; postings keep referencing the
  version that produced them.

KEY TABLES:
  rules:               Rule headers (soft-deleted, never dropped)
  rule_versions:       Immutable compiled snapshots (client + engine JSON)
  commission_periods:  (payee, service, month) settlement buckets
  commission_postings: Individual payouts, idempotent on posting_key
  orders:              Order intake used for evaluation and trailing stats
  profiles:            Payee classification thresholds
  groups/group_edges:  Organization hierarchy
  users/products/districts/thanas: Reference directory

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - store/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/hierarchy"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Interface checks.
var (
	_ engine.RuleStore       = (*Store)(nil)
	_ engine.CommissionStore = (*Store)(nil)
	_ engine.OrderStore      = (*Store)(nil)
	_ engine.ProfileStore    = (*Store)(nil)
	_ engine.Directory       = (*Store)(nil)
	_ hierarchy.Store        = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Rule headers (soft-deleted only)
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		category TEXT NOT NULL,
		commission_category TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Live rule names are unique; deleted rules free their name
	CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_live_name
		ON rules(LOWER(name)) WHERE deleted = FALSE;
	CREATE INDEX IF NOT EXISTS idx_rules_active
		ON rules(active) WHERE deleted = FALSE;

	-- Rule versions (append-only)
	CREATE TABLE IF NOT EXISTS rule_versions (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		client_json TEXT NOT NULL,
		engine_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rule_versions_rule
		ON rule_versions(rule_id, created_at DESC);

	-- Commission periods: one per (service, month, payee)
	CREATE TABLE IF NOT EXISTS commission_periods (
		id TEXT PRIMARY KEY,
		payee_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		month TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(service_id, month, payee_id)
	);

	CREATE INDEX IF NOT EXISTS idx_periods_payee
		ON commission_periods(payee_id, month DESC);
	CREATE INDEX IF NOT EXISTS idx_periods_status
		ON commission_periods(status);

	-- Commission postings, idempotent on posting_key
	CREATE TABLE IF NOT EXISTS commission_postings (
		id TEXT PRIMARY KEY,
		payee_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		month TEXT NOT NULL,
		amount TEXT NOT NULL,
		rule_version_id TEXT NOT NULL,
		sku TEXT NOT NULL DEFAULT '',
		period_id TEXT NOT NULL,
		posting_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_postings_period
		ON commission_postings(period_id);
	CREATE INDEX IF NOT EXISTS idx_postings_order
		ON commission_postings(order_id);
	-- Hot path for recalculation purges
	CREATE INDEX IF NOT EXISTS idx_postings_version
		ON commission_postings(rule_version_id);

	-- Orders
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		payee_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		total TEXT NOT NULL,
		status TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- For trailing-window classification stats
	CREATE INDEX IF NOT EXISTS idx_orders_payee_created
		ON orders(payee_id, created_at);

	-- Payee classification thresholds
	CREATE TABLE IF NOT EXISTS profiles (
		name TEXT PRIMARY KEY,
		total_orders INTEGER NOT NULL,
		total_amount TEXT NOT NULL,
		priority INTEGER NOT NULL,
		period_months INTEGER NOT NULL
	);

	-- Organization hierarchy
	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_name
		ON groups(LOWER(name));

	-- Each group has at most one outgoing (parent) and one incoming
	-- (child) edge
	CREATE TABLE IF NOT EXISTS group_edges (
		parent_id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL UNIQUE,
		transactional BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	-- Reference directory
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL DEFAULT '',
		groups_json TEXT NOT NULL DEFAULT '[]',
		districts_json TEXT NOT NULL DEFAULT '[]',
		thanas_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS products (
		sku TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS districts (
		id TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS thanas (
		id TEXT PRIMARY KEY
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RULE STORE (engine.RuleStore interface)
// =============================================================================

func (s *Store) SaveRule(ctx context.Context, rule engine.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO rules (id, name, type, category, commission_category, active, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			category = excluded.category,
			commission_category = excluded.commission_category,
			active = excluded.active,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rule.ID, rule.Name, rule.Type, rule.Category, rule.CommissionCategory,
		rule.Active, rule.Deleted,
		rule.CreatedAt.UTC().Format(time.RFC3339Nano),
		rule.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id engine.RuleID) (*engine.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getRuleWhere(ctx, "id = ?", string(id), string(id))
}

func (s *Store) GetRuleByName(ctx context.Context, name string) (*engine.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getRuleWhere(ctx, "LOWER(name) = LOWER(?) AND deleted = FALSE", name, name)
}

func (s *Store) getRuleWhere(ctx context.Context, where, arg, ref string) (*engine.Rule, error) {
	var rule engine.Rule
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, category, commission_category, active, deleted, created_at, updated_at
		 FROM rules WHERE `+where, arg,
	).Scan(&rule.ID, &rule.Name, &rule.Type, &rule.Category, &rule.CommissionCategory,
		&rule.Active, &rule.Deleted, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, &engine.NotFoundError{Kind: "rule", ID: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rule: %w", err)
	}

	rule.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rule.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rule, nil
}

func (s *Store) ListRules(ctx context.Context) ([]engine.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRules(ctx, `
		SELECT id, name, type, category, commission_category, active, deleted, created_at, updated_at
		FROM rules WHERE deleted = FALSE ORDER BY updated_at DESC
	`)
}

func (s *Store) ActiveRules(ctx context.Context) ([]engine.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRules(ctx, `
		SELECT id, name, type, category, commission_category, active, deleted, created_at, updated_at
		FROM rules WHERE deleted = FALSE AND active = TRUE ORDER BY created_at ASC
	`)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]engine.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []engine.Rule
	for rows.Next() {
		var rule engine.Rule
		var createdAt, updatedAt string
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Type, &rule.Category,
			&rule.CommissionCategory, &rule.Active, &rule.Deleted, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rule.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rule.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *Store) SoftDeleteRule(ctx context.Context, id engine.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"UPDATE rules SET deleted = TRUE, active = FALSE, updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Kind: "rule", ID: string(id)}
	}
	return nil
}

func (s *Store) AppendVersion(ctx context.Context, version engine.RuleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientJSON, err := json.Marshal(version.Client)
	if err != nil {
		return fmt.Errorf("failed to encode client rule: %w", err)
	}
	engineJSON, err := json.Marshal(version.Engine)
	if err != nil {
		return fmt.Errorf("failed to encode engine rule: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rule_versions (id, rule_id, client_json, engine_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		version.ID, version.RuleID, string(clientJSON), string(engineJSON),
		version.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append rule version: %w", err)
	}
	return nil
}

func (s *Store) LatestVersion(ctx context.Context, id engine.RuleID) (*engine.RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version engine.RuleVersion
	var clientJSON, engineJSON, createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, rule_id, client_json, engine_json, created_at
		 FROM rule_versions WHERE rule_id = ?
		 ORDER BY created_at DESC LIMIT 1`,
		string(id),
	).Scan(&version.ID, &version.RuleID, &clientJSON, &engineJSON, &createdAt)

	if err == sql.ErrNoRows {
		return nil, &engine.NotFoundError{Kind: "rule version", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rule version: %w", err)
	}

	if err := json.Unmarshal([]byte(clientJSON), &version.Client); err != nil {
		return nil, fmt.Errorf("failed to decode client rule: %w", err)
	}
	if err := json.Unmarshal([]byte(engineJSON), &version.Engine); err != nil {
		return nil, fmt.Errorf("failed to decode engine rule: %w", err)
	}
	version.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &version, nil
}

func (s *Store) VersionIDs(ctx context.Context, id engine.RuleID) ([]engine.RuleVersionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM rule_versions WHERE rule_id = ? ORDER BY created_at DESC",
		string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query version ids: %w", err)
	}
	defer rows.Close()

	var ids []engine.RuleVersionID
	for rows.Next() {
		var vid engine.RuleVersionID
		if err := rows.Scan(&vid); err != nil {
			return nil, err
		}
		ids = append(ids, vid)
	}
	return ids, rows.Err()
}

// =============================================================================
// COMMISSION STORE (engine.CommissionStore interface)
// =============================================================================

func (s *Store) GetOrCreatePeriod(ctx context.Context, service engine.ServiceID, month time.Time, payee engine.UserID) (*engine.CommissionPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	monthKey := month.UTC().Format("2006-01-02")
	now := time.Now().UTC().Format(time.RFC3339Nano)

	// Insert-if-absent, then read back. The unique index makes the
	// insert a no-op when the bucket already exists.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commission_periods (id, payee_id, service_id, month, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?)
		 ON CONFLICT(service_id, month, payee_id) DO NOTHING`,
		uuid.NewString(), string(payee), string(service), monthKey, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create period: %w", err)
	}

	return s.scanPeriodRow(s.db.QueryRowContext(ctx,
		`SELECT id, payee_id, service_id, month, status, created_at, updated_at
		 FROM commission_periods WHERE service_id = ? AND month = ? AND payee_id = ?`,
		string(service), monthKey, string(payee),
	), monthKey)
}

func (s *Store) GetPeriod(ctx context.Context, id engine.PeriodID) (*engine.CommissionPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanPeriodRow(s.db.QueryRowContext(ctx,
		`SELECT id, payee_id, service_id, month, status, created_at, updated_at
		 FROM commission_periods WHERE id = ?`,
		string(id),
	), string(id))
}

func (s *Store) scanPeriodRow(row *sql.Row, ref string) (*engine.CommissionPeriod, error) {
	var period engine.CommissionPeriod
	var month, createdAt, updatedAt string

	err := row.Scan(&period.ID, &period.Payee, &period.Service, &month,
		&period.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &engine.NotFoundError{Kind: "commission period", ID: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query period: %w", err)
	}

	t, _ := time.Parse("2006-01-02", month)
	period.Month = t.UTC()
	period.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	period.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &period, nil
}

func periodFilterSQL(filter engine.PeriodFilter) (string, []any) {
	where := []string{"1=1"}
	var args []any
	if filter.Payee != nil {
		where = append(where, "payee_id = ?")
		args = append(args, string(*filter.Payee))
	}
	if filter.Service != nil {
		where = append(where, "service_id = ?")
		args = append(args, string(*filter.Service))
	}
	if filter.Month != nil {
		where = append(where, "month = ?")
		args = append(args, filter.Month.UTC().Format("2006-01-02"))
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	return strings.Join(where, " AND "), args
}

func (s *Store) ListPeriods(ctx context.Context, filter engine.PeriodFilter) ([]engine.CommissionPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := periodFilterSQL(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payee_id, service_id, month, status, created_at, updated_at
		 FROM commission_periods WHERE `+where+` ORDER BY month DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var periods []engine.CommissionPeriod
	for rows.Next() {
		var period engine.CommissionPeriod
		var month, createdAt, updatedAt string
		if err := rows.Scan(&period.ID, &period.Payee, &period.Service, &month,
			&period.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t, _ := time.Parse("2006-01-02", month)
		period.Month = t.UTC()
		period.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		period.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		periods = append(periods, period)
	}
	return periods, rows.Err()
}

func (s *Store) ListPeriodAggregates(ctx context.Context, filter engine.PeriodFilter) ([]engine.PeriodAggregate, error) {
	periods, err := s.ListPeriods(ctx, filter)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	aggregates := make([]engine.PeriodAggregate, 0, len(periods))
	for _, period := range periods {
		agg := engine.PeriodAggregate{Period: period}

		// Sum in Go: amounts are stored as decimal strings and SQLite
		// SUM would go through float64.
		rows, err := s.db.QueryContext(ctx,
			"SELECT amount FROM commission_postings WHERE period_id = ?",
			string(period.ID),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to query posting amounts: %w", err)
		}
		for rows.Next() {
			var amount string
			if err := rows.Scan(&amount); err != nil {
				rows.Close()
				return nil, err
			}
			parsed, err := engine.ParseMoney(amount)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("corrupt posting amount %q: %w", amount, err)
			}
			agg.Total = agg.Total.Add(parsed)
			agg.Count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		aggregates = append(aggregates, agg)
	}
	return aggregates, nil
}

func (s *Store) CASPeriodStatus(ctx context.Context, id engine.PeriodID, from, to engine.PeriodStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"UPDATE commission_periods SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(to), time.Now().UTC().Format(time.RFC3339Nano), string(id), string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update period status: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx,
		"SELECT status FROM commission_periods WHERE id = ?", string(id),
	).Scan(&current)
	if err == sql.ErrNoRows {
		return &engine.NotFoundError{Kind: "commission period", ID: string(id)}
	}
	if err != nil {
		return fmt.Errorf("failed to query period status: %w", err)
	}
	return &engine.InvalidStateError{
		Subject: "period " + string(id),
		From:    current,
		To:      string(to),
		Reason:  "concurrent status change detected",
	}
}

func (s *Store) InsertPosting(ctx context.Context, posting engine.CommissionPosting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commission_postings
		 (id, payee_id, order_id, service_id, month, amount, rule_version_id, sku, period_id, posting_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		posting.ID, posting.Payee, posting.Order, posting.Service,
		posting.Month.UTC().Format("2006-01-02"),
		posting.Amount.String(),
		posting.RuleVersion, posting.SKU, posting.Period, posting.Key,
		posting.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicatePosting
		}
		return fmt.Errorf("failed to insert posting: %w", err)
	}
	return nil
}

func (s *Store) PostingsByPeriod(ctx context.Context, id engine.PeriodID) ([]engine.CommissionPosting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPostings(ctx, `
		SELECT id, payee_id, order_id, service_id, month, amount, rule_version_id, sku, period_id, posting_key, created_at
		FROM commission_postings WHERE period_id = ? ORDER BY created_at ASC
	`, string(id))
}

func (s *Store) PostingsByOrder(ctx context.Context, id engine.OrderID) ([]engine.CommissionPosting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPostings(ctx, `
		SELECT id, payee_id, order_id, service_id, month, amount, rule_version_id, sku, period_id, posting_key, created_at
		FROM commission_postings WHERE order_id = ? ORDER BY created_at ASC
	`, string(id))
}

func (s *Store) queryPostings(ctx context.Context, query string, args ...any) ([]engine.CommissionPosting, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query postings: %w", err)
	}
	defer rows.Close()

	var postings []engine.CommissionPosting
	for rows.Next() {
		var posting engine.CommissionPosting
		var month, amount, createdAt string
		if err := rows.Scan(&posting.ID, &posting.Payee, &posting.Order, &posting.Service,
			&month, &amount, &posting.RuleVersion, &posting.SKU, &posting.Period,
			&posting.Key, &createdAt); err != nil {
			return nil, err
		}
		t, _ := time.Parse("2006-01-02", month)
		posting.Month = t.UTC()
		posting.Amount, err = engine.ParseMoney(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt posting amount %q: %w", amount, err)
		}
		posting.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		postings = append(postings, posting)
	}
	return postings, rows.Err()
}

func (s *Store) DeletePendingByVersions(ctx context.Context, versions []engine.RuleVersionID, window *engine.Window) ([]engine.OrderID, error) {
	if len(versions) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(versions))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(versions)+2)
	for _, v := range versions {
		args = append(args, string(v))
	}

	query := `
		SELECT p.id, p.order_id
		FROM commission_postings p
		JOIN commission_periods cp ON cp.id = p.period_id
		JOIN orders o ON o.id = p.order_id
		WHERE p.rule_version_id IN (` + placeholders + `)
		  AND cp.status = 'pending'
	`
	if window != nil {
		query += " AND o.created_at >= ? AND o.created_at <= ?"
		args = append(args,
			window.Start.UTC().Format(time.RFC3339Nano),
			window.End.UTC().Format(time.RFC3339Nano))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purgeable postings: %w", err)
	}

	var postingIDs []any
	affected := make(map[engine.OrderID]struct{})
	for rows.Next() {
		var pid string
		var oid engine.OrderID
		if err := rows.Scan(&pid, &oid); err != nil {
			rows.Close()
			return nil, err
		}
		postingIDs = append(postingIDs, pid)
		affected[oid] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(postingIDs) > 0 {
		del := strings.Repeat("?,", len(postingIDs))
		del = del[:len(del)-1]
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM commission_postings WHERE id IN ("+del+")",
			postingIDs...,
		); err != nil {
			return nil, fmt.Errorf("failed to purge postings: %w", err)
		}
	}

	orders := make([]engine.OrderID, 0, len(affected))
	for id := range affected {
		orders = append(orders, id)
	}
	return orders, nil
}

func (s *Store) DeletePendingByOrder(ctx context.Context, id engine.OrderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM commission_postings
		WHERE order_id = ?
		  AND period_id IN (SELECT id FROM commission_periods WHERE status = 'pending')
	`, string(id))
	if err != nil {
		return fmt.Errorf("failed to purge order postings: %w", err)
	}
	return nil
}

// =============================================================================
// ORDER STORE (engine.OrderStore interface)
// =============================================================================

func (s *Store) SaveOrder(ctx context.Context, order engine.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	linesJSON, err := json.Marshal(order.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode order lines: %w", err)
	}

	query := `
		INSERT INTO orders (id, payee_id, service_id, total, status, lines_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			lines_json = excluded.lines_json
	`

	_, err = s.db.ExecContext(ctx, query,
		order.ID, order.Payee, order.Service,
		order.Total.String(), order.Status, string(linesJSON),
		order.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id engine.OrderID) (*engine.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var order engine.Order
	var total, linesJSON, createdAt string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, payee_id, service_id, total, status, lines_json, created_at FROM orders WHERE id = ?",
		string(id),
	).Scan(&order.ID, &order.Payee, &order.Service, &total, &order.Status, &linesJSON, &createdAt)

	if err == sql.ErrNoRows {
		return nil, &engine.NotFoundError{Kind: "order", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	order.Total, err = engine.ParseMoney(total)
	if err != nil {
		return nil, fmt.Errorf("corrupt order total %q: %w", total, err)
	}
	if err := json.Unmarshal([]byte(linesJSON), &order.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode order lines: %w", err)
	}
	order.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &order, nil
}

func (s *Store) TrailingStats(ctx context.Context, payee engine.UserID, from, to time.Time) (int, engine.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT total FROM orders
		WHERE payee_id = ? AND status != 'canceled'
		  AND created_at >= ? AND created_at <= ?
	`, string(payee),
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, engine.Money{}, fmt.Errorf("failed to query trailing stats: %w", err)
	}
	defer rows.Close()

	count := 0
	var total engine.Money
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return 0, engine.Money{}, err
		}
		parsed, err := engine.ParseMoney(amount)
		if err != nil {
			return 0, engine.Money{}, fmt.Errorf("corrupt order total %q: %w", amount, err)
		}
		count++
		total = total.Add(parsed)
	}
	return count, total, rows.Err()
}

// =============================================================================
// PROFILE STORE (engine.ProfileStore interface)
// =============================================================================

func (s *Store) SaveProfile(ctx context.Context, profile engine.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO profiles (name, total_orders, total_amount, priority, period_months)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			total_orders = excluded.total_orders,
			total_amount = excluded.total_amount,
			priority = excluded.priority,
			period_months = excluded.period_months
	`

	_, err := s.db.ExecContext(ctx, query,
		profile.Name, profile.TotalOrders, profile.TotalAmount.String(),
		profile.Priority, profile.PeriodMonths,
	)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]engine.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT name, total_orders, total_amount, priority, period_months FROM profiles ORDER BY priority DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []engine.Profile
	for rows.Next() {
		var profile engine.Profile
		var amount string
		if err := rows.Scan(&profile.Name, &profile.TotalOrders, &amount,
			&profile.Priority, &profile.PeriodMonths); err != nil {
			return nil, err
		}
		profile.TotalAmount, err = engine.ParseMoney(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt profile amount %q: %w", amount, err)
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// =============================================================================
// HIERARCHY STORE (hierarchy.Store interface)
// =============================================================================

func (s *Store) SaveGroup(ctx context.Context, group hierarchy.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO groups (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`

	_, err := s.db.ExecContext(ctx, query,
		group.ID, group.Name, group.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save group: %w", err)
	}
	return nil
}

func (s *Store) ListGroups(ctx context.Context) ([]hierarchy.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, created_at FROM groups ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []hierarchy.Group
	for rows.Next() {
		var group hierarchy.Group
		var createdAt string
		if err := rows.Scan(&group.ID, &group.Name, &createdAt); err != nil {
			return nil, err
		}
		group.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *Store) SaveEdge(ctx context.Context, edge hierarchy.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO group_edges (parent_id, child_id, transactional, created_at) VALUES (?, ?, ?, ?)",
		edge.Parent, edge.Child, edge.Transactional,
		edge.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &engine.InvalidStateError{
				Subject: "hierarchy edge",
				From:    string(edge.Parent),
				To:      string(edge.Child),
				Reason:  "group already has an edge in that direction",
			}
		}
		return fmt.Errorf("failed to save edge: %w", err)
	}
	return nil
}

func (s *Store) DeleteEdge(ctx context.Context, parent engine.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM group_edges WHERE parent_id = ?", string(parent),
	)
	if err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Kind: "hierarchy edge", ID: string(parent)}
	}
	return nil
}

func (s *Store) ListEdges(ctx context.Context) ([]hierarchy.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT parent_id, child_id, transactional, created_at FROM group_edges ORDER BY parent_id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []hierarchy.Edge
	for rows.Next() {
		var edge hierarchy.Edge
		var createdAt string
		if err := rows.Scan(&edge.Parent, &edge.Child, &edge.Transactional, &createdAt); err != nil {
			return nil, err
		}
		edge.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// =============================================================================
// DIRECTORY (engine.Directory interface + seed helpers)
// =============================================================================

// UserRecord is the directory's payee reference row.
type UserRecord struct {
	ID        engine.UserID
	Parent    engine.UserID
	Groups    []engine.GroupID
	Districts []string
	Thanas    []string
}

// UpsertUser seeds or updates a directory user.
func (s *Store) UpsertUser(ctx context.Context, user UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groupsJSON, _ := json.Marshal(user.Groups)
	districtsJSON, _ := json.Marshal(user.Districts)
	thanasJSON, _ := json.Marshal(user.Thanas)

	query := `
		INSERT INTO users (id, parent_id, groups_json, districts_json, thanas_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			groups_json = excluded.groups_json,
			districts_json = excluded.districts_json,
			thanas_json = excluded.thanas_json
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Parent, string(groupsJSON), string(districtsJSON), string(thanasJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// UpsertProduct seeds a product SKU.
func (s *Store) UpsertProduct(ctx context.Context, sku string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO products (sku) VALUES (?)", sku)
	return err
}

// UpsertDistrict seeds a district id.
func (s *Store) UpsertDistrict(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO districts (id) VALUES (?)", id)
	return err
}

// UpsertThana seeds a thana id.
func (s *Store) UpsertThana(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO thanas (id) VALUES (?)", id)
	return err
}

func (s *Store) existsIn(ctx context.Context, table, column, value string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE "+column+" = ?", value,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) ProductExists(ctx context.Context, sku string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.existsIn(ctx, "products", "sku", sku)
}

func (s *Store) DistrictExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.existsIn(ctx, "districts", "id", id)
}

func (s *Store) ThanaExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.existsIn(ctx, "thanas", "id", id)
}

func (s *Store) UserExists(ctx context.Context, id engine.UserID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.existsIn(ctx, "users", "id", string(id))
}

func (s *Store) ProfileByName(ctx context.Context, name string) (*engine.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var profile engine.Profile
	var amount string
	err := s.db.QueryRowContext(ctx,
		"SELECT name, total_orders, total_amount, priority, period_months FROM profiles WHERE name = ?",
		name,
	).Scan(&profile.Name, &profile.TotalOrders, &amount, &profile.Priority, &profile.PeriodMonths)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	profile.TotalAmount, err = engine.ParseMoney(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt profile amount %q: %w", amount, err)
	}
	return &profile, nil
}

func (s *Store) GroupIDByName(ctx context.Context, name string) (engine.GroupID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id engine.GroupID
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM groups WHERE LOWER(name) = LOWER(?)", name,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query group by name: %w", err)
	}
	return id, nil
}

func (s *Store) UserFacts(ctx context.Context, id engine.UserID) (*engine.UserFacts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	facts, parent, err := s.userRow(ctx, id)
	if err != nil {
		return nil, err
	}

	if parent != "" {
		// Grandparent is the parent's parent; a missing parent row just
		// leaves the upper levels empty.
		parentFacts, grandparent, err := s.userRow(ctx, parent)
		if err != nil {
			if !engine.IsNotFound(err) {
				return nil, err
			}
			return facts, nil
		}
		facts.ParentGroups = parentFacts.Groups
		facts.Grandparent = grandparent
		if grandparent != "" {
			grandparentFacts, _, err := s.userRow(ctx, grandparent)
			if err == nil {
				facts.GrandparentGroups = grandparentFacts.Groups
			} else if !engine.IsNotFound(err) {
				return nil, err
			}
		}
	}
	return facts, nil
}

func (s *Store) userRow(ctx context.Context, id engine.UserID) (*engine.UserFacts, engine.UserID, error) {
	var parent engine.UserID
	var groupsJSON, districtsJSON, thanasJSON string

	err := s.db.QueryRowContext(ctx,
		"SELECT parent_id, groups_json, districts_json, thanas_json FROM users WHERE id = ?",
		string(id),
	).Scan(&parent, &groupsJSON, &districtsJSON, &thanasJSON)

	if err == sql.ErrNoRows {
		return nil, "", &engine.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to query user: %w", err)
	}

	facts := &engine.UserFacts{Parent: parent}
	if err := json.Unmarshal([]byte(groupsJSON), &facts.Groups); err != nil {
		return nil, "", fmt.Errorf("failed to decode user groups: %w", err)
	}
	if err := json.Unmarshal([]byte(districtsJSON), &facts.Districts); err != nil {
		return nil, "", fmt.Errorf("failed to decode user districts: %w", err)
	}
	if err := json.Unmarshal([]byte(thanasJSON), &facts.Thanas); err != nil {
		return nil, "", fmt.Errorf("failed to decode user thanas: %w", err)
	}
	return facts, parent, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"commission_postings", "commission_periods", "rule_versions", "rules",
		"orders", "profiles", "group_edges", "groups",
		"users", "products", "districts", "thanas",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
