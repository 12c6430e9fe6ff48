/*
Package memory provides an in-memory implementation of every store
interface (rules, commissions, orders, profiles, hierarchy, directory).
Used by tests and dev mode; the SQLite store is the production twin.
*/
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/hierarchy"
)

// User is the directory's payee record.
type User struct {
	ID        engine.UserID
	Groups    []engine.GroupID
	Parent    engine.UserID
	Districts []string
	Thanas    []string
}

type Store struct {
	mu sync.RWMutex

	rules    map[engine.RuleID]engine.Rule
	versions map[engine.RuleID][]engine.RuleVersion // most recent last

	periods  map[engine.PeriodID]engine.CommissionPeriod
	postings map[engine.PostingID]engine.CommissionPosting
	keys     map[string]engine.PostingID

	orders   map[engine.OrderID]engine.Order
	profiles []engine.Profile

	groups map[engine.GroupID]hierarchy.Group
	edges  map[engine.GroupID]hierarchy.Edge // keyed by parent

	users     map[engine.UserID]User
	products  map[string]bool
	districts map[string]bool
	thanas    map[string]bool

	// UserFactsErr, when set, is returned by UserFacts. Lets tests
	// exercise the retry path.
	UserFactsErr error
}

func New() *Store {
	return &Store{
		rules:     make(map[engine.RuleID]engine.Rule),
		versions:  make(map[engine.RuleID][]engine.RuleVersion),
		periods:   make(map[engine.PeriodID]engine.CommissionPeriod),
		postings:  make(map[engine.PostingID]engine.CommissionPosting),
		keys:      make(map[string]engine.PostingID),
		orders:    make(map[engine.OrderID]engine.Order),
		groups:    make(map[engine.GroupID]hierarchy.Group),
		edges:     make(map[engine.GroupID]hierarchy.Edge),
		users:     make(map[engine.UserID]User),
		products:  make(map[string]bool),
		districts: make(map[string]bool),
		thanas:    make(map[string]bool),
	}
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

// =============================================================================
// RULE STORE
// =============================================================================

func (s *Store) SaveRule(_ context.Context, rule engine.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

func (s *Store) GetRule(_ context.Context, id engine.RuleID) (*engine.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, &engine.NotFoundError{Kind: "rule", ID: string(id)}
	}
	copied := rule
	return &copied, nil
}

func (s *Store) GetRuleByName(_ context.Context, name string) (*engine.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rule := range s.rules {
		if !rule.Deleted && strings.EqualFold(rule.Name, name) {
			copied := rule
			return &copied, nil
		}
	}
	return nil, &engine.NotFoundError{Kind: "rule", ID: name}
}

func (s *Store) ListRules(_ context.Context) ([]engine.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.Rule
	for _, rule := range s.rules {
		if !rule.Deleted {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) ActiveRules(_ context.Context) ([]engine.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.Rule
	for _, rule := range s.rules {
		if !rule.Deleted && rule.Active {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SoftDeleteRule(_ context.Context, id engine.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return &engine.NotFoundError{Kind: "rule", ID: string(id)}
	}
	rule.Deleted = true
	rule.Active = false
	s.rules[id] = rule
	return nil
}

func (s *Store) AppendVersion(_ context.Context, version engine.RuleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[version.RuleID] = append(s.versions[version.RuleID], version)
	return nil
}

func (s *Store) LatestVersion(_ context.Context, id engine.RuleID) (*engine.RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[id]
	if len(versions) == 0 {
		return nil, &engine.NotFoundError{Kind: "rule version", ID: string(id)}
	}
	copied := versions[len(versions)-1]
	return &copied, nil
}

func (s *Store) VersionIDs(_ context.Context, id engine.RuleID) ([]engine.RuleVersionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[id]
	out := make([]engine.RuleVersionID, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, versions[i].ID)
	}
	return out, nil
}

// =============================================================================
// COMMISSION STORE
// =============================================================================

func (s *Store) GetOrCreatePeriod(_ context.Context, service engine.ServiceID, month time.Time, payee engine.UserID) (*engine.CommissionPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, period := range s.periods {
		if period.Service == service && period.Payee == payee && period.Month.Equal(month) {
			copied := period
			return &copied, nil
		}
	}
	now := time.Now()
	period := engine.CommissionPeriod{
		ID:        engine.PeriodID(uuid.NewString()),
		Payee:     payee,
		Service:   service,
		Month:     month,
		Status:    engine.PeriodPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.periods[period.ID] = period
	copied := period
	return &copied, nil
}

func (s *Store) GetPeriod(_ context.Context, id engine.PeriodID) (*engine.CommissionPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	period, ok := s.periods[id]
	if !ok {
		return nil, &engine.NotFoundError{Kind: "commission period", ID: string(id)}
	}
	copied := period
	return &copied, nil
}

func matchesFilter(period engine.CommissionPeriod, filter engine.PeriodFilter) bool {
	if filter.Payee != nil && period.Payee != *filter.Payee {
		return false
	}
	if filter.Service != nil && period.Service != *filter.Service {
		return false
	}
	if filter.Month != nil && !period.Month.Equal(*filter.Month) {
		return false
	}
	if filter.Status != nil && period.Status != *filter.Status {
		return false
	}
	return true
}

func (s *Store) ListPeriods(_ context.Context, filter engine.PeriodFilter) ([]engine.CommissionPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.CommissionPeriod
	for _, period := range s.periods {
		if matchesFilter(period, filter) {
			out = append(out, period)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.After(out[j].Month) })
	return out, nil
}

func (s *Store) ListPeriodAggregates(_ context.Context, filter engine.PeriodFilter) ([]engine.PeriodAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.PeriodAggregate
	for _, period := range s.periods {
		if !matchesFilter(period, filter) {
			continue
		}
		agg := engine.PeriodAggregate{Period: period}
		for _, posting := range s.postings {
			if posting.Period == period.ID {
				agg.Total = agg.Total.Add(posting.Amount)
				agg.Count++
			}
		}
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Month.After(out[j].Period.Month) })
	return out, nil
}

func (s *Store) CASPeriodStatus(_ context.Context, id engine.PeriodID, from, to engine.PeriodStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	period, ok := s.periods[id]
	if !ok {
		return &engine.NotFoundError{Kind: "commission period", ID: string(id)}
	}
	if period.Status != from {
		return &engine.InvalidStateError{
			Subject: "period " + string(id),
			From:    string(period.Status),
			To:      string(to),
			Reason:  "concurrent status change detected",
		}
	}
	period.Status = to
	period.UpdatedAt = time.Now()
	s.periods[id] = period
	return nil
}

func (s *Store) InsertPosting(_ context.Context, posting engine.CommissionPosting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[posting.Key]; exists {
		return engine.ErrDuplicatePosting
	}
	s.postings[posting.ID] = posting
	s.keys[posting.Key] = posting.ID
	return nil
}

func (s *Store) PostingsByPeriod(_ context.Context, id engine.PeriodID) ([]engine.CommissionPosting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.CommissionPosting
	for _, posting := range s.postings {
		if posting.Period == id {
			out = append(out, posting)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PostingsByOrder(_ context.Context, id engine.OrderID) ([]engine.CommissionPosting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.CommissionPosting
	for _, posting := range s.postings {
		if posting.Order == id {
			out = append(out, posting)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeletePendingByVersions(_ context.Context, versions []engine.RuleVersionID, window *engine.Window) ([]engine.OrderID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versionSet := make(map[engine.RuleVersionID]struct{}, len(versions))
	for _, v := range versions {
		versionSet[v] = struct{}{}
	}

	affected := make(map[engine.OrderID]struct{})
	for id, posting := range s.postings {
		if _, match := versionSet[posting.RuleVersion]; !match {
			continue
		}
		period, ok := s.periods[posting.Period]
		if !ok || period.Status != engine.PeriodPending {
			continue
		}
		if window != nil {
			order, ok := s.orders[posting.Order]
			if !ok || !window.Contains(order.CreatedAt) {
				continue
			}
		}
		affected[posting.Order] = struct{}{}
		delete(s.postings, id)
		delete(s.keys, posting.Key)
	}

	out := make([]engine.OrderID, 0, len(affected))
	for id := range affected {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) DeletePendingByOrder(_ context.Context, id engine.OrderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, posting := range s.postings {
		if posting.Order != id {
			continue
		}
		period, ok := s.periods[posting.Period]
		if !ok || period.Status != engine.PeriodPending {
			continue
		}
		delete(s.postings, pid)
		delete(s.keys, posting.Key)
	}
	return nil
}

// =============================================================================
// ORDER STORE
// =============================================================================

func (s *Store) SaveOrder(_ context.Context, order engine.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return nil
}

func (s *Store) GetOrder(_ context.Context, id engine.OrderID) (*engine.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, &engine.NotFoundError{Kind: "order", ID: string(id)}
	}
	copied := order
	return &copied, nil
}

func (s *Store) TrailingStats(_ context.Context, payee engine.UserID, from, to time.Time) (int, engine.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	var total engine.Money
	for _, order := range s.orders {
		if order.Payee != payee || order.Status == engine.OrderCanceled {
			continue
		}
		if order.CreatedAt.Before(from) || order.CreatedAt.After(to) {
			continue
		}
		count++
		total = total.Add(order.Total)
	}
	return count, total, nil
}

// =============================================================================
// PROFILE STORE
// =============================================================================

func (s *Store) SaveProfile(_ context.Context, profile engine.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.profiles {
		if existing.Name == profile.Name {
			s.profiles[i] = profile
			return nil
		}
	}
	s.profiles = append(s.profiles, profile)
	return nil
}

func (s *Store) ListProfiles(_ context.Context) ([]engine.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.Profile, len(s.profiles))
	copy(out, s.profiles)
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

// =============================================================================
// HIERARCHY STORE
// =============================================================================

func (s *Store) SaveGroup(_ context.Context, group hierarchy.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.ID] = group
	return nil
}

func (s *Store) ListGroups(_ context.Context) ([]hierarchy.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hierarchy.Group, 0, len(s.groups))
	for _, group := range s.groups {
		out = append(out, group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveEdge(_ context.Context, edge hierarchy.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.edges[edge.Parent]; exists {
		return &engine.InvalidStateError{
			Subject: "hierarchy edge",
			From:    string(edge.Parent),
			To:      string(edge.Child),
			Reason:  "parent group already has an edge",
		}
	}
	for _, existing := range s.edges {
		if existing.Child == edge.Child {
			return &engine.InvalidStateError{
				Subject: "hierarchy edge",
				From:    string(edge.Parent),
				To:      string(edge.Child),
				Reason:  "child group already has a parent edge",
			}
		}
	}
	s.edges[edge.Parent] = edge
	return nil
}

func (s *Store) DeleteEdge(_ context.Context, parent engine.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.edges[parent]; !ok {
		return &engine.NotFoundError{Kind: "hierarchy edge", ID: string(parent)}
	}
	delete(s.edges, parent)
	return nil
}

func (s *Store) ListEdges(_ context.Context) ([]hierarchy.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hierarchy.Edge, 0, len(s.edges))
	for _, edge := range s.edges {
		out = append(out, edge)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Parent < out[j].Parent })
	return out, nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (s *Store) AddUser(user User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

func (s *Store) AddProduct(sku string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[sku] = true
}

func (s *Store) AddDistrict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.districts[id] = true
}

func (s *Store) AddThana(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thanas[id] = true
}

func (s *Store) ProductExists(_ context.Context, sku string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.products[sku], nil
}

func (s *Store) DistrictExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.districts[id], nil
}

func (s *Store) ThanaExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thanas[id], nil
}

func (s *Store) ProfileByName(_ context.Context, name string) (*engine.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, profile := range s.profiles {
		if profile.Name == name {
			copied := profile
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Store) GroupIDByName(_ context.Context, name string) (engine.GroupID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, group := range s.groups {
		if strings.EqualFold(group.Name, name) {
			return group.ID, nil
		}
	}
	return "", nil
}

func (s *Store) UserExists(_ context.Context, id engine.UserID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[id]
	return ok, nil
}

func (s *Store) UserFacts(_ context.Context, id engine.UserID) (*engine.UserFacts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.UserFactsErr != nil {
		return nil, s.UserFactsErr
	}
	user, ok := s.users[id]
	if !ok {
		return nil, &engine.NotFoundError{Kind: "user", ID: string(id)}
	}

	facts := &engine.UserFacts{
		Groups:    append([]engine.GroupID(nil), user.Groups...),
		Parent:    user.Parent,
		Districts: append([]string(nil), user.Districts...),
		Thanas:    append([]string(nil), user.Thanas...),
	}
	if parent, ok := s.users[user.Parent]; ok {
		facts.ParentGroups = append([]engine.GroupID(nil), parent.Groups...)
		facts.Grandparent = parent.Parent
		if grandparent, ok := s.users[parent.Parent]; ok {
			facts.GrandparentGroups = append([]engine.GroupID(nil), grandparent.Groups...)
		}
	}
	return facts, nil
}
