/*
handlers.go - HTTP API handlers for the commission rule engine

PURPOSE:
  Exposes the rule engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Rules:
    POST   /api/rules                    Create rule (compile + first version)
    GET    /api/rules                    List live rules
    GET    /api/rules/{id}               Rule header + latest client definition
    PUT    /api/rules/{id}               Update rule (new version + recalculation)
    DELETE /api/rules/{id}?cascade=bool  Soft delete (+ optional purge)

  Commissions:
    GET    /api/commissions/periods                 List periods (filters)
    GET    /api/commissions/aggregates              Grouped totals view
    GET    /api/commissions/periods/{id}            Period + total
    GET    /api/commissions/periods/{id}/postings   Period postings
    POST   /api/commissions/periods/{id}/status     Advance status

  Orders:
    POST   /api/orders               Register order + enqueue evaluation
    POST   /api/orders/{id}/cancel   Cancel + purge pending postings

  Profiles:
    GET    /api/profiles             Classification profile table
    POST   /api/profiles             Create/replace a profile

  Hierarchy:
    GET    /api/hierarchy/groups                         Full graph
    POST   /api/hierarchy/groups                         Create group
    POST   /api/hierarchy/edges                          Create edge
    DELETE /api/hierarchy/edges/{parent}                 Delete edge
    GET    /api/hierarchy/groups/{id}/descendants        Traversal
    GET    /api/hierarchy/groups/{id}/ancestors          Traversal

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (illegal status transition, duplicates)
  - 503: Upstream reference data unavailable
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/hierarchy"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/recalc"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Rules     *engine.RuleService
	RuleStore engine.RuleStore
	Ledger    *ledger.Ledger
	Orders    engine.OrderStore
	Profiles  engine.ProfileStore
	Hierarchy *hierarchy.Service
	Recalc    *recalc.Dispatcher
	Log       *zap.Logger
}

func (h *Handler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// CreateRule compiles and stores a new rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rule, err := h.Rules.CreateRule(r.Context(), req.toInput())
	if err != nil {
		writeDomainError(w, "Failed to create rule", err)
		return
	}

	writeJSON(w, http.StatusCreated, toRuleDTO(*rule))
}

// ListRules returns all live rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.RuleStore.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}

	dtos := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRule returns the rule header plus the client representation of its
// latest version.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id := engine.RuleID(chi.URLParam(r, "id"))

	rule, err := h.RuleStore.GetRule(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get rule", err)
		return
	}
	if rule.Deleted {
		writeError(w, http.StatusNotFound, "Rule not found", nil)
		return
	}

	version, err := h.RuleStore.LatestVersion(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load rule version", err)
		return
	}

	writeJSON(w, http.StatusOK, RuleDetailDTO{
		RuleDTO:    toRuleDTO(*rule),
		Version:    string(version.ID),
		Definition: toClientRuleDTO(version.Client),
	})
}

// UpdateRule re-compiles the rule and appends a new version.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id := engine.RuleID(chi.URLParam(r, "id"))

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rule, err := h.Rules.UpdateRule(r.Context(), id, req.toInput())
	if err != nil {
		writeDomainError(w, "Failed to update rule", err)
		return
	}

	writeJSON(w, http.StatusOK, toRuleDTO(*rule))
}

// DeleteRule soft-deletes a rule. With ?cascade=true, pending postings
// produced by any of its versions are purged as well.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := engine.RuleID(chi.URLParam(r, "id"))
	cascade := r.URL.Query().Get("cascade") == "true"

	if err := h.Rules.DeleteRule(r.Context(), id, cascade); err != nil {
		writeDomainError(w, "Failed to delete rule", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// COMMISSION HANDLERS
// =============================================================================

func periodFilterFromQuery(r *http.Request) (engine.PeriodFilter, error) {
	var filter engine.PeriodFilter
	q := r.URL.Query()

	if v := q.Get("payee"); v != "" {
		payee := engine.UserID(v)
		filter.Payee = &payee
	}
	if v := q.Get("service"); v != "" {
		service := engine.ServiceID(v)
		filter.Service = &service
	}
	if v := q.Get("status"); v != "" {
		status := engine.PeriodStatus(v)
		filter.Status = &status
	}
	if v := q.Get("month"); v != "" {
		t, err := time.Parse("2006-01", v)
		if err != nil {
			return filter, err
		}
		month := engine.MonthOf(t)
		filter.Month = &month
	}
	return filter, nil
}

// ListPeriods returns commission periods matching query filters.
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	filter, err := periodFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month filter (use YYYY-MM)", err)
		return
	}

	periods, err := h.Ledger.Periods(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list periods", err)
		return
	}

	dtos := make([]PeriodDTO, len(periods))
	for i, period := range periods {
		dtos[i] = toPeriodDTO(period)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListAggregates returns the grouped payee x service x month x status
// totals view.
func (h *Handler) ListAggregates(w http.ResponseWriter, r *http.Request) {
	filter, err := periodFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month filter (use YYYY-MM)", err)
		return
	}

	aggregates, err := h.Ledger.Aggregates(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to aggregate periods", err)
		return
	}

	dtos := make([]PeriodDetailDTO, len(aggregates))
	for i, agg := range aggregates {
		dtos[i] = PeriodDetailDTO{
			PeriodDTO: toPeriodDTO(agg.Period),
			Total:     agg.Total.String(),
			Count:     agg.Count,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPeriod returns one period with its aggregate total.
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	id := engine.PeriodID(chi.URLParam(r, "id"))

	period, err := h.Ledger.Period(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get period", err)
		return
	}

	postings, err := h.Ledger.Postings(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load postings", err)
		return
	}

	var total engine.Money
	for _, posting := range postings {
		total = total.Add(posting.Amount)
	}

	writeJSON(w, http.StatusOK, PeriodDetailDTO{
		PeriodDTO: toPeriodDTO(*period),
		Total:     total.String(),
		Count:     len(postings),
	})
}

// GetPeriodPostings returns the individual postings of a period.
func (h *Handler) GetPeriodPostings(w http.ResponseWriter, r *http.Request) {
	id := engine.PeriodID(chi.URLParam(r, "id"))

	if _, err := h.Ledger.Period(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to get period", err)
		return
	}

	postings, err := h.Ledger.Postings(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load postings", err)
		return
	}

	dtos := make([]PostingDTO, len(postings))
	for i, posting := range postings {
		dtos[i] = toPostingDTO(posting)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AdvancePeriodStatus moves a period to the requested status. Only
// pending->confirmed and confirmed->done are legal, and only for fully
// elapsed months.
func (h *Handler) AdvancePeriodStatus(w http.ResponseWriter, r *http.Request) {
	id := engine.PeriodID(chi.URLParam(r, "id"))

	var req AdvanceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Ledger.AdvanceStatus(r.Context(), id, engine.PeriodStatus(req.Status)); err != nil {
		writeDomainError(w, "Failed to advance period status", err)
		return
	}

	period, err := h.Ledger.Period(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to reload period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(*period))
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// CreateOrder registers an order and enqueues its evaluation against
// all active rules. Evaluation is asynchronous; the response only
// acknowledges intake.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Payee == "" || req.Service == "" {
		writeError(w, http.StatusBadRequest, "id, payee and service are required", nil)
		return
	}

	createdAt := time.Now()
	if req.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, req.CreatedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid created_at (use RFC3339)", err)
			return
		}
		createdAt = t
	}

	order := engine.Order{
		ID:        engine.OrderID(req.ID),
		Payee:     engine.UserID(req.Payee),
		Service:   engine.ServiceID(req.Service),
		Status:    engine.OrderPlaced,
		CreatedAt: createdAt,
	}

	lineSum := decimal.Zero
	for _, line := range req.Lines {
		if line.UnitPrice == nil {
			writeError(w, http.StatusBadRequest, "unit_price is required on every line", nil)
			return
		}
		order.Lines = append(order.Lines, engine.OrderLine{
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			UnitPrice: engine.Money{Value: *line.UnitPrice},
		})
		lineSum = lineSum.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	if req.Total != nil {
		order.Total = engine.Money{Value: *req.Total}
	} else {
		order.Total = engine.Money{Value: lineSum}
	}

	if err := h.Orders.SaveOrder(r.Context(), order); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save order", err)
		return
	}

	h.Recalc.DispatchEvaluateOrder(order.ID)
	h.log().Info("order accepted",
		zap.String("order", string(order.ID)),
		zap.String("payee", string(order.Payee)))
	writeJSON(w, http.StatusAccepted, toOrderDTO(order))
}

// CancelOrder marks an order canceled and enqueues the purge of its
// postings in still-pending periods. Confirmed/done periods keep theirs.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := engine.OrderID(chi.URLParam(r, "id"))

	order, err := h.Orders.GetOrder(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get order", err)
		return
	}
	if order.Status == engine.OrderCanceled {
		writeError(w, http.StatusConflict, "Order already canceled", nil)
		return
	}

	order.Status = engine.OrderCanceled
	if err := h.Orders.SaveOrder(r.Context(), *order); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update order", err)
		return
	}

	h.Recalc.DispatchOrderCanceled(id)
	h.log().Info("order canceled", zap.String("order", string(id)))
	writeJSON(w, http.StatusAccepted, toOrderDTO(*order))
}

// =============================================================================
// PROFILE HANDLERS
// =============================================================================

// ListProfiles returns the classification profile table, highest
// priority first.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.Profiles.ListProfiles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list profiles", err)
		return
	}

	dtos := make([]ProfileDTO, len(profiles))
	for i, profile := range profiles {
		dtos[i] = toProfileDTO(profile)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveProfile creates or replaces a classification profile.
func (h *Handler) SaveProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if req.TotalAmount == nil {
		writeError(w, http.StatusBadRequest, "total_amount is required", nil)
		return
	}
	if req.PeriodMonths <= 0 {
		writeError(w, http.StatusBadRequest, "period_months must be positive", nil)
		return
	}

	profile := engine.Profile{
		Name:         req.Name,
		TotalOrders:  req.TotalOrders,
		TotalAmount:  engine.Money{Value: *req.TotalAmount},
		Priority:     req.Priority,
		PeriodMonths: req.PeriodMonths,
	}
	if err := h.Profiles.SaveProfile(r.Context(), profile); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save profile", err)
		return
	}

	writeJSON(w, http.StatusCreated, toProfileDTO(profile))
}

// =============================================================================
// HIERARCHY HANDLERS
// =============================================================================

// GetHierarchy returns the whole group graph.
func (h *Handler) GetHierarchy(w http.ResponseWriter, r *http.Request) {
	groups, edges, err := h.Hierarchy.Snapshot(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to load hierarchy", err)
		return
	}

	dto := HierarchyDTO{Groups: []GroupDTO{}, Edges: []EdgeDTO{}}
	for _, group := range groups {
		dto.Groups = append(dto.Groups, toGroupDTO(group))
	}
	for _, edge := range edges {
		dto.Edges = append(dto.Edges, toEdgeDTO(edge))
	}
	writeJSON(w, http.StatusOK, dto)
}

// CreateGroup adds a group node.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	group := hierarchy.Group{
		ID:        engine.GroupID(req.ID),
		Name:      req.Name,
		CreatedAt: time.Now(),
	}
	if err := h.Hierarchy.CreateGroup(r.Context(), group); err != nil {
		writeDomainError(w, "Failed to create group", err)
		return
	}

	writeJSON(w, http.StatusCreated, toGroupDTO(group))
}

// CreateEdge adds a parent->child edge, optionally marking a
// transactional boundary.
func (h *Handler) CreateEdge(w http.ResponseWriter, r *http.Request) {
	var req CreateEdgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Parent == "" || req.Child == "" {
		writeError(w, http.StatusBadRequest, "parent and child are required", nil)
		return
	}

	edge := hierarchy.Edge{
		Parent:        engine.GroupID(req.Parent),
		Child:         engine.GroupID(req.Child),
		Transactional: req.Transactional,
		CreatedAt:     time.Now(),
	}
	if err := h.Hierarchy.CreateEdge(r.Context(), edge); err != nil {
		writeDomainError(w, "Failed to create edge", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEdgeDTO(edge))
}

// DeleteEdge removes the edge whose parent is {parent}.
func (h *Handler) DeleteEdge(w http.ResponseWriter, r *http.Request) {
	parent := engine.GroupID(chi.URLParam(r, "parent"))

	if err := h.Hierarchy.DeleteEdge(r.Context(), parent); err != nil {
		writeDomainError(w, "Failed to delete edge", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDescendants returns the descendant set of a group.
// ?boundary=true stops traversal at transactional edges.
func (h *Handler) GetDescendants(w http.ResponseWriter, r *http.Request) {
	h.traverse(w, r, h.Hierarchy.Descendants)
}

// GetAncestors returns the ancestor set of a group.
func (h *Handler) GetAncestors(w http.ResponseWriter, r *http.Request) {
	h.traverse(w, r, h.Hierarchy.Ancestors)
}

func (h *Handler) traverse(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, start engine.GroupID, stopAtBoundary bool) (map[engine.GroupID]struct{}, error)) {

	id := engine.GroupID(chi.URLParam(r, "id"))
	boundary := r.URL.Query().Get("boundary") == "true"

	members, err := fn(r.Context(), id, boundary)
	if err != nil {
		writeDomainError(w, "Failed to traverse hierarchy", err)
		return
	}

	ids := make([]string, 0, len(members))
	for member := range members {
		ids = append(ids, string(member))
	}
	sort.Strings(ids)

	writeJSON(w, http.StatusOK, TraversalDTO{Group: string(id), Members: ids})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine error categories to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, engine.ErrValidation):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, engine.ErrInvalidState), errors.Is(err, engine.ErrDuplicatePosting):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, engine.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
