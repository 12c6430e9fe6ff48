package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/hierarchy"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/recalc"
	"github.com/warp/commission-engine/store/memory"
)

// apiFixture wires the full stack over the in-memory store: the same
// assembly as cmd/server, minus SQLite and the cron sweep.
type apiFixture struct {
	store  *memory.Store
	queue  *recalc.Queue
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := memory.New()
	store.AddProduct("SKU-RED")
	store.AddProduct("SKU-BLUE")
	store.AddDistrict("dhaka")
	store.AddUser(memory.User{ID: "agent-1", Districts: []string{"dhaka"}})

	ledg := ledger.New(store)
	ledg.Now = func() time.Time { return time.Date(2026, 5, 15, 12, 0, 0, 0, time.UTC) }

	evaluator := &engine.Evaluator{
		Rules: store,
		Facts: &engine.FactBuilder{Dir: store},
		Sink:  ledg,
	}
	recalculator := &recalc.Recalculator{
		Rules:  store,
		Orders: store,
		Ledger: ledg,
		Eval:   evaluator,
		Log:    zap.NewNop(),
	}
	queue := recalc.NewQueue(2, recalculator.Handle, zap.NewNop())
	queue.Start()
	t.Cleanup(queue.Stop)
	dispatcher := &recalc.Dispatcher{Queue: queue}

	handler := &api.Handler{
		Rules: &engine.RuleService{
			Store:    store,
			Compiler: &engine.Compiler{Dir: store},
			Recalc:   dispatcher,
		},
		RuleStore: store,
		Ledger:    ledg,
		Orders:    store,
		Profiles:  store,
		Hierarchy: hierarchy.NewService(store),
		Recalc:    dispatcher,
		Log:       zap.NewNop(),
	}

	return &apiFixture{store: store, queue: queue, router: api.NewRouter(handler)}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func ruleRequest(name string) api.RuleRequest {
	return api.RuleRequest{
		Name:     name,
		Type:     "regular",
		Category: "realtime",
		Service:  "svc-electricity",
		Timeline: &api.TimelineDTO{Use: true, StartDate: "2026-01-01", EndDate: "2026-12-31"},
		Target:   &api.TargetDTO{All: true},
		Calculation: &api.CalculationDTO{
			Mode:     "absolute",
			Category: "fixed",
			Fixed:    &api.FixedDTO{Commission: decPtr("10"), MaxCap: decPtr("50")},
			Tax:      "exclude_vat",
		},
	}
}

func orderRequest(id string, quantity int) api.OrderRequest {
	return api.OrderRequest{
		ID:        id,
		Payee:     "agent-1",
		Service:   "svc-electricity",
		Lines:     []api.OrderLineDTO{{SKU: "SKU-RED", Quantity: quantity, UnitPrice: decPtr("20")}},
		CreatedAt: "2026-03-10T12:00:00Z",
	}
}

// =============================================================================
// RULES
// =============================================================================

func TestRules_Lifecycle(t *testing.T) {
	f := newAPIFixture(t)

	// Create
	rec := f.do(t, http.MethodPost, "/api/rules", ruleRequest("unit commission"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[api.RuleDTO](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Active)
	assert.Equal(t, "fixed", created.CommissionCategory)

	// List
	rec = f.do(t, http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]api.RuleDTO](t, rec)
	require.Len(t, list, 1)

	// Detail carries the latest client definition
	rec = f.do(t, http.MethodGet, "/api/rules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[api.RuleDetailDTO](t, rec)
	assert.NotEmpty(t, detail.Version)
	require.NotNil(t, detail.Definition.Calculation.Fixed)
	assert.Equal(t, "10", detail.Definition.Calculation.Fixed.Commission)

	// Update renames and appends a version
	rec = f.do(t, http.MethodPut, "/api/rules/"+created.ID, ruleRequest("renamed commission"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[api.RuleDTO](t, rec)
	assert.Equal(t, "renamed commission", updated.Name)
	f.queue.Wait()

	rec = f.do(t, http.MethodGet, "/api/rules/"+created.ID, nil)
	detail2 := decode[api.RuleDetailDTO](t, rec)
	assert.NotEqual(t, detail.Version, detail2.Version)

	// Delete, then the rule is gone
	rec = f.do(t, http.MethodDelete, "/api/rules/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRules_ValidationErrorsReturn400(t *testing.T) {
	f := newAPIFixture(t)

	// GIVEN a rule missing its calculation block
	bad := ruleRequest("broken")
	bad.Calculation = nil
	rec := f.do(t, http.MethodPost, "/api/rules", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[api.ErrorResponse](t, rec)
	assert.Contains(t, body.Details, "calculation")
}

func TestRules_DuplicateNameRejected(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/rules", ruleRequest("unit commission"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/rules", ruleRequest("unit commission"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ORDERS AND PERIODS
// =============================================================================

func TestOrders_IntakeEvaluatesInBackground(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/rules", ruleRequest("unit commission"))
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN an 8-unit order is accepted
	rec = f.do(t, http.MethodPost, "/api/orders", orderRequest("order-1", 8))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	f.queue.Wait()

	// THEN a pending March period holds the capped, tax-adjusted posting
	rec = f.do(t, http.MethodGet, "/api/commissions/periods?payee=agent-1&month=2026-03", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	periods := decode[[]api.PeriodDTO](t, rec)
	require.Len(t, periods, 1)
	assert.Equal(t, "pending", periods[0].Status)
	assert.Equal(t, "2026-03", periods[0].Month)

	rec = f.do(t, http.MethodGet, "/api/commissions/periods/"+periods[0].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[api.PeriodDetailDTO](t, rec)
	assert.Equal(t, 1, detail.Count)
	assert.Equal(t, "57.5", detail.Total)

	rec = f.do(t, http.MethodGet, "/api/commissions/periods/"+periods[0].ID+"/postings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	postings := decode[[]api.PostingDTO](t, rec)
	require.Len(t, postings, 1)
	assert.Equal(t, "order-1", postings[0].Order)
}

func TestOrders_MissingFieldsRejected(t *testing.T) {
	f := newAPIFixture(t)

	missingPayee := orderRequest("order-1", 2)
	missingPayee.Payee = ""
	rec := f.do(t, http.MethodPost, "/api/orders", missingPayee)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	noPrice := orderRequest("order-2", 2)
	noPrice.Lines[0].UnitPrice = nil
	rec = f.do(t, http.MethodPost, "/api/orders", noPrice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrders_CancelPurgesPendingPostings(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/rules", ruleRequest("unit commission"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/orders", orderRequest("order-1", 2))
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.queue.Wait()

	rec = f.do(t, http.MethodGet, "/api/commissions/periods", nil)
	periods := decode[[]api.PeriodDTO](t, rec)
	require.Len(t, periods, 1)

	// WHEN the order is canceled
	rec = f.do(t, http.MethodPost, "/api/orders/order-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	f.queue.Wait()

	// THEN its pending postings are gone
	rec = f.do(t, http.MethodGet, "/api/commissions/periods/"+periods[0].ID+"/postings", nil)
	postings := decode[[]api.PostingDTO](t, rec)
	assert.Empty(t, postings)

	// Canceling again conflicts
	rec = f.do(t, http.MethodPost, "/api/orders/order-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPeriods_StatusAdvance(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/rules", ruleRequest("unit commission"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/orders", orderRequest("order-1", 2))
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.queue.Wait()

	rec = f.do(t, http.MethodGet, "/api/commissions/periods", nil)
	periods := decode[[]api.PeriodDTO](t, rec)
	require.Len(t, periods, 1)
	statusPath := "/api/commissions/periods/" + periods[0].ID + "/status"

	// pending -> confirmed
	rec = f.do(t, http.MethodPost, statusPath, api.AdvanceStatusRequest{Status: "confirmed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "confirmed", decode[api.PeriodDTO](t, rec).Status)

	// Skipping or reversing conflicts
	rec = f.do(t, http.MethodPost, statusPath, api.AdvanceStatusRequest{Status: "pending"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// confirmed -> done
	rec = f.do(t, http.MethodPost, statusPath, api.AdvanceStatusRequest{Status: "done"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, statusPath, api.AdvanceStatusRequest{Status: "done"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPeriods_BadMonthFilter(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/commissions/periods?month=March", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// PROFILES
// =============================================================================

func TestProfiles_CreateAndList(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/profiles", api.ProfileRequest{
		Name:         "gold",
		TotalOrders:  5,
		TotalAmount:  decPtr("1000"),
		Priority:     2,
		PeriodMonths: 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/profiles", api.ProfileRequest{
		Name:         "silver",
		TotalOrders:  1,
		TotalAmount:  decPtr("100"),
		Priority:     1,
		PeriodMonths: 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/profiles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	profiles := decode[[]api.ProfileDTO](t, rec)
	require.Len(t, profiles, 2)
	// Highest priority first
	assert.Equal(t, "gold", profiles[0].Name)
}

func TestProfiles_Validation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/profiles", api.ProfileRequest{
		Name: "", TotalAmount: decPtr("100"), PeriodMonths: 3,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// HIERARCHY
// =============================================================================

func TestHierarchy_GroupsEdgesAndTraversal(t *testing.T) {
	f := newAPIFixture(t)

	for _, name := range []string{"national", "region", "territory"} {
		rec := f.do(t, http.MethodPost, "/api/hierarchy/groups", api.CreateGroupRequest{ID: name, Name: name})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := f.do(t, http.MethodPost, "/api/hierarchy/edges", api.CreateEdgeRequest{Parent: "national", Child: "region"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/hierarchy/edges", api.CreateEdgeRequest{Parent: "region", Child: "territory", Transactional: true})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Full graph
	rec = f.do(t, http.MethodGet, "/api/hierarchy/groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	graph := decode[api.HierarchyDTO](t, rec)
	assert.Len(t, graph.Groups, 3)
	assert.Len(t, graph.Edges, 2)

	// Traversals
	rec = f.do(t, http.MethodGet, "/api/hierarchy/groups/national/descendants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	descendants := decode[api.TraversalDTO](t, rec)
	assert.ElementsMatch(t, []string{"region", "territory"}, descendants.Members)

	rec = f.do(t, http.MethodGet, "/api/hierarchy/groups/territory/ancestors?boundary=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ancestors := decode[api.TraversalDTO](t, rec)
	assert.ElementsMatch(t, []string{"region"}, ancestors.Members)

	// Unknown group
	rec = f.do(t, http.MethodGet, "/api/hierarchy/groups/ghost/descendants", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A second edge off the same parent conflicts
	rec = f.do(t, http.MethodPost, "/api/hierarchy/edges", api.CreateEdgeRequest{Parent: "national", Child: "territory"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Removing the edge detaches the subtree
	rec = f.do(t, http.MethodDelete, "/api/hierarchy/edges/national", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/hierarchy/groups/national/descendants", nil)
	descendants = decode[api.TraversalDTO](t, rec)
	assert.Empty(t, descendants.Members)
}
