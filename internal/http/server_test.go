package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"economat/internal/audit"
	"economat/internal/bulk"
	"economat/internal/capital"
	"economat/internal/core"
	"economat/internal/expense"
	"economat/internal/injection"
	"economat/internal/ledger"
	"economat/internal/ledger/ledgertest"
	"economat/internal/storage"
)

type harness struct {
	ledger  *ledgertest.Server
	journal *storage.Journal
	api     *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	led := ledgertest.New(t)
	client := led.Client(t)
	journal, err := storage.NewJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	var rec audit.Recorder = journal
	s := NewServer(cfg, Deps{
		Capital:   capital.NewService(client, nil),
		Expenses:  expense.NewService(client, rec, nil),
		Bulk:      bulk.NewCoordinator(client, rec, nil, bulk.Config{}),
		Injection: injection.NewGateway(client, rec, nil),
		Ledger:    client,
		Journal:   journal,
	}, nil)
	api := httptest.NewServer(s.Handler)
	t.Cleanup(api.Close)
	return &harness{ledger: led, journal: journal, api: api}
}

func (h *harness) do(t *testing.T, method, path string, actor core.Actor, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.api.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor.UserID != "" {
		req.Header.Set(HeaderUserID, actor.UserID)
		req.Header.Set(HeaderRole, string(actor.Role))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

var (
	director = core.Actor{UserID: "dir-1", Role: core.RoleDirector}
	staff    = core.Actor{UserID: "staff-1", Role: core.RoleStaff}
)

func TestServer_Health(t *testing.T) {
	h := newHarness(t, Config{})

	resp, body := h.do(t, http.MethodGet, "/healthz", core.Actor{}, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestServer_HealthDegraded(t *testing.T) {
	h := newHarness(t, Config{})
	h.ledger.Fail(ledgertest.RouteHealth, http.StatusInternalServerError)

	resp, body := h.do(t, http.MethodGet, "/healthz", core.Actor{}, nil)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}

func TestServer_Dashboard(t *testing.T) {
	h := newHarness(t, Config{})
	h.ledger.AddTransaction(core.Transaction{ID: "t1", Type: core.TypeExpense, Amount: 120_000, Date: time.Now().UTC(), ImpactsCapital: true})

	resp, body := h.do(t, http.MethodGet, "/api/v1/capital/dashboard", director, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, -120_000, body["balance"])
	alerts := body["alerts"].([]any)
	require.NotEmpty(t, alerts)
	first := alerts[0].(map[string]any)
	assert.Equal(t, "CRITICAL", first["severity"])
	assert.Equal(t, "Capital négatif", first["message"])
}

func TestServer_ExpenseLifecycle(t *testing.T) {
	h := newHarness(t, Config{})
	h.ledger.AddCategory(ledger.CategoryRef{ID: "c1", Name: "Fournitures"})

	resp, created := h.do(t, http.MethodPost, "/api/v1/expenses", staff,
		map[string]string{"description": "Craies", "amount": "12000", "category_id": "c1", "date": "2024-03-01"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	assert.Equal(t, "Pending", created["status"])

	resp, view := h.do(t, http.MethodGet, "/api/v1/expenses/"+id, director, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, view["validatable"])

	resp, _ = h.do(t, http.MethodPost, "/api/v1/expenses/"+id+"/validate", staff, map[string]string{"action": "approve"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, validated := h.do(t, http.MethodPost, "/api/v1/expenses/"+id+"/validate", director, map[string]string{"action": "approve", "note": "ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Paid", validated["status"])

	resp, body := h.do(t, http.MethodDelete, "/api/v1/expenses/"+id, director, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(core.ReasonPaidArchived), body["reason"])
}

func TestServer_CreateExpenseValidation(t *testing.T) {
	h := newHarness(t, Config{})

	resp, body := h.do(t, http.MethodPost, "/api/v1/expenses", staff,
		map[string]string{"description": "Craies", "amount": "12.5"})

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "validation", body["code"])
	assert.Zero(t, h.ledger.Hits(ledgertest.RouteExpenseNew))
}

func TestServer_RejectsUnknownFields(t *testing.T) {
	h := newHarness(t, Config{})

	resp, body := h.do(t, http.MethodPost, "/api/v1/expenses", staff, map[string]string{"montant": "1"})

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	fields := body["fields"].([]any)
	assert.Equal(t, "body", fields[0].(map[string]any)["field"])
}

func TestServer_BulkValidatePartial(t *testing.T) {
	h := newHarness(t, Config{})
	for _, id := range []string{"a", "b", "c"} {
		h.ledger.AddExpense(core.Expense{ID: id, Description: "Achat " + id, Amount: 1000, Status: core.StatusPending})
	}
	h.ledger.AddExpense(core.Expense{ID: "d", Description: "Achat d", Amount: 1000, Status: core.StatusPaid})
	h.ledger.FailBulkItem("c", "budget clos")

	resp, body := h.do(t, http.MethodPost, "/api/v1/expenses/bulk-validate", director,
		map[string]any{"ids": []string{"a", "b", "c", "d"}, "action": "approve"})

	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	assert.Len(t, body["succeeded"], 2)
	assert.Len(t, body["failed"], 1)
	assert.Len(t, body["skipped"], 1)
	assert.Equal(t, true, body["partial"])

	decisions, err := h.journal.List(context.Background(), storage.Filter{Action: audit.ActionApprove})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Len(t, decisions[0].Succeeded, 2)
}

func TestServer_BulkValidateAllRefused(t *testing.T) {
	h := newHarness(t, Config{})
	for _, id := range []string{"a", "b"} {
		h.ledger.AddExpense(core.Expense{ID: id, Description: "Achat " + id, Amount: 1000, Status: core.StatusPending})
		h.ledger.FailBulkItem(id, "budget clos")
	}

	resp, body := h.do(t, http.MethodPost, "/api/v1/expenses/bulk-validate", director,
		map[string]any{"ids": []string{"a", "b"}, "action": "approve"})

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "batch_failed", body["code"])
	assert.Equal(t, "budget clos", body["reason"])
	assert.Len(t, body["items"], 2)
}

func TestServer_BulkValidateUnknownAction(t *testing.T) {
	h := newHarness(t, Config{})

	resp, _ := h.do(t, http.MethodPost, "/api/v1/expenses/bulk-validate", director,
		map[string]any{"ids": []string{"a"}, "action": "archive"})

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestServer_InjectAndJournal(t *testing.T) {
	h := newHarness(t, Config{})

	resp, tx := h.do(t, http.MethodPost, "/api/v1/transactions/manual", director,
		map[string]any{"type": "EXPENSE", "amount": "50000", "description": "Achat fournitures"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, tx["impacts_capital"])
	assert.Equal(t, true, tx["manual"])

	resp, _ = h.do(t, http.MethodPost, "/api/v1/transactions/manual", director,
		map[string]any{"type": "EXPENSE", "amount": "0", "description": "Achat fournitures"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, 1, h.ledger.Hits(ledgertest.RouteInject))

	resp, list := h.do(t, http.MethodGet, "/api/v1/decisions?action=inject", director, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["items"], 1)

	resp, _ = h.do(t, http.MethodGet, "/api/v1/decisions", staff, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_OfflineLedger(t *testing.T) {
	h := newHarness(t, Config{})
	h.ledger.Fail(ledgertest.RouteTransactions, 0, 0, 0)

	resp, body := h.do(t, http.MethodGet, "/api/v1/capital/dashboard", director, nil)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "offline", body["code"])
}

func TestServer_RateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 2})

	var last int
	for i := 0; i < 3; i++ {
		resp, _ := h.do(t, http.MethodGet, "/api/v1/expenses", staff, nil)
		last = resp.StatusCode
	}

	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestServer_ListExpensesBadStatus(t *testing.T) {
	h := newHarness(t, Config{})

	resp, body := h.do(t, http.MethodGet, "/api/v1/expenses?status=archived", staff, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.True(t, strings.Contains(body["fields"].([]any)[0].(map[string]any)["field"].(string), "status"))
}
