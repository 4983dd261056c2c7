package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"economat/internal/audit"
	"economat/internal/core"
	"economat/internal/expense"
	"economat/internal/injection"
	"economat/internal/ledger"
	"economat/internal/storage"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Capital.Dashboard(r.Context(), s.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(newDashboardJSON(d)).Write(w)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	f := ledger.ExpenseFilter{
		Page:    queryInt(r, "page", 1),
		PerPage: queryInt(r, "per_page", 50),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, err := core.ParseExpenseStatus(raw)
		if err != nil {
			writeError(w, r, &core.ValidationError{Fields: []core.FieldError{{Field: "status", Message: "statut inconnu"}}})
			return
		}
		f.Status = st
	}

	page, err := s.deps.Expenses.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := s.deps.Expenses.Views(r.Context(), actorFrom(r), page.Items)
	out := expensePageJSON{Items: make([]expenseViewJSON, 0, len(views)), Page: page.Page, LastPage: page.LastPage, Total: page.Total}
	for _, v := range views {
		out.Items = append(out.Items, newExpenseViewJSON(v))
	}
	NewJSONResponse().Body(out).Write(w)
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Expenses.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := s.deps.Expenses.Views(r.Context(), actorFrom(r), []ledger.ExpenseRecord{rec})
	NewJSONResponse().Body(newExpenseViewJSON(views[0])).Write(w)
}

func draftFrom(req expenseRequest) (expense.Draft, error) {
	verr := &core.ValidationError{}
	d := expense.Draft{
		Description: sanitizeInput(req.Description),
		Amount:      parseAmount(req.Amount, verr),
		CategoryID:  sanitizeInput(req.CategoryID),
		Date:        parseDateField(req.Date, verr),
		Supplier:    sanitizeInput(req.Supplier),
	}
	return d, verr.OrNil()
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := draftFrom(req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.deps.Expenses.Create(r.Context(), actorFrom(r), d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(newExpenseJSON(e)).Write(w)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := draftFrom(req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.deps.Expenses.Update(r.Context(), actorFrom(r), chi.URLParam(r, "id"), d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(newExpenseJSON(e)).Write(w)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Expenses.Delete(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleValidateExpense(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	action, err := parseAction(req.Action)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.deps.Expenses.Validate(r.Context(), actorFrom(r), chi.URLParam(r, "id"), action, sanitizeInput(req.Note))
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(newExpenseJSON(e)).Write(w)
}

// bulkStatus is 207 when some items succeeded and some failed.
func bulkStatus(partial bool) int {
	if partial {
		return http.StatusMultiStatus
	}
	return http.StatusOK
}

func (s *Server) handleBulkValidate(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	action, err := parseAction(req.Action)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Bulk.Validate(r.Context(), actorFrom(r), req.IDs, action, sanitizeInput(req.Note))
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := newBulkResultJSON(res)
	NewJSONResponse().Status(bulkStatus(body.Partial)).Body(body).Write(w)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Bulk.Delete(r.Context(), actorFrom(r), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := newBulkResultJSON(res)
	NewJSONResponse().Status(bulkStatus(body.Partial)).Body(body).Write(w)
}

func injectionFrom(req injectionRequest, idempotencyKey string) (injection.Request, error) {
	verr := &core.ValidationError{}
	out := injection.Request{
		Type:           sanitizeInput(req.Type),
		Amount:         parseAmount(req.Amount, verr),
		Description:    sanitizeInput(req.Description),
		Category:       sanitizeInput(req.Category),
		Entity:         sanitizeInput(req.Entity),
		PaymentMethod:  sanitizeInput(req.PaymentMethod),
		Date:           parseDateField(req.Date, verr),
		ImpactsCapital: req.ImpactsCapital,
		IdempotencyKey: idempotencyKey,
	}
	return out, verr.OrNil()
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := injectionFrom(req, sanitizeInput(r.Header.Get("Idempotency-Key")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := s.deps.Injection.Inject(r.Context(), actorFrom(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(newTransactionJSON(tx)).Write(w)
}

func (s *Server) handleUpdateInjection(w http.ResponseWriter, r *http.Request) {
	var req injectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := injectionFrom(req, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := s.deps.Injection.Update(r.Context(), actorFrom(r), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(newTransactionJSON(tx)).Write(w)
}

func (s *Server) handleDeleteInjection(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Injection.Delete(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r).Role.Privileged() {
		writeError(w, r, &core.PermissionError{Action: "read journal", Role: actorFrom(r).Role})
		return
	}
	q := r.URL.Query()
	f := storage.Filter{
		Action:  audit.Action(strings.ToUpper(sanitizeInput(q.Get("action")))),
		ActorID: sanitizeInput(q.Get("actor")),
		ItemID:  sanitizeInput(q.Get("item")),
		Limit:   queryInt(r, "limit", storage.DefaultListLimit),
	}
	if raw := sanitizeInput(q.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, &core.ValidationError{Fields: []core.FieldError{{Field: "since", Message: "horodatage RFC 3339 attendu"}}})
			return
		}
		f.Since = since
	}

	decisions, err := s.deps.Journal.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]decisionJSON, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, newDecisionJSON(d))
	}
	NewJSONResponse().Body(map[string]any{"items": out}).Write(w)
}
