// Package ledgertest provides an in-memory ledger service for tests. It speaks
// the same envelope and routes as the real backend, records idempotency keys
// and can inject faults per route.
package ledgertest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"economat/internal/core"
	"economat/internal/ledger"
)

// Token is the credential the fake server accepts.
const Token = "test-token"

type fault struct {
	status     int
	afterApply bool
}

type hold struct {
	held    chan struct{}
	release chan struct{}
}

// Server is a fake ledger backed by httptest.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	transactions []core.Transaction
	expenses     map[string]core.Expense
	categories   []ledger.CategoryRef
	users        []ledger.UserRef
	enrich       bool
	replies      map[string][]byte
	keys         map[string][]string
	hits         map[string]int
	faults       map[string][]fault
	bulkFailures map[string]string
	holds        map[string]*hold
	nextID       int
}

// New starts a fake ledger and registers its shutdown with t.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		expenses:     make(map[string]core.Expense),
		replies:      make(map[string][]byte),
		keys:         make(map[string][]string),
		hits:         make(map[string]int),
		faults:       make(map[string][]fault),
		bulkFailures: make(map[string]string),
		holds:        make(map[string]*hold),
		enrich:       true,
		nextID:       1000,
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Server.Close)
	return s
}

// Client returns a ledger client pointed at the server with retries that
// never sleep. Extra options are applied last.
func (s *Server) Client(t testing.TB, opts ...ledger.Option) *ledger.Client {
	t.Helper()
	base := []ledger.Option{
		ledger.WithTokenSource(ledger.StaticToken(Token)),
		ledger.WithSleep(func(context.Context, time.Duration) error { return nil }),
	}
	c, err := ledger.New(ledger.DefaultConfig(s.URL), append(base, opts...)...)
	if err != nil {
		t.Fatalf("ledgertest: %v", err)
	}
	return c
}

// Route names are "<METHOD> <chi pattern>", e.g. "POST /finances/transactions/manual".
const (
	RouteDashboard    = "GET /finances/dashboard"
	RouteBalance      = "GET /finances/capital/balance"
	RouteTransactions = "GET /finances/transactions"
	RouteInject       = "POST /finances/transactions/manual"
	RouteManualGet    = "GET /finances/transactions/manual/{id}"
	RouteManualUpdate = "PUT /finances/transactions/manual/{id}"
	RouteManualDelete = "DELETE /finances/transactions/manual/{id}"
	RouteBulkValidate = "POST /finances/expenses/bulk-validate"
	RouteExpenses     = "GET /finances/expenses"
	RouteExpenseGet   = "GET /finances/expenses/{id}"
	RouteExpenseNew   = "POST /finances/expenses"
	RouteExpenseEdit  = "PUT /finances/expenses/{id}"
	RouteExpenseDel   = "DELETE /finances/expenses/{id}"
	RouteCategories   = "GET /finances/expense-categories"
	RouteUsers        = "GET /users"
	RouteHealth       = "GET /health"
)

// Fail queues statuses returned, in order, by the next requests on route
// before any state change. Status 0 drops the connection.
func (s *Server) Fail(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range statuses {
		s.faults[route] = append(s.faults[route], fault{status: st})
	}
}

// FailAfterApply makes the next request on route apply its change and then
// answer with status, as if the response was lost on the way back.
func (s *Server) FailAfterApply(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = append(s.faults[route], fault{status: status, afterApply: true})
}

// Hold makes the next request on route compute its answer and then wait for
// release before writing it. held is closed once the answer is computed.
func (s *Server) Hold(route string) (held <-chan struct{}, release func()) {
	h := &hold{held: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.holds[route] = h
	s.mu.Unlock()
	var once sync.Once
	return h.held, func() { once.Do(func() { close(h.release) }) }
}

// Hits counts requests that reached route, faults included.
func (s *Server) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// IdempotencyKeys lists the keys seen on route, in arrival order.
func (s *Server) IdempotencyKeys(route string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys[route]...)
}

// SetEnrich controls whether expenses carry lookup objects.
func (s *Server) SetEnrich(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrich = on
}

// FailBulkItem makes the bulk endpoint report id as failed with reason.
func (s *Server) FailBulkItem(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkFailures[id] = reason
}

func (s *Server) AddTransaction(tx core.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID == "" {
		tx.ID = s.newID()
	}
	s.transactions = append(s.transactions, tx)
}

func (s *Server) AddExpense(e core.Expense) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = s.newID()
	}
	s.expenses[e.ID] = e
}

func (s *Server) AddCategory(c ledger.CategoryRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories = append(s.categories, c)
}

func (s *Server) AddUser(u ledger.UserRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, u)
}

// Transactions returns a copy of the stored transactions.
func (s *Server) Transactions() []core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Transaction(nil), s.transactions...)
}

// Expense returns the stored expense.
func (s *Server) Expense(id string) (core.Expense, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.expenses[id]
	return e, ok
}

func (s *Server) newID() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

type handler func(r *http.Request) (int, any, map[string][]string)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.wrap(RouteHealth, true, s.health))
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/finances/dashboard", s.wrap(RouteDashboard, false, s.dashboard))
		r.Get("/finances/capital/balance", s.wrap(RouteBalance, false, s.balance))
		r.Get("/finances/transactions", s.wrap(RouteTransactions, false, s.listTransactions))
		r.Post("/finances/transactions/manual", s.wrap(RouteInject, false, s.inject))
		r.Get("/finances/transactions/manual/{id}", s.wrap(RouteManualGet, false, s.getManual))
		r.Put("/finances/transactions/manual/{id}", s.wrap(RouteManualUpdate, false, s.updateManual))
		r.Delete("/finances/transactions/manual/{id}", s.wrap(RouteManualDelete, false, s.deleteManual))
		r.Post("/finances/expenses/bulk-validate", s.wrap(RouteBulkValidate, false, s.bulkValidate))
		r.Get("/finances/expenses", s.wrap(RouteExpenses, false, s.listExpenses))
		r.Get("/finances/expenses/{id}", s.wrap(RouteExpenseGet, false, s.getExpense))
		r.Post("/finances/expenses", s.wrap(RouteExpenseNew, false, s.createExpense))
		r.Put("/finances/expenses/{id}", s.wrap(RouteExpenseEdit, false, s.updateExpense))
		r.Delete("/finances/expenses/{id}", s.wrap(RouteExpenseDel, false, s.deleteExpense))
		r.Get("/finances/expense-categories", s.wrap(RouteCategories, false, s.listCategories))
		r.Get("/users", s.wrap(RouteUsers, false, s.listUsers))
	})
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+Token {
			writeEnvelope(w, http.StatusUnauthorized, false, nil, "Token invalide", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) wrap(route string, anonymous bool, h handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[route]++
		key := r.Header.Get("Idempotency-Key")
		if key != "" {
			s.keys[route] = append(s.keys[route], key)
		}
		var f *fault
		if q := s.faults[route]; len(q) > 0 {
			f = &q[0]
			s.faults[route] = q[1:]
		}
		hd := s.holds[route]
		delete(s.holds, route)
		if key != "" {
			if reply, ok := s.replies[route+"|"+key]; ok && (f == nil || f.afterApply) {
				s.mu.Unlock()
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(reply)
				return
			}
		}
		s.mu.Unlock()

		if f != nil && !f.afterApply {
			writeFault(w, f.status)
			return
		}

		status, data, fieldErrors := h(r)
		body := envelopeBytes(status < 300, data, http.StatusText(status), fieldErrors)
		if hd != nil {
			close(hd.held)
			<-hd.release
		}
		if key != "" && status < 300 {
			s.mu.Lock()
			s.replies[route+"|"+key] = body
			s.mu.Unlock()
		}
		if f != nil {
			writeFault(w, f.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}
}

func writeFault(w http.ResponseWriter, status int) {
	if status == 0 {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		status = http.StatusBadGateway
	}
	writeEnvelope(w, status, false, nil, http.StatusText(status), nil)
}

func envelopeBytes(success bool, data any, message string, fieldErrors map[string][]string) []byte {
	payload := map[string]any{"success": success, "data": data, "message": message}
	if len(fieldErrors) > 0 {
		payload["errors"] = fieldErrors
	}
	b, _ := json.Marshal(payload)
	return b
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, data any, message string, fieldErrors map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(envelopeBytes(success, data, message, fieldErrors))
}

func (s *Server) health(*http.Request) (int, any, map[string][]string) {
	return http.StatusOK, map[string]string{"status": "ok"}, nil
}

func (s *Server) totals(now time.Time) (balance, income, expenses, flow core.Money) {
	for _, tx := range s.transactions {
		if !tx.ImpactsCapital {
			continue
		}
		balance += tx.Signed()
		if tx.Type == core.TypeIncome {
			income += tx.Amount
		} else {
			expenses += tx.Amount
		}
		if tx.Date.Year() == now.Year() && tx.Date.Month() == now.Month() {
			flow += tx.Signed()
		}
	}
	return
}

func (s *Server) dashboard(*http.Request) (int, any, map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	balance, income, expenses, flow := s.totals(now)
	pending := 0
	for _, e := range s.expenses {
		if e.Status == core.StatusPending {
			pending++
		}
	}
	return http.StatusOK, map[string]any{
		"balance":          balance.String(),
		"total_income":     income.String(),
		"total_expenses":   expenses.String(),
		"monthly_flow":     flow.String(),
		"pending_expenses": pending,
		"generated_at":     now.Format(time.RFC3339),
	}, nil
}

func (s *Server) balance(*http.Request) (int, any, map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	balance, _, _, _ := s.totals(now)
	return http.StatusOK, map[string]any{"balance": balance.String(), "as_of": now.Format(time.RFC3339)}, nil
}

func txJSON(tx core.Transaction) map[string]any {
	return map[string]any{
		"id":               tx.ID,
		"type":             string(tx.Type),
		"amount":           int64(tx.Amount),
		"category":         tx.Category,
		"counterparty":     tx.Counterparty,
		"transaction_date": tx.Date.Format("2006-01-02"),
		"recorded_at":      tx.RecordedAt.Format(time.RFC3339),
		"payment_method":   tx.PaymentMethod,
		"description":      tx.Note,
		"impacts_capital":  tx.ImpactsCapital,
		"is_manual":        tx.Manual,
	}
}

func paginate[T any](r *http.Request, items []T) map[string]any {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	last := (len(items) + perPage - 1) / perPage
	if last < 1 {
		last = 1
	}
	start := (page - 1) * perPage
	if start > len(items) {
		start = len(items)
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return map[string]any{"items": items[start:end], "page": page, "last_page": last, "total": len(items)}
}

func (s *Server) listTransactions(r *http.Request) (int, any, map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	typ := r.URL.Query().Get("type")
	items := make([]map[string]any, 0, len(s.transactions))
	for _, tx := range s.transactions {
		if typ != "" && string(tx.Type) != typ {
			continue
		}
		items = append(items, txJSON(tx))
	}
	return http.StatusOK, paginate(r, items), nil
}

type txBody struct {
	Type           string        `json:"type"`
	Amount         ledger.Amount `json:"amount"`
	Description    string        `json:"description"`
	Category       string        `json:"category"`
	Counterparty   string        `json:"counterparty"`
	Date           string        `json:"transaction_date"`
	PaymentMethod  string        `json:"payment_method"`
	ImpactsCapital bool          `json:"impacts_capital"`
}

func (b txBody) apply(tx *core.Transaction) map[string][]string {
	typ, err := core.ParseTransactionType(b.Type)
	if err != nil {
		return map[string][]string{"type": {"type inconnu"}}
	}
	if b.Amount <= 0 {
		return map[string][]string{"amount": {"montant invalide"}}
	}
	tx.Type = typ
	tx.Amount = core.Money(b.Amount)
	tx.Note = b.Description
	tx.Category = b.Category
	tx.Counterparty = b.Counterparty
	tx.PaymentMethod = b.PaymentMethod
	tx.ImpactsCapital = b.ImpactsCapital
	tx.Date = time.Now().UTC()
	if d, err := time.Parse("2006-01-02", b.Date); err == nil {
		tx.Date = d
	}
	return nil
}

func (s *Server) inject(r *http.Request) (int, any, map[string][]string) {
	var body txBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return http.StatusBadRequest, nil, map[string][]string{"body": {err.Error()}}
	}
	tx := core.Transaction{Manual: true, RecordedAt: time.Now().UTC()}
	if errs := body.apply(&tx); errs != nil {
		return http.StatusUnprocessableEntity, nil, errs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.ID = s.newID()
	s.transactions = append(s.transactions, tx)
	return http.StatusCreated, txJSON(tx), nil
}

func (s *Server) manualIndex(id string) int {
	for i, tx := range s.transactions {
		if tx.ID == id && tx.Manual {
			return i
		}
	}
	return -1
}

func (s *Server) getManual(r *http.Request) (int, any, map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.manualIndex(chi.URLParam(r, "id"))
	if i < 0 {
		return http.StatusNotFound, nil, nil
	}
	return http.StatusOK, txJSON(s.transactions[i]), nil
}

func (s *Server) updateManual(r *http.Request) (int, any, map[string][]string) {
	var body txBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return http.StatusBadRequest, nil, map[string][]string{"body": {err.Error()}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.manualIndex(chi.URLParam(r, "id"))
	if i < 0 {
		return http.StatusNotFound, nil, nil
	}
	tx := s.transactions[i]
	if errs := body.apply(&tx); errs != nil {
		return http.StatusUnprocessableEntity, nil, errs
	}
	s.transactions[i] = tx
	return http.StatusOK, txJSON(tx), nil
}

func (s *Server) deleteManual(r *http.Request) (int, any, map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.manualIndex(chi.URLParam(r, "id"))
	if i < 0 {
		return http.StatusNotFound, nil, nil
	}
	s.transactions = append(s.transactions[:i], s.transactions[i+1:]...)
	return http.StatusOK, nil, nil
}

func (s *Server) expenseJSON(e core.Expense) map[string]any {
	out := map[string]any{
		"id":              e.ID,
		"description":     e.Description,
		"amount":          e.Amount.String(),
		"category_id":     e.CategoryID,
		"responsible_id":  e.ResponsibleID,
		"status":          string(e.Status),
		"expense_date":    e.Date.Format("2006-01-02"),
		"supplier":        e.Supplier,
		"validation_note": e.ValidationNote,
		"validator_id":    e.ValidatorID,
	}
	if !s.enrich {
		return out
	}
	for _, c := range s.categories {
		if c.ID == e.CategoryID {
			out["category"] = map[string]any{"id": c.ID, "name": c.Name, "color": c.Color, "icon": c.Icon}
		}
	}
	for _, u := range s.users {
		if u.ID == e.ResponsibleID {
			out["responsible"] = map[string]any{"id": u.ID, "name": u.Name, "role": string(u.Role)}
		}
	}
	out["status_info"] = map[string]any{"code": string(e.Status), "label": string(e.Status), "color": "#1976d2"}
	return out
}

func (s *Server) listExpenses(r *http.Request) (int, any, map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := r.URL.Query().Get("status")
	ids := make([]string, 0, len(s.expenses))
	for id := range s.expenses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		e := s.expenses[id]
		if status != "" && !strings.EqualFold(string(e.Status), status) {
			continue
		}
		items = append(items, s.expenseJSON(e))
	}
	return http.StatusOK, paginate(r, items), nil
}

func (s *Server) getExpense(r *http.Request) (int, any, map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.expenses[chi.URLParam(r, "id")]
	if !ok {
		return http.StatusNotFound, nil, nil
	}
	return http.StatusOK, s.expenseJSON(e), nil
}

type expenseBody struct {
	Description    string        `json:"description"`
	Amount         ledger.Amount `json:"amount"`
	CategoryID     string        `json:"category_id"`
	ResponsibleID  string        `json:"responsible_id"`
	Status         string        `json:"status"`
	Date           string        `json:"expense_date"`
	Supplier       string        `json:"supplier"`
	ValidationNote string        `json:"validation_note"`
	ValidatorID    string        `json:"validator_id"`
}

func (b expenseBody) apply(e *core.Expense) {
	e.Description = b.Description
	e.Amount = core.Money(b.Amount)
	e.CategoryID = b.CategoryID
	e.ResponsibleID = b.ResponsibleID
	e.Supplier = b.Supplier
	e.ValidationNote = b.ValidationNote
	e.ValidatorID = b.ValidatorID
	if st, err := core.ParseExpenseStatus(b.Status); err == nil {
		e.Status = st
	}
	if d, err := time.Parse("2006-01-02", b.Date); err == nil {
		e.Date = d
	}
}

func (s *Server) createExpense(r *http.Request) (int, any, map[string][]string) {
	var body expenseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return http.StatusBadRequest, nil, map[string][]string{"body": {err.Error()}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := core.Expense{Status: core.StatusPending}
	body.apply(&e)
	e.ID = s.newID()
	s.expenses[e.ID] = e
	return http.StatusCreated, s.expenseJSON(e), nil
}

func (s *Server) updateExpense(r *http.Request) (int, any, map[string][]string) {
	var body expenseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return http.StatusBadRequest, nil, map[string][]string{"body": {err.Error()}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	e, ok := s.expenses[id]
	if !ok {
		return http.StatusNotFound, nil, nil
	}
	body.apply(&e)
	s.expenses[id] = e
	return http.StatusOK, s.expenseJSON(e), nil
}

func (s *Server) deleteExpense(r *http.Request) (int, any, map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	if _, ok := s.expenses[id]; !ok {
		return http.StatusNotFound, nil, nil
	}
	delete(s.expenses, id)
	return http.StatusOK, nil, nil
}

func (s *Server) bulkValidate(r *http.Request) (int, any, map[string][]string) {
	var body struct {
		IDs         []string `json:"expense_ids"`
		Action      string   `json:"action"`
		Note        string   `json:"validation_note"`
		ValidatorID string   `json:"validator_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return http.StatusBadRequest, nil, map[string][]string{"body": {err.Error()}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	succeeded := []string{}
	failed := []map[string]string{}
	for _, id := range body.IDs {
		if reason, ok := s.bulkFailures[id]; ok {
			failed = append(failed, map[string]string{"id": id, "reason": reason})
			continue
		}
		e, ok := s.expenses[id]
		if !ok || e.Status != core.StatusPending {
			failed = append(failed, map[string]string{"id": id, "reason": "not pending"})
			continue
		}
		e.ValidatorID = body.ValidatorID
		e.ValidationNote = body.Note
		if body.Action == "approve" {
			e.Status = core.StatusPaid
			s.transactions = append(s.transactions, core.Transaction{
				ID:             s.newID(),
				Type:           core.TypeExpense,
				Amount:         e.Amount,
				Category:       e.CategoryID,
				Counterparty:   e.Supplier,
				Date:           time.Now().UTC(),
				RecordedAt:     time.Now().UTC(),
				Note:           e.Description,
				ImpactsCapital: true,
			})
		} else {
			e.Status = core.StatusRejected
		}
		s.expenses[id] = e
		succeeded = append(succeeded, id)
	}
	return http.StatusOK, map[string]any{"succeeded": succeeded, "failed": failed}, nil
}

func (s *Server) listCategories(*http.Request) (int, any, map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, map[string]any{"id": c.ID, "name": c.Name, "color": c.Color, "icon": c.Icon})
	}
	return http.StatusOK, out, nil
}

func (s *Server) listUsers(*http.Request) (int, any, map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, map[string]any{"id": u.ID, "name": u.Name, "role": string(u.Role)})
	}
	return http.StatusOK, out, nil
}
