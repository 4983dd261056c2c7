package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"economat/internal/core"
	"economat/internal/ledger"
)

// Identity headers set by the authenticating front end.
const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-User-Role"
)

const maxBodyBytes = 1 << 20

var knownRoles = map[core.Role]bool{
	core.RoleAdmin:      true,
	core.RoleDirector:   true,
	core.RoleAccountant: true,
	core.RoleStaff:      true,
	core.RoleTeacher:    true,
}

// actorFrom reads the acting user from the identity headers. An unknown role
// is dropped, leaving an unprivileged actor.
func actorFrom(r *http.Request) core.Actor {
	role := core.Role(strings.ToLower(sanitizeInput(r.Header.Get(HeaderRole))))
	if !knownRoles[role] {
		role = ""
	}
	return core.Actor{UserID: sanitizeInput(r.Header.Get(HeaderUserID)), Role: role}
}

// decodeJSON reads a bounded JSON body into v. Malformed input becomes a
// *core.ValidationError on field "body".
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var msg string
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "corps de requête trop volumineux"
		} else if errors.Is(err, io.EOF) {
			msg = "corps de requête vide"
		} else {
			msg = fmt.Sprintf("JSON invalide: %v", err)
		}
		return &core.ValidationError{Fields: []core.FieldError{{Field: "body", Message: msg}}}
	}
	return nil
}

// queryInt returns the positive integer query parameter key, or def.
func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

type expenseRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	CategoryID  string `json:"category_id"`
	Date        string `json:"date"`
	Supplier    string `json:"supplier"`
}

type validateRequest struct {
	Action string `json:"action"`
	Note   string `json:"note"`
}

type bulkRequest struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action,omitempty"`
	Note   string   `json:"note,omitempty"`
}

type injectionRequest struct {
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	Description    string `json:"description"`
	Category       string `json:"category"`
	Entity         string `json:"entity"`
	PaymentMethod  string `json:"payment_method"`
	Date           string `json:"date"`
	ImpactsCapital *bool  `json:"impacts_capital"`
}

// parseAmount accepts a decimal string. Empty means zero so the domain
// validators report it with their own message.
func parseAmount(s string, verr *core.ValidationError) core.Money {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	m, err := core.ParseMoney(s)
	if err != nil {
		verr.Add("amount", "montant invalide: "+err.Error())
	}
	return m
}

func parseDateField(s string, verr *core.ValidationError) time.Time {
	d, err := parseDate(s)
	if err != nil {
		verr.Add("date", "date invalide, format attendu AAAA-MM-JJ")
	}
	return d
}

func parseAction(s string) (ledger.BulkAction, error) {
	a := ledger.BulkAction(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", &core.ValidationError{Fields: []core.FieldError{{Field: "action", Message: "approve ou reject"}}}
	}
	return a, nil
}
