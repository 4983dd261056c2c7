package expense

import (
	"economat/internal/core"
	"economat/internal/ledger"
)

// Source says which path produced a View.
type Source string

const (
	SourceBackend  Source = "backend"
	SourceFallback Source = "fallback"
)

// Display defaults. The fallback path uses its own, visibly degraded set.
const (
	DefaultColor  = "#1976d2"
	DefaultIcon   = "receipt"
	FallbackColor = "#9e9e9e"
	FallbackIcon  = "help_outline"
	UnknownLabel  = "Inconnu"
)

var statusLabels = map[core.ExpenseStatus]struct{ label, color string }{
	core.StatusPending:    {"En attente", "#f57c00"},
	core.StatusInProgress: {"En cours", "#0288d1"},
	core.StatusPaid:       {"Payée", "#388e3c"},
	core.StatusRejected:   {"Rejetée", "#d32f2f"},
}

// View is an expense ready for display, with the actions the viewer may take.
type View struct {
	Expense         core.Expense
	CategoryName    string
	CategoryColor   string
	CategoryIcon    string
	StatusLabel     string
	StatusColor     string
	ResponsibleName string
	EnrichedBy      Source

	Deletable    bool
	DeleteReason string
	Editable     bool
	Validatable  bool
}

// Lookups holds the reference data used by the fallback path.
type Lookups struct {
	Categories map[string]ledger.CategoryRef
	Users      map[string]ledger.UserRef
}

// NewLookups indexes reference lists by id.
func NewLookups(categories []ledger.CategoryRef, users []ledger.UserRef) Lookups {
	l := Lookups{
		Categories: make(map[string]ledger.CategoryRef, len(categories)),
		Users:      make(map[string]ledger.UserRef, len(users)),
	}
	for _, c := range categories {
		l.Categories[c.ID] = c
	}
	for _, u := range users {
		l.Users[u.ID] = u
	}
	return l
}

// FromBackend builds a View from a pre-enriched record.
func FromBackend(rec ledger.ExpenseRecord) View {
	v := View{Expense: rec.Expense, EnrichedBy: SourceBackend}
	if c := rec.Category; c != nil {
		v.CategoryName = orDefault(c.Name, UnknownLabel)
		v.CategoryColor = orDefault(c.Color, DefaultColor)
		v.CategoryIcon = orDefault(c.Icon, DefaultIcon)
	}
	if s := rec.StatusInfo; s != nil {
		v.StatusLabel = orDefault(s.Label, string(rec.Expense.Status))
		v.StatusColor = orDefault(s.Color, DefaultColor)
	}
	if u := rec.Responsible; u != nil {
		v.ResponsibleName = orDefault(u.Name, UnknownLabel)
	}
	return v
}

// Fallback builds a View from a bare record and manual lookups. Missing
// references get the grey, generic fallback display.
func Fallback(rec ledger.ExpenseRecord, l Lookups) View {
	v := View{
		Expense:         rec.Expense,
		EnrichedBy:      SourceFallback,
		CategoryName:    UnknownLabel,
		CategoryColor:   FallbackColor,
		CategoryIcon:    FallbackIcon,
		StatusLabel:     UnknownLabel,
		StatusColor:     FallbackColor,
		ResponsibleName: UnknownLabel,
	}
	if c, ok := l.Categories[rec.Expense.CategoryID]; ok {
		v.CategoryName = orDefault(c.Name, UnknownLabel)
		v.CategoryColor = orDefault(c.Color, FallbackColor)
		v.CategoryIcon = orDefault(c.Icon, FallbackIcon)
	}
	if s, ok := statusLabels[rec.Expense.Status]; ok {
		v.StatusLabel = s.label
		v.StatusColor = s.color
	}
	if u, ok := l.Users[rec.Expense.ResponsibleID]; ok {
		v.ResponsibleName = orDefault(u.Name, UnknownLabel)
	}
	return v
}

// withPermissions fills the action flags for actor.
func withPermissions(v View, actor core.Actor) View {
	if err := CanDelete(v.Expense, actor); err != nil {
		if dna, ok := err.(*core.DeletionNotAllowed); ok {
			v.DeleteReason = dna.Message()
		} else {
			v.DeleteReason = err.Error()
		}
	} else {
		v.Deletable = true
	}
	v.Editable = CanEdit(v.Expense, actor) == nil
	v.Validatable = CanValidate(v.Expense, actor) == nil
	return v
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
