package ledger

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Class selects the timeout and cache lifetime of an endpoint.
type Class int

const (
	ClassStandard Class = iota
	ClassHeavy
	ClassLive
)

func (c Class) String() string {
	switch c {
	case ClassHeavy:
		return "heavy"
	case ClassLive:
		return "live"
	default:
		return "standard"
	}
}

// Group is a cached resource family. Cache keys start with the group name so
// one mutation can invalidate a whole family.
type Group string

const (
	GroupTransactions Group = "transactions"
	GroupExpenses     Group = "expenses"
	GroupBalance      Group = "balance"
	GroupDashboard    Group = "dashboard"
	GroupReference    Group = "reference"
	GroupHealth       Group = "health"
)

// CapitalGroups are the families touched by anything that moves money.
var CapitalGroups = []Group{GroupTransactions, GroupExpenses, GroupBalance, GroupDashboard}

// Logical endpoint names.
const (
	EndpointDashboard               = "dashboard.get"
	EndpointBalance                 = "balance.get"
	EndpointTransactions            = "transactions.list"
	EndpointInjectTransaction       = "transactions.inject"
	EndpointGetManualTransaction    = "transactions.manual.get"
	EndpointUpdateManualTransaction = "transactions.manual.update"
	EndpointDeleteManualTransaction = "transactions.manual.delete"
	EndpointBulkValidate            = "expenses.bulk_validate"
	EndpointExpenses                = "expenses.list"
	EndpointGetExpense              = "expenses.get"
	EndpointCreateExpense           = "expenses.create"
	EndpointUpdateExpense           = "expenses.update"
	EndpointDeleteExpense           = "expenses.delete"
	EndpointCategories              = "reference.categories"
	EndpointUsers                   = "reference.users"
	EndpointHealth                  = "health.check"
)

// Endpoint describes one remote operation.
type Endpoint struct {
	Name        string
	Method      string
	Path        string
	Class       Class
	Anonymous   bool
	Group       Group
	Invalidates []Group
}

// Mutating reports whether the endpoint changes server state.
func (e Endpoint) Mutating() bool {
	return e.Method != http.MethodGet && e.Method != http.MethodHead
}

var registry = map[string]Endpoint{
	EndpointDashboard:    {Method: http.MethodGet, Path: "/finances/dashboard", Class: ClassLive, Group: GroupDashboard},
	EndpointBalance:      {Method: http.MethodGet, Path: "/finances/capital/balance", Class: ClassLive, Group: GroupBalance},
	EndpointTransactions: {Method: http.MethodGet, Path: "/finances/transactions", Class: ClassHeavy, Group: GroupTransactions},
	EndpointInjectTransaction: {
		Method: http.MethodPost, Path: "/finances/transactions/manual", Class: ClassStandard,
		Invalidates: []Group{GroupTransactions, GroupBalance, GroupDashboard},
	},
	EndpointGetManualTransaction: {Method: http.MethodGet, Path: "/finances/transactions/manual/{id}", Class: ClassStandard, Group: GroupTransactions},
	EndpointUpdateManualTransaction: {
		Method: http.MethodPut, Path: "/finances/transactions/manual/{id}", Class: ClassStandard,
		Invalidates: []Group{GroupTransactions, GroupBalance, GroupDashboard},
	},
	EndpointDeleteManualTransaction: {
		Method: http.MethodDelete, Path: "/finances/transactions/manual/{id}", Class: ClassStandard,
		Invalidates: []Group{GroupTransactions, GroupBalance, GroupDashboard},
	},
	EndpointBulkValidate: {
		Method: http.MethodPost, Path: "/finances/expenses/bulk-validate", Class: ClassHeavy,
		Invalidates: CapitalGroups,
	},
	EndpointExpenses:   {Method: http.MethodGet, Path: "/finances/expenses", Class: ClassHeavy, Group: GroupExpenses},
	EndpointGetExpense: {Method: http.MethodGet, Path: "/finances/expenses/{id}", Class: ClassStandard, Group: GroupExpenses},
	EndpointCreateExpense: {
		Method: http.MethodPost, Path: "/finances/expenses", Class: ClassStandard,
		Invalidates: []Group{GroupExpenses, GroupDashboard},
	},
	EndpointUpdateExpense: {
		Method: http.MethodPut, Path: "/finances/expenses/{id}", Class: ClassStandard,
		Invalidates: []Group{GroupExpenses, GroupDashboard},
	},
	EndpointDeleteExpense: {
		Method: http.MethodDelete, Path: "/finances/expenses/{id}", Class: ClassStandard,
		Invalidates: []Group{GroupExpenses, GroupDashboard},
	},
	EndpointCategories: {Method: http.MethodGet, Path: "/finances/expense-categories", Class: ClassStandard, Group: GroupReference},
	EndpointUsers:      {Method: http.MethodGet, Path: "/users", Class: ClassStandard, Group: GroupReference},
	EndpointHealth:     {Method: http.MethodGet, Path: "/health", Class: ClassLive, Anonymous: true, Group: GroupHealth},
}

func init() {
	for name, ep := range registry {
		ep.Name = name
		registry[name] = ep
	}
}

// Lookup returns the registered endpoint.
func Lookup(name string) (Endpoint, bool) {
	ep, ok := registry[name]
	return ep, ok
}

// Endpoints lists every registered endpoint, sorted by name.
func Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(registry))
	for _, ep := range registry {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// expandPath substitutes {param} placeholders.
func expandPath(ep Endpoint, params map[string]string) (string, error) {
	path := ep.Path
	for {
		start := strings.IndexByte(path, '{')
		if start < 0 {
			return path, nil
		}
		end := strings.IndexByte(path[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("endpoint %s: malformed path %q", ep.Name, ep.Path)
		}
		name := path[start+1 : start+end]
		value, ok := params[name]
		if !ok || value == "" {
			return "", fmt.Errorf("endpoint %s: missing path parameter %q", ep.Name, name)
		}
		path = path[:start] + url.PathEscape(value) + path[start+end+1:]
	}
}

// cacheKey is "<group>:<endpoint>:<path>?<sorted query>". url.Values.Encode
// sorts by key, so the same logical request always maps to one key.
func cacheKey(ep Endpoint, path string, query url.Values) string {
	key := string(ep.Group) + ":" + ep.Name + ":" + path
	if len(query) > 0 {
		sorted := url.Values{}
		for k, vs := range query {
			cp := append([]string(nil), vs...)
			sort.Strings(cp)
			sorted[k] = cp
		}
		key += "?" + sorted.Encode()
	}
	return key
}
