package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"economat/internal/core"
	applog "economat/internal/log"
)

// JSONResponse provides a fluent API for building JSON replies.
type JSONResponse struct {
	statusCode int
	body       any
	headers    map[string]string
}

// NewJSONResponse creates a response with a 200 status.
func NewJSONResponse() *JSONResponse {
	return &JSONResponse{statusCode: http.StatusOK, headers: make(map[string]string)}
}

func (b *JSONResponse) Status(code int) *JSONResponse {
	b.statusCode = code
	return b
}

func (b *JSONResponse) Header(name, value string) *JSONResponse {
	b.headers[name] = value
	return b
}

func (b *JSONResponse) Body(v any) *JSONResponse {
	b.body = v
	return b
}

// Write sends the response. A nil body writes only the status.
func (b *JSONResponse) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.body)
}

type fieldErrorJSON struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type itemFailureJSON struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// ErrorBody is the JSON shape of every error reply.
type ErrorBody struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields []fieldErrorJSON  `json:"fields,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Items  []itemFailureJSON `json:"items,omitempty"`
}

func failuresJSON(in []core.ItemFailure) []itemFailureJSON {
	out := make([]itemFailureJSON, 0, len(in))
	for _, f := range in {
		out = append(out, itemFailureJSON{ID: f.ID, Reason: f.Reason})
	}
	return out
}

// ErrorResponse maps the engine's error taxonomy onto an HTTP status and body.
func ErrorResponse(err error) *JSONResponse {
	var (
		verr     *core.ValidationError
		perm     *core.PermissionError
		auth     *core.AuthError
		limited  *core.RateLimitError
		conflict *core.StateConflictError
		deletion *core.DeletionNotAllowed
		remote   *core.RemoteError
		partial  *core.PartialBatchFailure
		batch    *core.BatchFailure
	)
	switch {
	case errors.As(err, &verr):
		body := ErrorBody{Error: "validation échouée", Code: "validation"}
		for _, f := range verr.Fields {
			body.Fields = append(body.Fields, fieldErrorJSON{Field: f.Field, Message: f.Message})
		}
		return NewJSONResponse().Status(http.StatusUnprocessableEntity).Body(body)
	case errors.As(err, &perm):
		return NewJSONResponse().Status(http.StatusForbidden).Body(ErrorBody{Error: perm.Error(), Code: "permission"})
	case errors.As(err, &deletion):
		return NewJSONResponse().Status(http.StatusConflict).
			Body(ErrorBody{Error: deletion.Message(), Code: "deletion_not_allowed", Reason: string(deletion.Reason)})
	case errors.As(err, &conflict):
		return NewJSONResponse().Status(http.StatusConflict).Body(ErrorBody{Error: conflict.Error(), Code: "state_conflict", Reason: conflict.Reason})
	case errors.As(err, &partial):
		body := ErrorBody{Error: partial.Error(), Code: "batch_failed"}
		if len(partial.Failed) > 0 {
			body.Reason = partial.Failed[0].Reason
		}
		return NewJSONResponse().Status(http.StatusConflict).Body(body)
	case errors.As(err, &auth):
		return NewJSONResponse().Status(http.StatusUnauthorized).Body(ErrorBody{Error: auth.Error(), Code: "auth"})
	case errors.As(err, &limited):
		seconds := int(limited.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		return NewJSONResponse().Status(http.StatusTooManyRequests).
			Header("Retry-After", strconv.Itoa(seconds)).
			Body(ErrorBody{Error: limited.Error(), Code: "rate_limited"})
	case errors.Is(err, core.ErrOffline):
		return NewJSONResponse().Status(http.StatusServiceUnavailable).Body(ErrorBody{Error: "grand livre injoignable", Code: "offline"})
	case errors.Is(err, core.ErrNotFound):
		return NewJSONResponse().Status(http.StatusNotFound).Body(ErrorBody{Error: "introuvable", Code: "not_found"})
	case errors.As(err, &remote):
		return NewJSONResponse().Status(http.StatusBadGateway).Body(ErrorBody{Error: remote.Error(), Code: "remote"})
	case errors.As(err, &batch):
		body := ErrorBody{Error: batch.Error(), Code: "batch_failed", Items: failuresJSON(batch.Failed)}
		if len(batch.Failed) > 0 {
			body.Reason = batch.Failed[0].Reason
		}
		return NewJSONResponse().Status(http.StatusConflict).Body(body)
	}
	return NewJSONResponse().Status(http.StatusInternalServerError).Body(ErrorBody{Error: "erreur interne", Code: "internal"})
}

// writeError logs err at a level matching its status and sends the mapped reply.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse(err)
	logger := applog.FromContext(r.Context())
	if resp.statusCode >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Request failed", applog.FieldError, err, applog.FieldPath, r.URL.Path)
	} else {
		logger.DebugContext(r.Context(), "Request rejected", applog.FieldError, err, applog.FieldStatusCode, resp.statusCode)
	}
	resp.Write(w)
}
