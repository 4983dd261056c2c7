package log

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, Format: "json", Component: ComponentTransport, Output: &buf})

	logger.Info("retrying", FieldAttempt, 2)

	out := buf.String()
	if !strings.Contains(out, `"component":"transport"`) {
		t.Fatalf("expected component field, got %s", out)
	}
	if !strings.Contains(out, `"attempt":2`) {
		t.Fatalf("expected attempt field, got %s", out)
	}
}

func TestWithComponentKeepsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelDebug, Output: &buf, Component: ComponentApp}).
		With(FieldRequestID, "req-1").
		WithComponent(ComponentBulk)

	logger.Debug("batch done")

	out := buf.String()
	if !strings.Contains(out, "component=bulk") || !strings.Contains(out, "request_id=req-1") {
		t.Fatalf("unexpected output: %s", out)
	}
	if logger.Component() != ComponentBulk {
		t.Fatalf("expected bulk component, got %s", logger.Component())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromContextDefault(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil || logger.Component() != "unknown" {
		t.Fatal("expected fallback logger")
	}
}

func TestAccessLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, Output: &buf, Component: ComponentHTTP})

	handler := Middleware(logger)(AccessLog(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/expenses/7", nil))

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status_code=409") {
		t.Fatalf("expected warn access log with 409, got %s", out)
	}
}
