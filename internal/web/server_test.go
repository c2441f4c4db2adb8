package web

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowdb/reaper/internal/health"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return rec.Code, string(body)
}

func TestHandlerHealthy(t *testing.T) {
	t.Parallel()
	h := Handler(health.NewState())

	for _, path := range []string{"/", "/health"} {
		code, body := get(t, h, path)
		if code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, code)
		}
		if body != "OK" {
			t.Errorf("GET %s body = %q, want OK", path, body)
		}
	}
}

func TestHandlerUnhealthy(t *testing.T) {
	t.Parallel()
	state := health.NewState()
	state.MarkUnhealthy(errors.New("connection refused"))
	h := Handler(state)

	code, body := get(t, h, "/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	if !strings.Contains(body, "connection refused") {
		t.Errorf("body = %q, want the failure reason", body)
	}
}

func TestHandlerUnhealthyWithoutReason(t *testing.T) {
	t.Parallel()
	state := health.NewState()
	state.MarkUnhealthy(nil)
	h := Handler(state)

	code, body := get(t, h, "/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	if !strings.Contains(body, "shutting down") {
		t.Errorf("body = %q, want the shutdown fallback", body)
	}
}

func TestHandlerRecovery(t *testing.T) {
	t.Parallel()
	state := health.NewState()
	state.MarkUnhealthy(errors.New("boom"))
	state.MarkHealthy()
	h := Handler(state)

	code, _ := get(t, h, "/health")
	if code != http.StatusOK {
		t.Errorf("code = %d after recovery, want 200", code)
	}
}

func TestHandlerNotFound(t *testing.T) {
	t.Parallel()
	h := Handler(health.NewState())
	code, _ := get(t, h, "/metrics")
	if code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", code)
	}
}
