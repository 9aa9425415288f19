package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	Liveness()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("code = %d, body = %q", rec.Code, rec.Body.String())
	}
}

func TestReadinessAllUp(t *testing.T) {
	rec := httptest.NewRecorder()
	Readiness(map[string]Pinger{"index": pinger{}})(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["index"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestReadinessBackendDown(t *testing.T) {
	rec := httptest.NewRecorder()
	backends := map[string]Pinger{
		"index": pinger{err: errors.New("pool exhausted")},
	}
	Readiness(backends)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
}
