package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestBuildEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info", Component: "test"}, &buf)
	zl.Info().Str("mosaic", "ctx_global").Msg("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	if rec["msg"] != "hello" || rec["component"] != "test" || rec["mosaic"] != "ctx_global" {
		t.Fatalf("record = %v", rec)
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Fatalf("missing timestamp field: %v", rec)
	}
}

func TestSlogBridgeCarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "debug"}, &buf)
	sl := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "abc123")
	ctx = WithMosaic(ctx, "elevation_model")
	sl.InfoContext(ctx, "tile rendered", "z", int64(8))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	if rec["request_id"] != "abc123" || rec["mosaic"] != "elevation_model" {
		t.Fatalf("context fields missing: %v", rec)
	}
	if rec["z"] != float64(8) {
		t.Fatalf("attr z = %v", rec["z"])
	}
}

func TestNewIDIsUnique(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b || len(a) != 16 {
		t.Fatalf("ids = %q, %q", a, b)
	}
}
