package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewWithWriter_ProductionIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("info", "production", &buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("login started", zap.String("redirect", "/billing"))
	_ = logger.Sync()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["msg"] != "login started" || entry["redirect"] != "/billing" {
		t.Fatalf("entry: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"DEBUG": zapcore.DebugLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q): got %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := NewWithWriter("loud", "production", &bytes.Buffer{}); err == nil {
		t.Error("expected error from NewWithWriter")
	}
}

func TestAccessLog_OmitsQuery(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := chimw.RequestID(AccessLog(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/callback?code=secret&state=s", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["path"] != "/auth/callback" {
		t.Fatalf("path: %v", fields["path"])
	}
	if fields["status"] != int64(http.StatusFound) {
		t.Fatalf("status: %v (%T)", fields["status"], fields["status"])
	}
	if fields["request_id"] == "" || fields["request_id"] == nil {
		t.Fatal("request_id missing")
	}
	for _, v := range fields {
		if s, ok := v.(string); ok && bytes.Contains([]byte(s), []byte("secret")) {
			t.Fatal("query string leaked into access log")
		}
	}
}
