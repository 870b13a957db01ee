package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"debug": LevelDebug,
		"weird": LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x?log=1", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("?log=1 override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
}

func TestLoggingLineWriter_SplitsLines(t *testing.T) {
	var buf bytes.Buffer
	lw := &loggingLineWriter{log: zerolog.New(&buf).Level(zerolog.DebugLevel)}
	_, _ = lw.Write([]byte(`{"token":"a"}` + "\n" + `{"tok`))
	_, _ = lw.Write([]byte(`en":"b"}` + "\n\n"))

	out := buf.String()
	if n := strings.Count(out, `"message":"infer>"`); n != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", n, out)
	}
	if !strings.Contains(out, `"line":{"token":"b"}`) {
		t.Fatalf("missing joined line: %q", out)
	}
}

func TestRequestsLoggedWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer SetLogger(zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/infer?log=debug", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	out := buf.String()
	if !strings.Contains(out, `"request_id"`) || !strings.Contains(out, `"status":200`) {
		t.Fatalf("request log missing fields: %q", out)
	}
	if !strings.Contains(out, `"line":{"token":"hi"}`) {
		t.Fatalf("token lines not logged at debug: %q", out)
	}
}
