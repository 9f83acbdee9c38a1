package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{"": LevelOff, "off": LevelOff, "error": LevelError, "info": LevelInfo, "debug": LevelDebug, "weird": LevelInfo}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q)=%d want %d", in, got, want)
		}
	}
}

func TestRequestLogLevelOverrides(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/status?log=1", nil)
	if requestLogLevel(r) != LevelDebug {
		t.Fatal("query log=1 should be debug")
	}
	r = httptest.NewRequest(http.MethodGet, "/status", nil)
	r.Header.Set("X-Log-Level", "error")
	if requestLogLevel(r) != LevelError {
		t.Fatal("header override ignored")
	}
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := zlog
	SetLogger(zerolog.New(&buf))
	t.Cleanup(func() { zlog = prev })
	return &buf
}

func TestLogOpRespectsLevel(t *testing.T) {
	buf := captureLogs(t)

	r := httptest.NewRequest(http.MethodPost, "/models/1/execute?log=error", nil)
	logOp(r, "execute", http.StatusOK, time.Now(), nil)
	if buf.Len() != 0 {
		t.Fatalf("success logged at error level: %s", buf.String())
	}
	logOp(r, "execute", http.StatusConflict, time.Now(), errors.New("not allowed"))
	if !strings.Contains(buf.String(), `"op":"execute"`) || !strings.Contains(buf.String(), `"status":409`) {
		t.Fatalf("failure not logged: %s", buf.String())
	}

	buf.Reset()
	r = httptest.NewRequest(http.MethodPost, "/models/1/execute?log=off", nil)
	logOp(r, "execute", http.StatusInternalServerError, time.Now(), errors.New("boom"))
	if buf.Len() != 0 {
		t.Fatalf("logged while off: %s", buf.String())
	}
}

func TestHandlerLogsWithRequestID(t *testing.T) {
	buf := captureLogs(t)
	svc := newMock()
	req := httptest.NewRequest(http.MethodPost, "/models/1/stop?log=info", nil)
	rr := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if !strings.Contains(buf.String(), `"request_id"`) || !strings.Contains(buf.String(), `"msg":"control op"`) {
		t.Fatalf("missing fields: %s", buf.String())
	}
}
