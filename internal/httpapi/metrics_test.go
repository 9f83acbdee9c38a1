package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsUseRoutePattern(t *testing.T) {
	svc := newMock()
	h := NewMux(svc)
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/models/{id}", http.MethodGet, "404"))
	do(t, h, http.MethodGet, "/models/41", "")
	do(t, h, http.MethodGet, "/models/42", "")
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/models/{id}", http.MethodGet, "404"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests on the route pattern, got %v", after-before)
	}
}

func TestRoutePatternFallsBackToPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/plain", nil)
	if got := routePatternOrPath(req); got != "/plain" {
		t.Fatalf("got %q", got)
	}
	r := chi.NewRouter()
	var seen string
	r.Get("/queues/{id}", func(w http.ResponseWriter, r *http.Request) { seen = routePatternOrPath(r) })
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/queues/9", nil))
	if seen != "/queues/{id}" {
		t.Fatalf("got %q", seen)
	}
}

func TestBackpressureCounted(t *testing.T) {
	svc := newMock()
	svc.opErr = errTooBusyForTest{}
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("busy"))
	do(t, NewMux(svc), http.MethodPost, "/models/1/execute", "")
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("busy")) - before; got != 1 {
		t.Fatalf("backpressure delta %v", got)
	}
	IncrementBackpressure("")
	if testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified")) < 1 {
		t.Fatal("empty reason not recorded as unspecified")
	}
}

type errTooBusyForTest struct{}

func (errTooBusyForTest) Error() string   { return "in working" }
func (errTooBusyForTest) StatusCode() int { return http.StatusTooManyRequests }

func TestMetricsEndpoint(t *testing.T) {
	h := NewMux(newMock())
	do(t, h, http.MethodGet, "/status", "")
	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "aicpusd_http_requests_total") {
		t.Fatal("http metrics not exported")
	}
}

func TestItoa(t *testing.T) {
	for n, want := range map[int]string{0: "0", 7: "7", 200: "200", 503: "503"} {
		if got := itoa(n); got != want {
			t.Fatalf("itoa(%d)=%q", n, got)
		}
	}
}

func TestControlOpsCounted(t *testing.T) {
	svc := newMock()
	h := NewMux(svc)
	before := testutil.ToFloat64(controlOpsTotal.WithLabelValues("execute", "200"))
	do(t, h, http.MethodPost, "/models/1/execute", "")
	if got := testutil.ToFloat64(controlOpsTotal.WithLabelValues("execute", "200")) - before; got != 1 {
		t.Fatalf("execute delta %v", got)
	}

	svc.opErr = errTooBusyForTest{}
	before = testutil.ToFloat64(controlOpsTotal.WithLabelValues("other", "429"))
	do(t, h, http.MethodPost, "/models/1/bogus-op", "")
	if got := testutil.ToFloat64(controlOpsTotal.WithLabelValues("other", "429")) - before; got != 1 {
		t.Fatalf("unknown op not folded: delta %v", got)
	}
}
