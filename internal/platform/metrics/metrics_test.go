package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestMetrics_scrape(t *testing.T) {
	m := New()
	m.IncMarkersWritten("news", "CUE_OUT")
	m.IncMarkersWritten("news", "CUE_OUT")
	m.IncEngineRestarts("news", "clean_exit")
	m.SetStreamStats("news", 4_000_000, 1200, 3, 6)

	out := scrape(t, m, func() { m.SetActiveSessions(2) })

	for _, want := range []string{
		`splice_markers_written_total{cue="CUE_OUT",profile="news"} 2`,
		`splice_engine_restarts_total{profile="news",reason="clean_exit"} 1`,
		`splice_stream_packets{profile="news"} 1200`,
		`splice_markers_injected{profile="news"} 6`,
		`splice_active_sessions 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in scrape output:\n%s", want, out)
		}
	}
}

func TestMetrics_nil_receiver(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.IncMarkersWritten("p", "CUE_IN")
	m.SetEngineState("p", 2)
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/sessions", "/missing", "/metrics"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	out := scrape(t, m, nil)
	if !strings.Contains(out, "splice_http_requests_total 2") {
		t.Errorf("expected 2 counted requests:\n%s", out)
	}
	if !strings.Contains(out, "splice_http_errors_total 1") {
		t.Errorf("expected 1 error:\n%s", out)
	}
}
