package obs

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                        "/",
		"/metrics":                "/metrics",
		"/articles":               "/articles",
		"/articles/01HX":          "/articles/:id",
		"/articles/01HX?x=1":      "/articles/:id",
		"/articles/01HX/comments": "/articles/01HX/comments",
		"/users/me":               "/users/me",
		"/users/01HX":             "/users/:id",
		"/signin":                 "/signin",
		"/articles?tags=go":       "/articles",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentRecordsCanonicalLabels(t *testing.T) {
	m := NewMetrics()
	h := m.Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	for _, id := range []string{"a", "b", "c"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/articles/"+id, nil))
	}
	got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(http.MethodGet, "/articles/:id", "418"))
	if got != 3 {
		t.Fatalf("expected 3 requests, got %v", got)
	}
	if v := testutil.ToFloat64(m.httpInFlight); v != 0 {
		t.Fatalf("in-flight gauge should return to zero, got %v", v)
	}
}

func TestDecisionAndPurgeCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveDecision("allowed")
	m.ObserveDecision("allowed")
	m.ObserveDecision("forbidden")
	m.ObservePurged(4)
	m.ObservePurged(0)

	if v := testutil.ToFloat64(m.authDecisions.WithLabelValues("allowed")); v != 2 {
		t.Fatalf("allowed=%v", v)
	}
	if v := testutil.ToFloat64(m.revocationsPurged); v != 4 {
		t.Fatalf("purged=%v", v)
	}
}

func TestHandlerExposesBuildInfo(t *testing.T) {
	m := NewMetrics()
	m.SetBuildInfo("1.2.3", "abc")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `build_info{commit="abc",version="1.2.3"} 1`) {
		t.Fatalf("build_info missing from exposition:\n%s", body)
	}
}
