package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.AddRingOverflow(10)
	m.AddEncodedBytes(10)
	m.SetConnectorState("icecast2", 2, "connected")
	m.IncTransfer("PUT", true)
	m.SetQueueDepth(3)
	m.IncSegments()
	m.SetLiveSegments(2)
	m.SetListeners(1)
	m.IncMetadataUpdates("http")
	m.IncRequests()
	m.IncErrors()
}

func TestHandlerExposesSeries(t *testing.T) {
	m := New()
	m.AddRingOverflow(256)
	m.IncTransfer("PUT", false)
	m.SetConnectorState("hls", 3, "failed")

	called := false
	rec := httptest.NewRecorder()
	m.Handler(func() { called = true; m.SetListeners(4); m.SetLiveSegments(5) }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !called {
		t.Error("updateGauges was not called")
	}
	body := rec.Body.String()
	for _, want := range []string{
		"glasscoder_ring_overflow_frames_total 256",
		`glasscoder_conveyor_transfers_total{method="PUT",result="failed"} 1`,
		`glasscoder_connector_state{connector="hls"} 3`,
		"glasscoder_listeners 4",
		"glasscoder_hls_live_segments 5",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestRequestMiddlewareCountsErrors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "glasscoder_admin_requests_total 2") {
		t.Errorf("expected 2 requests:\n%s", body)
	}
	if !strings.Contains(body, "glasscoder_admin_errors_total 1") {
		t.Errorf("expected 1 error:\n%s", body)
	}
}
