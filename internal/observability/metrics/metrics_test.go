package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveHTTPRequest("/api/state", "GET", 200, 20*time.Millisecond)
	ObserveHTTPRequest("/api/trace", "GET", 500, time.Second)
	ObserveTraceGeneration("snake", "ok", 2*time.Second)
	ObserveVerification("mismatch", "valid")
	ObserveBroadcast("state", 2)
	SetObservers(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`nets_observer_http_requests_total{code="200",handler="/api/state",method="GET"}`,
		`nets_observer_http_request_errors_total{handler="/api/trace",method="GET"}`,
		`nets_observer_trace_generations_total{result="ok",system="snake"}`,
		`nets_observer_verifications_total{proof="valid",status="mismatch"}`,
		`nets_observer_broadcast_dropped_total`,
		`nets_observer_observers 3`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
