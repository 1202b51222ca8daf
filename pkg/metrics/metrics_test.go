package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/blobs/{kind}/*", 200, 10*time.Millisecond)
	r.Observe("/v1/blobs/{kind}/*", 404, 30*time.Millisecond)
	r.IncDecision("snippet", "allow")
	r.IncDecision("snippet", "allow")
	r.IncDecision("artifact", "")
	r.IncChallenge("create_snippet", "activity_threshold")
	r.ObserveDelivery("artifact", 206, 512)
	r.ObserveDelivery("artifact", 304, 0)
	r.IncDeliveryFailure("stream_interrupted")
	r.AddGauge("active_streams", 1)
	r.AddGauge("active_streams", -1)
	r.SetGauge("ws_subscribers", 2)

	snap := r.Snapshot()
	ep := snap.Endpoints["/v1/blobs/{kind}/*"]
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 30 || ep.LastStatusCode != 404 || ep.AverageMillis != 20 {
		t.Fatalf("unexpected endpoint stat %+v", ep)
	}
	if snap.Decisions["snippet|allow"] != 2 || snap.Decisions["artifact|unknown"] != 1 {
		t.Fatalf("unexpected decisions %v", snap.Decisions)
	}
	if snap.Challenges["create_snippet|activity_threshold"] != 1 {
		t.Fatalf("unexpected challenges %v", snap.Challenges)
	}
	if snap.Deliveries["206"] != 1 || snap.Deliveries["304"] != 1 || snap.BytesByKind["artifact"] != 512 {
		t.Fatalf("unexpected deliveries %v bytes %v", snap.Deliveries, snap.BytesByKind)
	}
	if snap.Failures["stream_interrupted"] != 1 {
		t.Fatalf("unexpected failures %v", snap.Failures)
	}
	if snap.Gauges["active_streams"] != 0 || snap.Gauges["ws_subscribers"] != 2 {
		t.Fatalf("unexpected gauges %v", snap.Gauges)
	}
	if len(snap.Histograms) != 2 || snap.Histograms[0].Name != "blob_bytes:artifact" {
		t.Fatalf("unexpected histograms %+v", snap.Histograms)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("snippet", "deny")
	snap := r.Snapshot()
	snap.Decisions["snippet|deny"] = 99
	if r.Snapshot().Decisions["snippet|deny"] != 1 {
		t.Fatal("snapshot mutation leaked into registry")
	}
}

func TestHandlers(t *testing.T) {
	r := NewRegistry()
	r.Observe("/healthz", 200, time.Millisecond)
	r.IncDecision("snippet", "deny_not_found")
	r.IncChallenge("create_issue", "challenge_failed")
	r.ObserveDelivery("snippet", 200, 2048)
	r.IncDeliveryFailure("storage_unavailable")

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode json metrics: %v", err)
	}
	if snap.Endpoints["/healthz"].Count != 1 {
		t.Fatalf("unexpected json snapshot %+v", snap)
	}

	rec = httptest.NewRecorder()
	r.PrometheusHandler()(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`blobgate_requests_total{route="/healthz"} 1`,
		`blobgate_access_decisions_total{kind="snippet",outcome="deny_not_found"} 1`,
		`blobgate_challenges_total{action="create_issue",reason="challenge_failed"} 1`,
		`blobgate_deliveries_total{status="200"} 1`,
		`blobgate_delivery_failures_total{cause="storage_unavailable"} 1`,
		`blobgate_bytes_served_total{kind="snippet"} 2048`,
		`blobgate_blob_bytes_bucket{kind="snippet",le="16384"} 1`,
		`blobgate_request_duration_seconds_count{route="/healthz"} 1`,
		"# TYPE blobgate_request_duration_seconds histogram",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
