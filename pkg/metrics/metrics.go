// Package metrics keeps in-process gateway counters and exposes them as JSON
// and in the Prometheus text format.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	decisions  map[string]int64
	challenges map[string]int64
	deliveries map[string]int64
	failures   map[string]int64
	bytes      map[string]int64
	gauges     map[string]float64
	Histograms *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// Snapshot is a point-in-time copy of the registry. Decisions are keyed
// "<kind>|<outcome>" and challenges "<action>|<reason>".
type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Decisions   map[string]int64        `json:"decisions"`
	Challenges  map[string]int64        `json:"challenges"`
	Deliveries  map[string]int64        `json:"deliveries"`
	Failures    map[string]int64        `json:"delivery_failures"`
	BytesByKind map[string]int64        `json:"bytes_by_kind"`
	Gauges      map[string]float64      `json:"gauges"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		decisions:  map[string]int64{},
		challenges: map[string]int64{},
		deliveries: map[string]int64{},
		failures:   map[string]int64{},
		bytes:      map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

// Observe records one request against a route pattern.
func (r *Registry) Observe(route string, status int, d time.Duration) {
	r.Histograms.Get("route:"+route, LatencyBuckets).ObserveDuration(d)
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[route]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[route] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncDecision(kind, outcome string) {
	r.inc(r.decisions, label(kind)+"|"+label(outcome), 1)
}

func (r *Registry) IncChallenge(action, reason string) {
	r.inc(r.challenges, label(action)+"|"+label(reason), 1)
}

// ObserveDelivery records a finished blob response.
func (r *Registry) ObserveDelivery(kind string, status int, bytes int64) {
	r.inc(r.deliveries, strconv.Itoa(status), 1)
	if bytes > 0 {
		r.inc(r.bytes, label(kind), bytes)
		r.Histograms.Get("blob_bytes:"+label(kind), SizeBuckets).Observe(float64(bytes))
	}
}

// IncDeliveryFailure counts deliveries cut short, keyed by cause.
func (r *Registry) IncDeliveryFailure(cause string) {
	r.inc(r.failures, label(cause), 1)
}

func (r *Registry) AddGauge(name string, delta float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] += delta
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) inc(m map[string]int64, key string, delta int64) {
	r.mu.Lock()
	m[key] += delta
	r.mu.Unlock()
}

func label(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:   copyCounts(r.decisions),
		Challenges:  copyCounts(r.challenges),
		Deliveries:  copyCounts(r.deliveries),
		Failures:    copyCounts(r.failures),
		BytesByKind: copyCounts(r.bytes),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	r.mu.RUnlock()
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Header().Set("Cache-Control", "no-store")
		b := &strings.Builder{}

		header(b, "blobgate_requests_total", "counter", "requests by route")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "blobgate_requests_total{route=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		header(b, "blobgate_request_errors_total", "counter", "requests answered with status >= 400 by route")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "blobgate_request_errors_total{route=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		header(b, "blobgate_access_decisions_total", "counter", "access decisions by kind and outcome")
		writePairs(b, "blobgate_access_decisions_total", "kind", "outcome", snap.Decisions)
		header(b, "blobgate_challenges_total", "counter", "challenges issued by action and reason")
		writePairs(b, "blobgate_challenges_total", "action", "reason", snap.Challenges)
		header(b, "blobgate_deliveries_total", "counter", "blob responses by status")
		for _, status := range SortedKeys(snap.Deliveries) {
			fmt.Fprintf(b, "blobgate_deliveries_total{status=%q} %d\n", status, snap.Deliveries[status])
		}
		header(b, "blobgate_delivery_failures_total", "counter", "deliveries cut short by cause")
		for _, cause := range SortedKeys(snap.Failures) {
			fmt.Fprintf(b, "blobgate_delivery_failures_total{cause=%q} %d\n", cause, snap.Failures[cause])
		}
		header(b, "blobgate_bytes_served_total", "counter", "payload bytes written by kind")
		for _, kind := range SortedKeys(snap.BytesByKind) {
			fmt.Fprintf(b, "blobgate_bytes_served_total{kind=%q} %d\n", kind, snap.BytesByKind[kind])
		}
		header(b, "blobgate_gauge", "gauge", "operational gauges")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "blobgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			family, labelName, value := histogramFamily(h.Name)
			header(b, family, "histogram", family+" distribution")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "%s_bucket{%s=%q,le=\"%g\"} %d\n", family, labelName, value, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "%s_bucket{%s=%q,le=\"+Inf\"} %d\n", family, labelName, value, h.Count)
			fmt.Fprintf(b, "%s_sum{%s=%q} %.6f\n", family, labelName, value, h.Sum)
			fmt.Fprintf(b, "%s_count{%s=%q} %d\n", family, labelName, value, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func header(b *strings.Builder, name, typ, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

func writePairs(b *strings.Builder, metric, first, second string, m map[string]int64) {
	for _, key := range SortedKeys(m) {
		a, z, _ := strings.Cut(key, "|")
		fmt.Fprintf(b, "%s{%s=%q,%s=%q} %d\n", metric, first, a, second, z, m[key])
	}
}

func histogramFamily(name string) (family, labelName, value string) {
	prefix, rest, _ := strings.Cut(name, ":")
	switch prefix {
	case "blob_bytes":
		return "blobgate_blob_bytes", "kind", rest
	case "route":
		return "blobgate_request_duration_seconds", "route", rest
	}
	return "blobgate_" + prefix, "name", rest
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
