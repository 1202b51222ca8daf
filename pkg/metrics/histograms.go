package metrics

import (
	"sort"
	"sync"
	"time"
)

// HistogramBucket counts observations at or below Le.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// Histogram is a cumulative histogram with fixed upper bounds.
type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []HistogramBucket
	sum     float64
	count   int64
}

// LatencyBuckets are upper bounds in seconds.
var LatencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// SizeBuckets are upper bounds in bytes, from 1 KiB to 1 GiB.
var SizeBuckets = []float64{1 << 10, 16 << 10, 256 << 10, 1 << 20, 16 << 20, 128 << 20, 1 << 30}

func NewHistogram(name string, bounds []float64) *Histogram {
	buckets := make([]HistogramBucket, len(bounds))
	for i, le := range bounds {
		buckets[i] = HistogramBucket{Le: le}
	}
	return &Histogram{name: name, buckets: buckets}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i := range h.buckets {
		if v <= h.buckets[i].Le {
			h.buckets[i].Count++
		}
	}
}

func (h *Histogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
	P50     float64           `json:"p50"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(h.buckets))
	copy(buckets, h.buckets)
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.count,
		P50:     quantile(buckets, h.count, 0.50),
		P95:     quantile(buckets, h.count, 0.95),
		P99:     quantile(buckets, h.count, 0.99),
	}
}

// quantile returns the smallest bound holding at least q of the
// observations, or the largest bound when they overflow every bucket.
func quantile(buckets []HistogramBucket, count int64, q float64) float64 {
	if count == 0 || len(buckets) == 0 {
		return 0
	}
	target := int64(q * float64(count))
	if target < 1 {
		target = 1
	}
	for _, b := range buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	return buckets[len(buckets)-1].Le
}

type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

// Get returns the named histogram, creating it with bounds on first use.
func (r *HistogramRegistry) Get(name string, bounds []float64) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name, bounds)
	r.histograms[name] = h
	return h
}

// Snapshots returns every histogram ordered by name.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
