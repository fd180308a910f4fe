package metrics

import (
	"net/http"
	"sync"
	"time"

	"palisade/pkg/httpx"
)

// Registry aggregates gateway counters and per-endpoint latency. All
// methods are safe on a nil receiver so packages can carry an optional
// registry without guarding every call.
type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	counters map[string]int64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Counters    map[string]int64        `json:"counters"`
}

// Counter names used across the service.
const (
	CacheHit        = "restricted_cache_hit"
	CacheMiss       = "restricted_cache_miss"
	CacheWait       = "restricted_cache_wait"
	CacheFailSecure = "restricted_cache_fail_secure"
	CacheInvalidate = "restricted_cache_invalidate"
	SuggestionDrop  = "suggestion_dropped"
	SuggestionPass  = "suggestion_unclassifiable_pass"
	GateNotFound    = "direct_access_not_found"
)

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		counters: map[string]int64{},
	}
}

func (r *Registry) Inc(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.counters[name]++
	r.mu.Unlock()
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	if r == nil {
		return
	}
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
}

func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   map[string]EndpointStat{},
		Counters:    map[string]int64{},
	}
	if r == nil {
		return snap
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for path, stat := range r.endpoint {
		snap.Endpoints[path] = *stat
	}
	for name, v := range r.counters {
		snap.Counters[name] = v
	}
	return snap
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}

// Counter returns the current value of one counter, for tests.
func (r *Registry) Counter(name string) int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}
