package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	reqTotal         atomic.Uint64
	reqErrors        atomic.Uint64
	rateLimited      atomic.Uint64
	instancesActive  atomic.Int64
	freePorts        atomic.Int64
	instanceCreates  atomic.Uint64
	instanceRenews   atomic.Uint64
	instanceDestroys atomic.Uint64
	instancesExpired atomic.Uint64
	mu               sync.RWMutex
	pathCount        map[string]uint64
	rejections       map[string]uint64
	latencyBuckets   map[float64]uint64
	latencyInf       uint64
}

func New() *Registry {
	return &Registry{
		pathCount:      map[string]uint64{},
		rejections:     map[string]uint64{},
		latencyBuckets: map[float64]uint64{0.005: 0, 0.01: 0, 0.025: 0, 0.05: 0, 0.1: 0, 0.25: 0, 0.5: 0, 1: 0, 2.5: 0, 5: 0, 10: 0},
	}
}

func (r *Registry) IncRequest(path string) {
	r.reqTotal.Add(1)
	r.mu.Lock()
	r.pathCount[path]++
	r.mu.Unlock()
}
func (r *Registry) IncError()                { r.reqErrors.Add(1) }
func (r *Registry) IncRateLimited()          { r.rateLimited.Add(1) }
func (r *Registry) SetActiveInstances(v int) { r.instancesActive.Store(int64(v)) }
func (r *Registry) SetFreePorts(v int)       { r.freePorts.Store(int64(v)) }
func (r *Registry) IncInstanceCreate()       { r.instanceCreates.Add(1) }
func (r *Registry) IncInstanceRenew()        { r.instanceRenews.Add(1) }
func (r *Registry) IncInstanceDestroy()      { r.instanceDestroys.Add(1) }
func (r *Registry) IncInstanceExpired()      { r.instancesExpired.Add(1) }

// IncRejection counts a lifecycle request refused with reason.
func (r *Registry) IncRejection(reason string) {
	r.mu.Lock()
	r.rejections[reason]++
	r.mu.Unlock()
}

func (r *Registry) Rejections(reason string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rejections[reason]
}

func (r *Registry) ObserveRequestDuration(d time.Duration) {
	secs := d.Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := false
	for b := range r.latencyBuckets {
		if secs <= b {
			r.latencyBuckets[b]++
			matched = true
		}
	}
	if !matched {
		r.latencyInf++
	}
}

func (r *Registry) RenderPrometheus() string {
	var b strings.Builder
	counter(&b, "instancer_requests_total", "Total API requests", r.reqTotal.Load())
	counter(&b, "instancer_request_errors_total", "Total API request errors", r.reqErrors.Load())
	counter(&b, "instancer_rate_limited_total", "Total rate-limited requests", r.rateLimited.Load())
	gauge(&b, "instancer_instances_active", "Active instances", r.instancesActive.Load())
	gauge(&b, "instancer_ports_free", "Free direct-mode ports", r.freePorts.Load())
	counter(&b, "instancer_instance_creates_total", "Total successful creates", r.instanceCreates.Load())
	counter(&b, "instancer_instance_renews_total", "Total successful renewals", r.instanceRenews.Load())
	counter(&b, "instancer_instance_destroys_total", "Total successful destroys", r.instanceDestroys.Load())
	counter(&b, "instancer_instances_expired_total", "Instances destroyed by the expiry sweep", r.instancesExpired.Load())

	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(&b, "# HELP instancer_rejections_total Lifecycle requests refused, by reason")
	fmt.Fprintln(&b, "# TYPE instancer_rejections_total counter")
	for _, k := range sortedKeys(r.rejections) {
		fmt.Fprintf(&b, "instancer_rejections_total{reason=%q} %d\n", k, r.rejections[k])
	}

	fmt.Fprintln(&b, "# HELP instancer_requests_by_path_total Requests by path")
	fmt.Fprintln(&b, "# TYPE instancer_requests_by_path_total counter")
	for _, k := range sortedKeys(r.pathCount) {
		fmt.Fprintf(&b, "instancer_requests_by_path_total{path=%q} %d\n", k, r.pathCount[k])
	}

	latencyBounds := make([]float64, 0, len(r.latencyBuckets))
	for bound := range r.latencyBuckets {
		latencyBounds = append(latencyBounds, bound)
	}
	sort.Float64s(latencyBounds)
	fmt.Fprintln(&b, "# HELP instancer_request_duration_seconds Request duration histogram")
	fmt.Fprintln(&b, "# TYPE instancer_request_duration_seconds histogram")
	// latencyBuckets already counts each observation in every bucket it fits.
	for _, bound := range latencyBounds {
		fmt.Fprintf(&b, "instancer_request_duration_seconds_bucket{le=%q} %d\n", trimFloat(bound), r.latencyBuckets[bound])
	}
	total := r.latencyBuckets[latencyBounds[len(latencyBounds)-1]] + r.latencyInf
	fmt.Fprintf(&b, "instancer_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", total)
	fmt.Fprintf(&b, "instancer_request_duration_seconds_count %d\n", total)
	return b.String()
}

func counter(b *strings.Builder, name, help string, v uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

func gauge(b *strings.Builder, name, help string, v int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}
