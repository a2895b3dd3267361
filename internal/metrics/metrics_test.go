package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRenderPrometheus(t *testing.T) {
	r := New()
	r.IncRequest("/v1/container")
	r.IncRequest("/v1/container")
	r.IncInstanceCreate()
	r.IncRejection("rate_limited")
	r.IncRejection("rate_limited")
	r.IncRejection("capacity_exceeded")
	r.SetActiveInstances(3)
	r.SetFreePorts(97)
	r.ObserveRequestDuration(20 * time.Millisecond)
	r.ObserveRequestDuration(30 * time.Second)

	out := r.RenderPrometheus()
	assert.Contains(t, out, "instancer_requests_total 2\n")
	assert.Contains(t, out, "instancer_instance_creates_total 1\n")
	assert.Contains(t, out, "instancer_instances_active 3\n")
	assert.Contains(t, out, "instancer_ports_free 97\n")
	assert.Contains(t, out, `instancer_rejections_total{reason="capacity_exceeded"} 1`)
	assert.Contains(t, out, `instancer_rejections_total{reason="rate_limited"} 2`)
	assert.Contains(t, out, `instancer_requests_by_path_total{path="/v1/container"} 2`)
	assert.Contains(t, out, `instancer_request_duration_seconds_bucket{le="0.025"} 1`)
	assert.Contains(t, out, `instancer_request_duration_seconds_bucket{le="10"} 1`)
	assert.Contains(t, out, `instancer_request_duration_seconds_bucket{le="+Inf"} 2`)
	assert.True(t, strings.Index(out, `reason="capacity_exceeded"`) < strings.Index(out, `reason="rate_limited"`))
	assert.EqualValues(t, 2, r.Rejections("rate_limited"))
}
