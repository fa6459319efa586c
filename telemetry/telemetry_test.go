package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	got := make(map[string]string, len(metric.GetLabel()))
	for _, pair := range metric.GetLabel() {
		got[pair.GetName()] = pair.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestPrometheusCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	c.IncTaskEnqueued("callback", "high")
	c.IncTaskEnqueued("callback", "high")
	c.IncTaskExecuted("filtering")
	c.IncTasksDrained(3)
	c.SetQueueDepth(7)
	c.SetWorkerCount(4)
	c.IncPollRound()
	c.IncCallbackInvocation(2)
	c.IncControlError("constant_current")

	assert.Equal(t, 2.0, gatherValue(t, reg, "cellbench_tasks_enqueued_total", map[string]string{"kind": "callback", "priority": "high"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "cellbench_tasks_executed_total", map[string]string{"kind": "filtering"}))
	assert.Equal(t, 3.0, gatherValue(t, reg, "cellbench_tasks_drained_total", nil))
	assert.Equal(t, 7.0, gatherValue(t, reg, "cellbench_queue_depth", nil))
	assert.Equal(t, 4.0, gatherValue(t, reg, "cellbench_workers", nil))
	assert.Equal(t, 1.0, gatherValue(t, reg, "cellbench_poll_rounds_total", nil))
	assert.Equal(t, 1.0, gatherValue(t, reg, "cellbench_callback_invocations_total", map[string]string{"channel": "2"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "cellbench_control_errors_total", map[string]string{"op": "constant_current"}))
}

func TestPrometheusCollectorReusesRegistrations(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	second, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	first.IncPollRound()
	second.IncPollRound()
	assert.Equal(t, 2.0, gatherValue(t, reg, "cellbench_poll_rounds_total", nil))
}

func TestNoopCollectorIsSafe(t *testing.T) {
	c := Noop()
	c.IncTaskEnqueued("callback", "high")
	c.IncTaskExecuted("callback")
	c.IncTasksDrained(1)
	c.SetQueueDepth(0)
	c.SetWorkerCount(0)
	c.IncPollRound()
	c.IncCallbackInvocation(0)
	c.IncControlError("rest")
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var c *PrometheusCollector
	c.IncTaskEnqueued("callback", "high")
	c.SetQueueDepth(1)
	c.IncPollRound()
}
