package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/metrics"
)

func TestRecordToolCallIncrementsCounters(t *testing.T) {
	r := metrics.New()
	r.RecordToolCall("create_task", "")
	r.RecordToolCall("create_task", "INVALID_PAYLOAD")

	families, err := r.Gatherer.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestApplySetsGauges(t *testing.T) {
	r := metrics.New()
	r.Apply(metrics.Snapshot{TasksPending: 3, AgentsOnline: 2})

	families, err := r.Gatherer.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "hub_tasks_pending" {
			found = true
			require.Equal(t, float64(3), f.GetMetric()[0].GetGauge().GetValue())
		}
	}
	require.True(t, found, "hub_tasks_pending metric not found")
}
