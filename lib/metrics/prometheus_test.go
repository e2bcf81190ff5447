package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheus(reg, "test")

	c.RecordRound(0.2)
	c.RecordCandidates("move", 3)
	c.RecordCommand("move", nil)
	c.RecordCommand("move", errors.New("boom"))
	c.RecordTransition("move", "OffloadCommitted")
	c.RecordRollback("move")
	c.RecordLockConflict()
	c.RecordRecovered("resumed")
	c.SetActiveEvents(2)

	require.Equal(t, 1.0, testutil.ToFloat64(c.rounds))
	require.Equal(t, 3.0, testutil.ToFloat64(c.candidates.WithLabelValues("move")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("move", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("move", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.lockConflicts))
	require.Equal(t, 2.0, testutil.ToFloat64(c.activeEvents))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector

	require.NotPanics(t, func() {
		c.RecordRound(1)
		c.RecordCandidates("split", 1)
		c.RecordCommand("split", nil)
		c.RecordTransition("split", "Assigned")
		c.RecordRollback("split")
		c.RecordLockConflict()
		c.RecordRecovered("abandoned")
		c.SetActiveEvents(0)
	})
}
