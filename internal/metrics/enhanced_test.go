package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetStateIsOneHot(t *testing.T) {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_state"}, []string{"state"})
	states := []string{"syncing", "steady", "resyncing"}

	SetState(g, "syncing", states...)
	SetState(g, "steady", states...)

	assert.Equal(t, 0.0, testutil.ToFloat64(g.WithLabelValues("syncing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.WithLabelValues("steady")))
	assert.Equal(t, 0.0, testutil.ToFloat64(g.WithLabelValues("resyncing")))
}
