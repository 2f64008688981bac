package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/riftproxy/socksentry/internal/acl"
	"github.com/riftproxy/socksentry/internal/pool"
	"github.com/riftproxy/socksentry/internal/qos/htb"
	"github.com/riftproxy/socksentry/internal/session"
)

func TestInitPrometheusReflectsLiveState(t *testing.T) {
	engine := acl.NewEngine(&acl.Config{DefaultPolicy: acl.ActionAllow})
	p := pool.NewPool(pool.Config{Enabled: false}, nil)
	qos := htb.NewScheduler(htb.Config{Enabled: false})
	sess := session.NewManager(nil)

	InitPrometheus("socksentry_test", Sources{ACL: engine, Pool: p, QoS: qos, Session: sess})

	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "socksentry_test_sessions_active" {
			found = true
			require.Equal(t, dto.MetricType_GAUGE, mf.GetType())
		}
	}
	require.True(t, found)
}
