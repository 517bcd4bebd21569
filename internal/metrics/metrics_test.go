package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	// Verify all metrics are registered without conflicts
	metrics := []prometheus.Collector{
		WatchChecksTotal,
		WatchRowsDetected,
		WatchLastRowCount,
		WatchCheckDuration,

		EventsPublishedTotal,
		NotifierTickDuration,
		NotifierConsecutiveFailures,

		BroadcasterConnectedClients,
		BroadcasterSlowClientsEvicted,
		BroadcasterRejectedConnections,
		BroadcasterStopTimeoutsTotal,
		BroadcasterPanicsTotal,

		WebSocketMessageSendDuration,
		WebSocketPingFailures,

		MirrorPublishesTotal,
	}

	for _, metric := range metrics {
		desc := make(chan *prometheus.Desc, 1)
		metric.Describe(desc)
		close(desc)

		require.NotNil(t, <-desc, "metric should have a valid descriptor")
	}
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(WatchRowsDetected)
	WatchRowsDetected.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(WatchRowsDetected))

	beforeKind := testutil.ToFloat64(EventsPublishedTotal.WithLabelValues("row_added"))
	EventsPublishedTotal.WithLabelValues("row_added").Inc()
	assert.Equal(t, beforeKind+1, testutil.ToFloat64(EventsPublishedTotal.WithLabelValues("row_added")))
}

func TestGaugeSet(t *testing.T) {
	WatchLastRowCount.Set(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(WatchLastRowCount))
}
