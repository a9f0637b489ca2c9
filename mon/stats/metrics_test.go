package stats

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExportsMonitorMetrics(t *testing.T) {
	MonitorEpochGauge.Set(7)
	MonitorRoundCounter.WithLabelValues("committed").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "MapMon_monitor_epoch 7")
	assert.Contains(t, body, `MapMon_monitor_rounds{result="committed"}`)
	assert.Contains(t, body, "go_goroutines")
}

func TestLoopPushingMetricDisabled(t *testing.T) {
	// returns at once without a gateway
	LoopPushingMetric("mapmon", "test", "", 15)
}
