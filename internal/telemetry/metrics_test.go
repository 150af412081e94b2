package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_RegistersOnce(t *testing.T) {
	h := Handler()
	require.NotPanics(t, func() { Handler() })

	JobsDemoted.Add(2)
	EventsReceived.WithLabelValues("notify_status_update").Inc()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "printlog_jobs_demoted_total")
	assert.Contains(t, string(body), `printlog_events_received_total{method="notify_status_update"}`)
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(ImportOutcomes.WithLabelValues("imported"))
	ImportOutcomes.WithLabelValues("imported").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ImportOutcomes.WithLabelValues("imported")))

	ConnectionsByState.WithLabelValues("streaming").Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(ConnectionsByState.WithLabelValues("streaming")))
}
