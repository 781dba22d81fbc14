package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReportExposesPerWorkerAndAggregatedSeries(t *testing.T) {
	r := New()
	r.Report(WorkerSample{WorkerID: "0", DBKeysCount: 10, UptimeSeconds: 5})
	r.Report(WorkerSample{WorkerID: "1", DBKeysCount: 20, UptimeSeconds: 7})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	require.Contains(t, body, `cachegrand_db_keys_count{worker="0"} 10`)
	require.Contains(t, body, `cachegrand_db_keys_count{worker="1"} 20`)
	require.Contains(t, body, `cachegrand_db_keys_count{worker="aggregated"} 30`)
	require.Contains(t, body, `cachegrand_uptime{worker="aggregated"} 7`)
}

func TestNewPicksUpEnvLabels(t *testing.T) {
	t.Setenv("CACHEGRAND_METRIC_ENV_REGION", "us-east")

	r := New()
	r.Report(WorkerSample{WorkerID: "0", DBKeysCount: 1})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	require.True(t, strings.Contains(body, `region="us-east"`))
}
