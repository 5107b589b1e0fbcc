package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveToolExecution(t *testing.T) {
	before := testutil.ToFloat64(toolExecutions.WithLabelValues("system.echo", "success"))
	ObserveToolExecution("system.echo", "success", 10*time.Millisecond)
	after := testutil.ToFloat64(toolExecutions.WithLabelValues("system.echo", "success"))
	assert.Equal(t, before+1, after)
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObservePipelineRun("success", time.Second)
	ObserveHTTPRequest("/api/v1/tools", http.MethodGet, http.StatusOK, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "openmcp_pipeline_runs_total"))
	assert.True(t, strings.Contains(body, `openmcp_http_requests_total{code="200",handler="/api/v1/tools",method="GET"}`))
}
