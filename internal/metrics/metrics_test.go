package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMiddleware_RecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	before := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/ping", "2xx"))

	r := gin.New()
	r.Use(Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	after := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/ping", "2xx"))
	assert.Equal(t, before+1, after)
}

func TestHandler_ServesMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)

	IntentsIssuedTotal.WithLabelValues("payin").Inc()

	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowd_intents_issued_total")
}

func TestStatusBucket(t *testing.T) {
	assert.Equal(t, "2xx", statusBucket(200))
	assert.Equal(t, "2xx", statusBucket(201))
	assert.Equal(t, "3xx", statusBucket(301))
	assert.Equal(t, "4xx", statusBucket(404))
	assert.Equal(t, "5xx", statusBucket(500))
}
