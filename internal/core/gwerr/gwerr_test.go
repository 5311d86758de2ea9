package gwerr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/members", nil)
	return c, w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name           string
		write          func(*gin.Context)
		expectedStatus int
		expectedError  string
		expectedReason string
	}{
		{"auth required", AuthRequired, http.StatusUnauthorized, "Authentication required", ""},
		{"invalid token", InvalidToken, http.StatusUnauthorized, "Invalid or expired token", ""},
		{"rate limited", RateLimited, http.StatusTooManyRequests, "Too many requests, please try again later", ""},
		{"route not found", RouteNotFound, http.StatusNotFound, "Route not found", ""},
		{
			"invalid target",
			func(c *gin.Context) { InvalidTarget(c, "medical") },
			http.StatusForbidden, "Invalid proxy target", ReasonInvalidTarget,
		},
		{
			"downstream unavailable",
			func(c *gin.Context) { DownstreamUnavailable(c, "scheduling", ReasonTimeout) },
			http.StatusBadGateway, "Service temporarily unavailable", ReasonTimeout,
		},
		{
			"circuit open",
			func(c *gin.Context) { CircuitOpen(c, "payments") },
			http.StatusServiceUnavailable, "Service temporarily unavailable", ReasonCircuitOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newTestContext()
			tt.write(c)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.True(t, c.IsAborted())

			resp := decodeResponse(t, w)
			assert.Equal(t, tt.expectedError, resp.Error)
			assert.Equal(t, tt.expectedReason, resp.Reason)
			assert.NotEmpty(t, resp.Timestamp)
		})
	}
}

// 信封自动携带上下文中的关联 ID
func TestResponseCarriesCorrelationID(t *testing.T) {
	c, w := newTestContext()
	c.Set(CorrelationKey, "req-abc-123")

	RateLimited(c)

	resp := decodeResponse(t, w)
	assert.Equal(t, "req-abc-123", resp.CorrelationID)
}

// 时间戳为 RFC3339 UTC 格式
func TestResponseTimestampFormat(t *testing.T) {
	resp := New("boom")
	ts, err := time.Parse(time.RFC3339, resp.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, 5*time.Second)
}

// 服务名为空时信封不包含 service 字段
func TestResponseOmitsEmptyFields(t *testing.T) {
	c, w := newTestContext()
	RouteNotFound(c)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.NotContains(t, raw, "service")
	assert.NotContains(t, raw, "reason")
	assert.Contains(t, raw, "timestamp")
}
