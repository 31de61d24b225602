package server

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.RecordCommand("PING")
	m.RecordCommand("PING")
	m.RecordError("PROTOCOL")
	m.RecordCalls(2, 3)
	m.RecordBinaryBytes(512)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commandsTotal.WithLabelValues("PING")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.relayPortsInUse))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `huddle_commands_total{verb="PING"} 2`)
	assert.Contains(t, string(body), `huddle_errors_total{code="PROTOCOL"} 1`)
	assert.Contains(t, string(body), "huddle_active_calls 2")
	assert.Contains(t, string(body), "huddle_binary_bytes_received_total 512")
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordActiveConnections(1)
		m.RecordAuthenticatedUsers(1)
		m.RecordCommand("PING")
		m.RecordError("INTERNAL")
		m.RecordBroadcast(1, 1, 1)
		m.RecordCalls(1, 1)
		m.RecordBinaryBytes(1)
	})
}

func TestServerCountsCommands(t *testing.T) {
	ts := startServer(t)
	c := ts.dial(t)

	_, err := c.Request("PING")
	require.NoError(t, err)
	_, err = c.Request("LIST_CONVERSATIONS")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.Metrics().commandsTotal.WithLabelValues("PING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.Metrics().errorsTotal.WithLabelValues("UNAUTHENTICATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.Metrics().activeConnections))
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{protocolError("bad"), "PROTOCOL"},
		{ErrUnauthenticated, "UNAUTHENTICATED"},
		{ErrAuthFailed, "AUTH_FAILED"},
		{storeError("GetUser", errDiskFull), "PERSISTENCE"},
		{ErrPermission, "PERMISSION"},
		{ErrResourceExhausted, "EXHAUSTED"},
		{io.ErrUnexpectedEOF, "INTERNAL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, errorCode(tt.err), tt.err.Error())
	}
	assert.Equal(t, "internal error", errorMessage("INTERNAL", io.ErrUnexpectedEOF))
}
