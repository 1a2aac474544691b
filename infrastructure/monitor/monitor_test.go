package monitor

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorCounters(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordOrderPlaced("buy")
	m.RecordOrderPlaced("buy")
	m.RecordOrderRejected("sell")
	m.RecordWSConnection("public")
	m.RecordPriceDropped()
	m.RecordCycleCompleted()
	m.UpdateLastPrice(101.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersPlaced.WithLabelValues("buy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersRejected.WithLabelValues("sell")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsConnections.WithLabelValues("public")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pricesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles))
	assert.Equal(t, 101.5, testutil.ToFloat64(m.lastPrice))
}

func TestNilMonitorIsNoop(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.RecordOrderPlaced("buy")
		m.RecordFill("buy", "filled")
		m.UpdateEngineState(1)
		m.RecordRESTLatency("order", 0.1)
	})
}

func TestMonitorHandler(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordRegeneration(100)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "okx_grid_anchor_price 100"))
}
