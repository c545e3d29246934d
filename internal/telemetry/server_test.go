package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"trade_engine/internal/core"
	"trade_engine/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHealth struct{ s core.HealthSummary }

func (h *stubHealth) Summary(context.Context) core.HealthSummary { return h.s }

func TestHealthzReflectsSummary(t *testing.T) {
	healthy := &stubHealth{s: core.HealthSummary{
		OK:         true,
		Components: map[string]bool{"db": true},
		PerSymbol:  map[string]core.SymbolStatus{"BTC/USDT": {Running: true}},
	}}
	srv := NewServer(0, prometheus.NewRegistry(), healthy, logging.NewNop())

	rec := httptest.NewRecorder()
	srv.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var got core.HealthSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.True(t, got.PerSymbol["BTC/USDT"].Running)

	degraded := &stubHealth{s: core.HealthSummary{OK: false}}
	srv = NewServer(0, prometheus.NewRegistry(), degraded, logging.NewNop())
	rec = httptest.NewRecorder()
	srv.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
