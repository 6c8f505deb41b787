package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("trace"))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestNewLoggerTo_WritesComponentAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "engine", "warn")

	logger.Info().Msg("hidden")
	logger.Warn().Str("owner", "0xa").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "0xa", line["owner"])
	assert.Contains(t, line, "time")
}

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Operations.WithLabelValues("fund", "ok").Inc()
	m.TreasuryBalance.Set(1.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("fund", "ok")))
	n, err := testutil.GatherAndCount(reg, "paramify_operations_total", "paramify_treasury_balance")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Panics(t, func() { NewMetrics(reg) }, "registering twice must fail")
}
