package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveMessage("insert", DirectionIn)
		m.ObserveRoute("insert", "local")
		m.ObserveJoin("forwarded")
		m.ObserveMigration(3)
		m.ObserveDrop()
	})

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, m.Instrument("query", h))
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveMessage("insert", DirectionOut)
	m.ObserveMessage("insert", DirectionOut)
	m.ObserveMessage("query", DirectionIn)
	m.ObserveRoute("insert", "successor")
	m.ObserveJoin("first_peer")
	m.ObserveMigration(4)
	m.ObserveMigration(0)
	m.ObserveDrop()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("insert", DirectionOut)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("query", DirectionIn)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routes.WithLabelValues("insert", "successor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.joins.WithLabelValues("first_peer")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.migrations))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.migrated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped))
}

func TestMetrics_Instrument(t *testing.T) {
	m := New()

	ok := m.Instrument("query", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	missing := m.Instrument("insert", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))

	for i := 0; i < 3; i++ {
		ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	missing.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/", nil))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.requests.WithLabelValues("query", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("insert", "4xx")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight.WithLabelValues("query")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveDrop()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "simpledht_dropped_messages_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
