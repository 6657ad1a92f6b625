package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()

	m.FilesScanned.WithLabelValues("python").Add(3)
	m.FilesScanned.WithLabelValues("javascript").Inc()
	m.ScanFailures.WithLabelValues("python").Inc()
	m.Evaluations.WithLabelValues("failed").Inc()
	m.Violations.WithLabelValues("critical").Add(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.FilesScanned.WithLabelValues("python")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesScanned.WithLabelValues("javascript")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScanFailures.WithLabelValues("python")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Violations.WithLabelValues("critical")))
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()

	a.ActiveRuns.Set(5)
	b.ActiveRuns.Set(1)

	assert.Equal(t, 5.0, testutil.ToFloat64(a.ActiveRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.ActiveRuns))
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New()
	m.GraphNodes.Set(42)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipewright_graph_nodes 42")
}
