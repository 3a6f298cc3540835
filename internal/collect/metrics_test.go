package collect

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/evidence-graph/internal/models"
)

type stubRangeQuerier struct {
	values  []float64
	queries []string
}

func (s *stubRangeQuerier) QueryRange(_ context.Context, query string, _, _ time.Time, _ time.Duration) (model.Matrix, error) {
	s.queries = append(s.queries, query)
	samples := make([]model.SamplePair, len(s.values))
	for i, v := range s.values {
		samples[i] = model.SamplePair{Timestamp: model.Time(i), Value: model.SampleValue(v)}
	}
	return model.Matrix{&model.SampleStream{Values: samples}}, nil
}

func TestQueryStep(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 15*time.Second, queryStep(now.Add(-15*time.Minute), now), "short windows floor at 15s")
	assert.Equal(t, 6*time.Minute, queryStep(now.Add(-10*time.Hour), now))
}

func TestFlattenMatrixDropsInfinities(t *testing.T) {
	matrix := model.Matrix{&model.SampleStream{Values: []model.SamplePair{
		{Timestamp: 1, Value: 1},
		{Timestamp: 2, Value: model.SampleValue(math.Inf(1))},
		{Timestamp: 3, Value: 3},
	}}}
	assert.Equal(t, []float64{1, 3}, flattenMatrix(matrix))
	assert.Nil(t, flattenMatrix(model.Matrix{}))
}

func TestFlattenMatrixMergesSeriesByTimestamp(t *testing.T) {
	matrix := model.Matrix{
		&model.SampleStream{Values: []model.SamplePair{
			{Timestamp: 10, Value: 1},
			{Timestamp: 30, Value: 3},
		}},
		&model.SampleStream{Values: []model.SamplePair{
			{Timestamp: 20, Value: 2},
			{Timestamp: 40, Value: 4},
		}},
	}
	assert.Equal(t, []float64{1, 2, 3, 4}, flattenMatrix(matrix), "every series contributes, ordered by timestamp")
}

func TestDecimate(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i)
	}
	out := decimate(values, 10)
	assert.LessOrEqual(t, len(out), 10)
	assert.Equal(t, 0.0, out[0])

	short := []float64{1, 2, 3}
	assert.Equal(t, short, decimate(short, 10), "short series pass through")
}

func TestGradeMetric(t *testing.T) {
	cases := []struct {
		name      string
		value     float64
		anomalous bool
		strength  float64
	}{
		{"pod_restart_increase", 6, true, 0.9},
		{"pod_restart_increase", 3, true, 0.7},
		{"pod_restart_increase", 0.5, true, 0.5},
		{"pod_restart_increase", 0, false, 0.3},
		{"http_5xx_error_ratio", 0.2, true, 0.9},
		{"http_5xx_error_ratio", 0.06, true, 0.8},
		{"http_5xx_error_ratio", 0.02, true, 0.6},
		{"container_memory_usage_percent", 95, true, 0.9},
		{"container_memory_usage_percent", 85, true, 0.7},
		{"container_memory_usage_percent", 75, true, 0.5},
		{"http_latency_p99_seconds", 6, true, 0.9},
		{"http_latency_p99_seconds", 3, true, 0.7},
		{"container_cpu_throttling_ratio", 0.6, true, 0.8},
		{"container_cpu_throttling_ratio", 0.2, true, 0.6},
		{"container_oom_events", 1, true, 0.95},
		{"hpa_at_max", 1, true, 0.8},
		{"hpa_at_max", 0, false, 0.3},
		{"something_else", 1000, false, 0.3},
	}
	for _, tc := range cases {
		anomalous, strength := gradeMetric(tc.name, tc.value)
		assert.Equal(t, tc.anomalous, anomalous, "%s=%v", tc.name, tc.value)
		assert.Equal(t, tc.strength, strength, "%s=%v", tc.name, tc.value)
	}
}

func TestCategoriesFor(t *testing.T) {
	assert.Equal(t, []string{"deployment", "resource"}, categoriesFor("SomethingOdd"))
	assert.Equal(t, []string{"deployment", "resource", "crashloop"}, categoriesFor("PodCrashLooping"))
	assert.Equal(t, []string{"deployment", "resource", "oom", "error_rate"}, categoriesFor("MemoryErrorsHigh"))
	assert.Equal(t, []string{"deployment", "resource", "hpa"}, categoriesFor("ScalingLimitReached"))
}

func TestRenderQuery(t *testing.T) {
	expr := `kube_deployment_status_replicas_unavailable{namespace="{{namespace}}", deployment=~"{{deployment}}"}`
	rendered := renderQuery(expr, "payments", "checkout", "checkout")
	assert.Equal(t, `kube_deployment_status_replicas_unavailable{namespace="payments", deployment=~"checkout"}`, rendered)

	wildcarded := renderQuery(`{pod=~"{{pod_prefix}}.*"}`, "payments", "", "")
	assert.Equal(t, `{pod=~".*.*"}`, wildcarded)
}

func TestMetricsCollectSelectsCategoriesAndGrades(t *testing.T) {
	q := &stubRangeQuerier{values: []float64{1, 2, 6}}
	c := NewMetricsCollector(q, 500)

	res, err := c.Collect(context.Background(), testRequest())
	require.NoError(t, err)

	// deployment (2) + resource (2) + crashloop (2) catalog queries.
	assert.Len(t, q.queries, 6)

	anomalies := evidenceOfType(res.Evidence, models.EvidenceMetricAnomaly)
	require.Len(t, anomalies, 6)

	byName := map[string]models.Evidence{}
	for _, ev := range anomalies {
		byName[ev.Data["query_name"].(string)] = ev
	}

	restarts, ok := byName["pod_restart_increase"]
	require.True(t, ok)
	assert.Equal(t, true, restarts.Data["is_anomalous"], "graded on the latest sample")
	assert.Equal(t, 0.9, restarts.SignalStrength)
	assert.Equal(t, 6.0, restarts.Data["max_value"])
	assert.Equal(t, 6.0, restarts.Data["current_value"])
	assert.Contains(t, restarts.Data["query"], `namespace="payments"`)
	assert.Contains(t, restarts.Data["query"], `pod=~"checkout.*"`)
}

func TestMetricsCollectRecoveredSpikeNotAnomalous(t *testing.T) {
	q := &stubRangeQuerier{values: []float64{0.9, 0.001}}
	c := NewMetricsCollector(q, 500)

	req := testRequest()
	req.Incident.Labels = models.JSONMap{"alertname": "HighErrorRate"}

	res, err := c.Collect(context.Background(), req)
	require.NoError(t, err)

	var errorRatio *models.Evidence
	for i := range res.Evidence {
		if res.Evidence[i].Data["query_name"] == "http_5xx_error_ratio" {
			errorRatio = &res.Evidence[i]
		}
	}
	require.NotNil(t, errorRatio)
	assert.Equal(t, false, errorRatio.Data["is_anomalous"], "a spike that already recovered is not an anomaly")
	assert.Equal(t, 0.3, errorRatio.SignalStrength)
	assert.Equal(t, 0.001, errorRatio.Data["current_value"])
	assert.Equal(t, 0.9, errorRatio.Data["max_value"])
}

func TestMetricsCollectUsesAlertnameLabel(t *testing.T) {
	q := &stubRangeQuerier{values: []float64{0.2}}
	c := NewMetricsCollector(q, 500)

	req := testRequest()
	req.Incident.Title = "custom title"
	req.Incident.Labels = models.JSONMap{"alertname": "HighLatency"}

	_, err := c.Collect(context.Background(), req)
	require.NoError(t, err)

	var sawLatency bool
	for _, query := range q.queries {
		if query == renderQuery(queryCatalog["latency"][0].Expr, "payments", "checkout", "checkout") {
			sawLatency = true
		}
	}
	assert.True(t, sawLatency)
}
