package collect

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/models"
)

// RangeQuerier is the slice of the metrics store the collector needs.
type RangeQuerier interface {
	QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) (model.Matrix, error)
}

// MetricsCollector runs the embedded PromQL catalog against the metrics
// store and flags anomalous series.
type MetricsCollector struct {
	querier   RangeQuerier
	maxPoints int
}

// NewMetricsCollector builds the collector. maxPoints caps the number of
// samples kept per query before decimation.
func NewMetricsCollector(querier RangeQuerier, maxPoints int) *MetricsCollector {
	return &MetricsCollector{querier: querier, maxPoints: maxPoints}
}

// Name implements Collector.
func (c *MetricsCollector) Name() string { return "metrics" }

const keptValues = 50

// Collect implements Collector.
func (c *MetricsCollector) Collect(ctx context.Context, req Request) (*Result, error) {
	inc := req.Incident
	res := &Result{Collector: c.Name()}

	step := queryStep(req.WindowStart, req.WindowEnd)
	for _, category := range categoriesFor(alertNameOf(inc)) {
		for _, q := range queryCatalog[category] {
			expr := renderQuery(q.Expr, inc.Namespace, inc.Service, inc.Service)
			matrix, err := c.querier.QueryRange(ctx, expr, req.WindowStart, req.WindowEnd, step)
			if err != nil {
				log.Warn().Err(err).Str("query", q.Name).Msg("Metric query failed")
				continue
			}

			values := flattenMatrix(matrix)
			if len(values) == 0 {
				continue
			}
			values = decimate(values, c.maxPoints)

			// The grade reads the latest sample; a spike that already
			// recovered is context, not an anomaly.
			current := values[len(values)-1]
			peak := maxValue(values)
			anomalous, strength := gradeMetric(q.Name, current)

			res.Evidence = append(res.Evidence, newEvidence(req, models.EvidenceMetricAnomaly, c.Name(), inc.Service, inc.Namespace, strength,
				map[string]interface{}{
					"query_name":    q.Name,
					"category":      category,
					"query":         expr,
					"current_value": current,
					"max_value":     peak,
					"is_anomalous":  anomalous,
					"values":        tail(values, keptValues),
				}))
		}
	}
	return res, nil
}

func alertNameOf(inc *models.Incident) string {
	if name, ok := inc.Labels["alertname"]; ok {
		return name
	}
	return inc.Title
}

// queryStep sizes the range-query resolution: about 100 points across the
// window, never finer than 15s.
func queryStep(start, end time.Time) time.Duration {
	step := end.Sub(start) / 100
	if step < 15*time.Second {
		step = 15 * time.Second
	}
	return step
}

// flattenMatrix merges every series' samples into one timestamp-ordered
// value list, dropping infinities that division-based queries produce
// around missing limits.
func flattenMatrix(matrix model.Matrix) []float64 {
	var samples []model.SamplePair
	for _, series := range matrix {
		for _, sample := range series.Values {
			if math.IsInf(float64(sample.Value), 0) {
				continue
			}
			samples = append(samples, sample)
		}
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp < samples[j].Timestamp
	})
	var values []float64
	for _, sample := range samples {
		values = append(values, float64(sample.Value))
	}
	return values
}

// decimate strides a series down to at most maxPoints samples.
func decimate(values []float64, maxPoints int) []float64 {
	if maxPoints <= 0 || len(values) <= maxPoints {
		return values
	}
	stride := len(values) / maxPoints
	if stride < 1 {
		stride = 1
	}
	out := make([]float64, 0, maxPoints)
	for i := 0; i < len(values); i += stride {
		out = append(out, values[i])
	}
	return out
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

func maxValue(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// gradeMetric applies the per-query anomaly thresholds, keyed by keywords
// in the query name.
func gradeMetric(name string, value float64) (bool, float64) {
	lower := strings.ToLower(name)
	contains := func(s string) bool { return strings.Contains(lower, s) }

	switch {
	case contains("restart"):
		switch {
		case value > 5:
			return true, 0.9
		case value > 2:
			return true, 0.7
		case value > 0:
			return true, 0.5
		}
	case contains("error") || contains("5xx"):
		switch {
		case value > 0.1:
			return true, 0.9
		case value > 0.05:
			return true, 0.8
		case value > 0.01:
			return true, 0.6
		}
	case contains("memory") || contains("usage"):
		switch {
		case value > 90:
			return true, 0.9
		case value > 80:
			return true, 0.7
		case value > 70:
			return true, 0.5
		}
	case contains("latency"):
		switch {
		case value > 5:
			return true, 0.9
		case value > 2:
			return true, 0.7
		case value > 1:
			return true, 0.5
		}
	case contains("throttl"):
		switch {
		case value > 0.5:
			return true, 0.8
		case value > 0.1:
			return true, 0.6
		}
	case contains("oom"):
		if value > 0 {
			return true, 0.95
		}
	case contains("hpa") && contains("max"):
		if value == 1 {
			return true, 0.8
		}
	}
	return false, 0.3
}
