// Package collect gathers evidence about an incident from the cluster, the
// log store, the metrics store and the deployment change history. The four
// collectors run in parallel and a failing collector degrades the evidence
// set instead of failing the run.
package collect

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/incidentops/evidence-graph/internal/models"
)

var collectorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "aiops_collector_duration_seconds",
	Help: "Time each evidence collector spends per incident.",
}, []string{"collector_name"})

// Request describes what the collectors should look at.
type Request struct {
	Incident    *models.Incident
	WindowStart time.Time
	WindowEnd   time.Time
}

// Result is the envelope every collector returns. Err carries a collector
// failure as data so one broken backend never sinks the fan-out.
type Result struct {
	Collector string                 `json:"collector"`
	Evidence  []models.Evidence      `json:"evidence"`
	Entities  []models.GraphEntity   `json:"entities"`
	Relations []models.GraphRelation `json:"relations"`
	Err       string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

// Collector is one evidence source.
type Collector interface {
	Name() string
	Collect(ctx context.Context, req Request) (*Result, error)
}

// RunAll executes all collectors in parallel and returns one Result per
// collector, in collector order. Individual failures are captured in the
// Result's Err field.
func RunAll(ctx context.Context, collectors []Collector, req Request) []*Result {
	results := make([]*Result, len(collectors))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range collectors {
		g.Go(func() error {
			start := time.Now()
			res, err := c.Collect(gctx, req)
			elapsed := time.Since(start)
			collectorDuration.WithLabelValues(c.Name()).Observe(elapsed.Seconds())

			if err != nil {
				log.Warn().Err(err).Str("collector", c.Name()).Msg("Collector failed")
				res = &Result{Collector: c.Name(), Err: err.Error()}
			}
			res.Duration = elapsed

			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// MergeResults flattens collector results into the combined evidence set
// and graph elements, skipping failed collectors.
func MergeResults(results []*Result) ([]models.Evidence, []models.GraphEntity, []models.GraphRelation) {
	var evidence []models.Evidence
	var entities []models.GraphEntity
	var relations []models.GraphRelation
	for _, res := range results {
		if res == nil || res.Err != "" {
			continue
		}
		evidence = append(evidence, res.Evidence...)
		entities = append(entities, res.Entities...)
		relations = append(relations, res.Relations...)
	}
	return evidence, entities, relations
}

func newEvidence(req Request, evidenceType, source, entityName, entityNamespace string, strength float64, data map[string]interface{}) models.Evidence {
	return models.Evidence{
		ID:              uuid.NewString(),
		IncidentID:      req.Incident.ID,
		Type:            evidenceType,
		Source:          source,
		EntityName:      entityName,
		EntityNamespace: entityNamespace,
		Data:            data,
		SignalStrength:  strength,
		TimeWindowStart: req.WindowStart,
		TimeWindowEnd:   req.WindowEnd,
		CollectedAt:     time.Now().UTC(),
	}
}
