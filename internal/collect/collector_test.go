package collect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/evidence-graph/internal/models"
)

type staticCollector struct {
	name string
	res  *Result
	err  error
}

func (s *staticCollector) Name() string { return s.name }

func (s *staticCollector) Collect(context.Context, Request) (*Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

func TestRunAllKeepsOrderAndCapturesFailures(t *testing.T) {
	collectors := []Collector{
		&staticCollector{name: "a", res: &Result{
			Collector: "a",
			Evidence:  []models.Evidence{{ID: "ev-a", Type: models.EvidencePodStatus}},
			Entities:  []models.GraphEntity{{ID: "pod:x"}},
		}},
		&staticCollector{name: "b", err: errors.New("backend down")},
		&staticCollector{name: "c", res: &Result{
			Collector: "c",
			Evidence:  []models.Evidence{{ID: "ev-c", Type: models.EvidenceLogErrors}},
			Relations: []models.GraphRelation{{SourceID: "pod:x", TargetID: "node:y", Type: "SCHEDULED_ON"}},
		}},
	}

	results := RunAll(context.Background(), collectors, testRequest())
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Collector)
	assert.Equal(t, "b", results[1].Collector)
	assert.Equal(t, "backend down", results[1].Err)
	assert.Equal(t, "c", results[2].Collector)

	evidence, entities, relations := MergeResults(results)
	assert.Len(t, evidence, 2)
	assert.Len(t, entities, 1)
	assert.Len(t, relations, 1)
}

func TestMergeResultsSkipsNil(t *testing.T) {
	evidence, entities, relations := MergeResults([]*Result{nil})
	assert.Empty(t, evidence)
	assert.Empty(t, entities)
	assert.Empty(t, relations)
}
