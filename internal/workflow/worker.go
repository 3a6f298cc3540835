package workflow

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/incidentops/evidence-graph/internal/models"
)

// Starter launches incident workflows from the gateway.
type Starter struct {
	client     client.Client
	taskQueue  string
	settleWait time.Duration
}

// NewStarter builds a Starter over an existing Temporal client.
// settleWait is passed through to every workflow it starts.
func NewStarter(c client.Client, taskQueue string, settleWait time.Duration) *Starter {
	return &Starter{client: c, taskQueue: taskQueue, settleWait: settleWait}
}

// StartIncidentWorkflow begins the durable analysis of a new incident and
// returns the workflow id.
func (s *Starter) StartIncidentWorkflow(ctx context.Context, incident *models.Incident) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(incident.ID),
		TaskQueue: s.taskQueue,
	}
	run, err := s.client.ExecuteWorkflow(ctx, opts, IncidentWorkflow, Input{
		Incident:   *incident,
		SettleWait: s.settleWait,
	})
	if err != nil {
		return "", fmt.Errorf("start incident workflow: %w", err)
	}
	return run.GetID(), nil
}

// SignalApproval delivers a human approval decision to a running workflow.
func (s *Starter) SignalApproval(ctx context.Context, incidentID string, sig ApprovalSignal) error {
	return s.client.SignalWorkflow(ctx, WorkflowID(incidentID), "", ApprovalSignalName, sig)
}

// NewWorker builds the Temporal worker hosting the incident workflow and
// its activities.
func NewWorker(c client.Client, taskQueue string, activities *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(IncidentWorkflow)
	w.RegisterActivity(activities)
	return w
}
