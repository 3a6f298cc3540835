package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/incidentops/evidence-graph/internal/approval"
	"github.com/incidentops/evidence-graph/internal/models"
	"github.com/incidentops/evidence-graph/internal/remediate"
)

func workflowIncident() models.Incident {
	return models.Incident{
		ID:        "inc-1",
		Title:     "HighErrorRate: checkout",
		Severity:  models.SeverityCritical,
		Status:    models.StatusOpen,
		Namespace: "payments",
		Service:   "checkout",
	}
}

func workflowInput() Input {
	return Input{Incident: workflowIncident()}
}

func rankedHypotheses() []models.Hypothesis {
	return []models.Hypothesis{{
		ID:                 "hyp-1",
		IncidentID:         "inc-1",
		RuleID:             "recent_deploy_crashloop",
		Title:              "Bad deployment causing crash loop",
		Category:           models.CategoryBadDeployment,
		Confidence:         0.88,
		Rank:               1,
		RecommendedActions: []string{models.ActionRollbackDeployment, "Review the changes in the recent deployment"},
	}}
}

// newEnv mocks the pipeline up to and including runbook generation, which
// every scenario shares.
func newEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(IncidentWorkflow)

	a := &Activities{}
	env.OnActivity(a.CollectEvidence, mock.Anything, mock.Anything).Return(&CollectResult{
		Evidence: []models.Evidence{
			{ID: "ev-1", Type: models.EvidencePodStatus, SignalStrength: 0.95},
			{ID: "ev-2", Type: models.EvidenceRecentDeployment, SignalStrength: 0.8},
		},
		Entities: []models.GraphEntity{{ID: "incident:inc-1", Type: "Incident"}},
	}, nil)
	env.OnActivity(a.BuildGraph, mock.Anything, mock.Anything).Return(1, nil)
	env.OnActivity(a.GenerateHypotheses, mock.Anything, mock.Anything).Return(rankedHypotheses(), nil)
	env.OnActivity(a.RankHypotheses, mock.Anything, mock.Anything).Return(rankedHypotheses(), nil)
	env.OnActivity(a.GenerateRunbook, mock.Anything, mock.Anything).Return(&models.Runbook{ID: "rb-1"}, nil)
	return env, a
}

func acceptableBlast() models.BlastRadius {
	return models.BlastRadius{Score: 30, AffectedPods: 4, AffectedDeployments: 1, IsAcceptable: true}
}

func TestWorkflowHappyPathResolvesIncident(t *testing.T) {
	env, a := newEnv(t)
	env.OnActivity(a.EstimateBlastRadius, mock.Anything, mock.Anything).Return(acceptableBlast(), nil)
	env.OnActivity(a.EvaluatePolicy, mock.Anything, mock.Anything).
		Return(models.PolicyDecision{Allowed: true, RequiresApproval: false, Reason: "allowed"}, nil)
	env.OnActivity(a.ExecuteRemediation, mock.Anything, mock.Anything).
		Return(models.ActionResult{Success: true, Action: models.ActionRollbackDeployment}, nil)
	env.OnActivity(a.VerifyRemediation, mock.Anything, mock.Anything).
		Return(models.VerificationResult{Success: true, MetricsImproved: true, AllPodsHealthy: true}, nil)
	env.OnActivity(a.CloseIncident, mock.Anything, CloseInput{IncidentID: "inc-1", Status: models.StatusResolved}).
		Return(nil)

	env.ExecuteWorkflow(IncidentWorkflow, workflowInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, models.StatusResolved, result.Status)
	assert.Equal(t, models.ActionRollbackDeployment, result.Action)
	assert.True(t, result.PolicyAllowed)
	assert.True(t, result.RemediationSuccess)
	assert.True(t, result.VerificationSuccess)
	assert.Equal(t, 2, result.EvidenceCount)
	assert.Empty(t, result.TicketKey, "clean remediation files no ticket")
	env.AssertExpectations(t)
}

func TestWorkflowPolicyDeniedFilesTicket(t *testing.T) {
	env, a := newEnv(t)
	env.OnActivity(a.EstimateBlastRadius, mock.Anything, mock.Anything).Return(acceptableBlast(), nil)
	env.OnActivity(a.EvaluatePolicy, mock.Anything, mock.Anything).
		Return(models.PolicyDecision{Allowed: false, Reason: "prod freeze active"}, nil)
	env.OnActivity(a.CreateTicket, mock.Anything, mock.MatchedBy(func(in TicketInput) bool {
		return in.Reason == "policy denied remediation: prod freeze active"
	})).Return(&approval.Ticket{Key: "OPS-7"}, nil)
	env.OnActivity(a.CloseIncident, mock.Anything, CloseInput{IncidentID: "inc-1", Status: models.StatusClosed}).
		Return(nil)

	env.ExecuteWorkflow(IncidentWorkflow, workflowInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, models.StatusClosed, result.Status)
	assert.False(t, result.PolicyAllowed)
	assert.False(t, result.RemediationSuccess)
	assert.Equal(t, "OPS-7", result.TicketKey)
	env.AssertExpectations(t)
}

func TestWorkflowUnacceptableBlastRadiusBlocksRemediation(t *testing.T) {
	env, a := newEnv(t)
	env.OnActivity(a.EstimateBlastRadius, mock.Anything, mock.Anything).
		Return(models.BlastRadius{Score: 100, IsAcceptable: false}, nil)
	env.OnActivity(a.EvaluatePolicy, mock.Anything, mock.Anything).
		Return(models.PolicyDecision{Allowed: true, Reason: "allowed"}, nil)
	env.OnActivity(a.CreateTicket, mock.Anything, mock.Anything).Return(&approval.Ticket{Key: "OPS-8"}, nil)
	env.OnActivity(a.CloseIncident, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(IncidentWorkflow, workflowInput())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.False(t, result.PolicyAllowed)
	assert.False(t, result.RemediationSuccess)
}

func TestWorkflowApprovalSignalApproves(t *testing.T) {
	env, a := newEnv(t)
	env.OnActivity(a.EstimateBlastRadius, mock.Anything, mock.Anything).Return(acceptableBlast(), nil)
	env.OnActivity(a.EvaluatePolicy, mock.Anything, mock.Anything).
		Return(models.PolicyDecision{Allowed: true, RequiresApproval: true, Reason: "allowed"}, nil)
	env.OnActivity(a.RequestApproval, mock.Anything, mock.Anything).
		Return(models.ApprovalResult{Pending: true, MessageTS: "123.456", Channel: "#incidents"}, nil)
	env.OnActivity(a.ExecuteRemediation, mock.Anything, mock.MatchedBy(func(req remediate.ActionRequest) bool {
		return req.Type == models.ActionRollbackDeployment && req.Namespace == "payments"
	})).Return(models.ActionResult{Success: true}, nil)
	env.OnActivity(a.VerifyRemediation, mock.Anything, mock.Anything).
		Return(models.VerificationResult{Success: true, MetricsImproved: true, AllPodsHealthy: true}, nil)
	env.OnActivity(a.CloseIncident, mock.Anything, CloseInput{IncidentID: "inc-1", Status: models.StatusResolved}).
		Return(nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalSignalName, ApprovalSignal{Approved: true, Approver: "oncall"})
	}, time.Minute)

	env.ExecuteWorkflow(IncidentWorkflow, workflowInput())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.True(t, result.Approved)
	assert.Equal(t, models.StatusResolved, result.Status)
}

func TestWorkflowApprovalTimeoutDenies(t *testing.T) {
	env, a := newEnv(t)
	env.OnActivity(a.EstimateBlastRadius, mock.Anything, mock.Anything).Return(acceptableBlast(), nil)
	env.OnActivity(a.EvaluatePolicy, mock.Anything, mock.Anything).
		Return(models.PolicyDecision{Allowed: true, RequiresApproval: true, Reason: "allowed"}, nil)
	env.OnActivity(a.RequestApproval, mock.Anything, mock.Anything).
		Return(models.ApprovalResult{Pending: true}, nil)
	env.OnActivity(a.CreateTicket, mock.Anything, mock.Anything).Return(&approval.Ticket{Key: "OPS-9"}, nil)
	env.OnActivity(a.CloseIncident, mock.Anything, CloseInput{IncidentID: "inc-1", Status: models.StatusClosed}).
		Return(nil)

	env.ExecuteWorkflow(IncidentWorkflow, workflowInput())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.False(t, result.Approved)
	assert.Equal(t, models.StatusClosed, result.Status)
	assert.Equal(t, "OPS-9", result.TicketKey)
}

func TestWorkflowFailedRemediationFilesTicket(t *testing.T) {
	env, a := newEnv(t)
	env.OnActivity(a.EstimateBlastRadius, mock.Anything, mock.Anything).Return(acceptableBlast(), nil)
	env.OnActivity(a.EvaluatePolicy, mock.Anything, mock.Anything).
		Return(models.PolicyDecision{Allowed: true, Reason: "allowed"}, nil)
	env.OnActivity(a.ExecuteRemediation, mock.Anything, mock.Anything).
		Return(models.ActionResult{Success: false, Error: "no previous revision to roll back to"}, nil)
	env.OnActivity(a.CreateTicket, mock.Anything, mock.MatchedBy(func(in TicketInput) bool {
		return in.Reason == "remediation action failed: no previous revision to roll back to"
	})).Return(&approval.Ticket{Key: "OPS-10"}, nil)
	env.OnActivity(a.CloseIncident, mock.Anything, CloseInput{IncidentID: "inc-1", Status: models.StatusClosed}).
		Return(nil)

	env.ExecuteWorkflow(IncidentWorkflow, workflowInput())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.False(t, result.RemediationSuccess)
	assert.Equal(t, models.StatusClosed, result.Status)
	env.AssertExpectations(t)
}

func TestWorkflowNoExecutableActionSkipsRemediation(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(IncidentWorkflow)

	a := &Activities{}
	manual := []models.Hypothesis{{
		ID:                 "hyp-1",
		Title:              "Configuration error",
		Category:           models.CategoryConfigurationError,
		Confidence:         0.75,
		Rank:               1,
		RecommendedActions: []string{"Fix the configuration and redeploy"},
	}}
	env.OnActivity(a.CollectEvidence, mock.Anything, mock.Anything).Return(&CollectResult{}, nil)
	env.OnActivity(a.BuildGraph, mock.Anything, mock.Anything).Return(0, nil)
	env.OnActivity(a.GenerateHypotheses, mock.Anything, mock.Anything).Return(manual, nil)
	env.OnActivity(a.RankHypotheses, mock.Anything, mock.Anything).Return(manual, nil)
	env.OnActivity(a.GenerateRunbook, mock.Anything, mock.Anything).Return(&models.Runbook{}, nil)
	env.OnActivity(a.CreateTicket, mock.Anything, mock.MatchedBy(func(in TicketInput) bool {
		return in.Reason == "no automated remediation available for the top hypothesis"
	})).Return(nil, nil)
	env.OnActivity(a.CloseIncident, mock.Anything, CloseInput{IncidentID: "inc-1", Status: models.StatusClosed}).
		Return(nil)

	env.ExecuteWorkflow(IncidentWorkflow, workflowInput())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Empty(t, result.Action)
	assert.Empty(t, result.TicketKey)
	env.AssertExpectations(t)
}

func TestWorkflowStatusQuery(t *testing.T) {
	env, a := newEnv(t)
	env.OnActivity(a.EstimateBlastRadius, mock.Anything, mock.Anything).Return(acceptableBlast(), nil)
	env.OnActivity(a.EvaluatePolicy, mock.Anything, mock.Anything).
		Return(models.PolicyDecision{Allowed: true, Reason: "allowed"}, nil)
	env.OnActivity(a.ExecuteRemediation, mock.Anything, mock.Anything).
		Return(models.ActionResult{Success: true}, nil)
	env.OnActivity(a.VerifyRemediation, mock.Anything, mock.Anything).
		Return(models.VerificationResult{Success: true, AllPodsHealthy: true}, nil)
	env.OnActivity(a.CloseIncident, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(IncidentWorkflow, workflowInput())
	require.True(t, env.IsWorkflowCompleted())

	status, err := env.QueryWorkflow("status")
	require.NoError(t, err)
	var state string
	require.NoError(t, status.Get(&state))
	assert.Equal(t, StateCompleted, state)

	count, err := env.QueryWorkflow("evidence_count")
	require.NoError(t, err)
	var n int
	require.NoError(t, count.Get(&n))
	assert.Equal(t, 2, n)

	hyps, err := env.QueryWorkflow("hypotheses")
	require.NoError(t, err)
	var listed []models.Hypothesis
	require.NoError(t, hyps.Get(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, models.CategoryBadDeployment, listed[0].Category)
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "incident-inc-1", WorkflowID("inc-1"))
}

func TestSettleWait(t *testing.T) {
	assert.Equal(t, 2*time.Minute, settleWait(0), "zero falls back to the default")
	assert.Equal(t, 2*time.Minute, settleWait(-time.Second))
	assert.Equal(t, 10*time.Minute, settleWait(10*time.Minute))
}

func TestWorkflowHonorsConfiguredSettleWait(t *testing.T) {
	env, a := newEnv(t)
	env.OnActivity(a.EstimateBlastRadius, mock.Anything, mock.Anything).Return(acceptableBlast(), nil)
	env.OnActivity(a.EvaluatePolicy, mock.Anything, mock.Anything).
		Return(models.PolicyDecision{Allowed: true, Reason: "allowed"}, nil)
	env.OnActivity(a.ExecuteRemediation, mock.Anything, mock.MatchedBy(func(req remediate.ActionRequest) bool {
		return req.IncidentID == "inc-1" && req.BlastScore == 30 && req.AffectedPods == 4
	})).Return(models.ActionResult{Success: true}, nil)
	env.OnActivity(a.VerifyRemediation, mock.Anything, mock.Anything).
		Return(models.VerificationResult{Success: true, AllPodsHealthy: true}, nil)
	env.OnActivity(a.CloseIncident, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(IncidentWorkflow, Input{Incident: workflowIncident(), SettleWait: 30 * time.Minute})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.True(t, result.VerificationSuccess)
	env.AssertExpectations(t)
}

func TestRemediationActionSelection(t *testing.T) {
	assert.Empty(t, remediationAction(nil))
	assert.Empty(t, remediationAction([]models.Hypothesis{{RecommendedActions: []string{"Check the dashboard"}}}))
	assert.Equal(t, models.ActionScaleReplicas, remediationAction([]models.Hypothesis{
		{RecommendedActions: []string{"Raise HPA limits", models.ActionScaleReplicas}},
	}))
}
