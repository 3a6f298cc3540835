// Package workflow orchestrates the incident lifecycle as a durable
// Temporal workflow: evidence collection, graph assembly, root-cause
// analysis, runbook generation, gated remediation and verification.
package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/incidentops/evidence-graph/internal/approval"
	"github.com/incidentops/evidence-graph/internal/models"
	"github.com/incidentops/evidence-graph/internal/remediate"
)

// ApprovalSignalName is the signal carrying a human approval decision.
const ApprovalSignalName = "approval_decision"

// ApprovalSignal is the payload of an approval decision signal.
type ApprovalSignal struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

// Workflow statuses surfaced through the status query.
const (
	StateInitialized       = "initialized"
	StateCollecting        = "collecting_evidence"
	StateBuildingGraph     = "building_graph"
	StateAnalyzing         = "analyzing"
	StateGeneratingRunbook = "generating_runbook"
	StateEvaluatingPolicy  = "evaluating_policy"
	StateAwaitingApproval  = "awaiting_approval"
	StateApprovalDenied    = "approval_denied"
	StateRemediating       = "remediating"
	StateVerifying         = "verifying"
	StateCreatingTicket    = "creating_ticket"
	StateClosing           = "closing"
	StateCompleted         = "completed"
	StateFailed            = "failed"
)

const approvalTimeout = 4 * time.Hour

const defaultSettleWait = 2 * time.Minute

// Input parameterizes one incident workflow run.
type Input struct {
	Incident models.Incident `json:"incident"`
	// SettleWait is how long the cluster is given to settle between a
	// remediation and its verification. Zero means the default.
	SettleWait time.Duration `json:"settle_wait,omitempty"`
}

func settleWait(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultSettleWait
	}
	return d
}

// WorkflowID derives the deterministic workflow id for an incident.
func WorkflowID(incidentID string) string {
	return "incident-" + incidentID
}

// Result summarizes a finished incident workflow.
type Result struct {
	IncidentID          string              `json:"incident_id"`
	Status              string              `json:"status"`
	EvidenceCount       int                 `json:"evidence_count"`
	Hypotheses          []models.Hypothesis `json:"hypotheses"`
	Action              string              `json:"action,omitempty"`
	PolicyAllowed       bool                `json:"policy_allowed"`
	Approved            bool                `json:"approved"`
	RemediationSuccess  bool                `json:"remediation_success"`
	VerificationSuccess bool                `json:"verification_success"`
	TicketKey           string              `json:"ticket_key,omitempty"`
}

var defaultRetry = &temporal.RetryPolicy{
	InitialInterval: time.Second,
	MaximumInterval: 5 * time.Minute,
	MaximumAttempts: 3,
}

var quickRetry = &temporal.RetryPolicy{
	InitialInterval: time.Second,
	MaximumInterval: 30 * time.Second,
	MaximumAttempts: 3,
}

func withTimeout(ctx workflow.Context, timeout time.Duration, retry *temporal.RetryPolicy) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         retry,
	})
}

// IncidentWorkflow drives one incident end to end. It is deterministic;
// all side effects live in the activities.
func IncidentWorkflow(ctx workflow.Context, input Input) (*Result, error) {
	incident := input.Incident
	logger := workflow.GetLogger(ctx)
	logger.Info("Incident workflow started", "incident_id", incident.ID, "severity", incident.Severity)

	state := StateInitialized
	var hypotheses []models.Hypothesis
	evidenceCount := 0

	if err := workflow.SetQueryHandler(ctx, "status", func() (string, error) {
		return state, nil
	}); err != nil {
		return nil, err
	}
	if err := workflow.SetQueryHandler(ctx, "hypotheses", func() ([]models.Hypothesis, error) {
		return hypotheses, nil
	}); err != nil {
		return nil, err
	}
	if err := workflow.SetQueryHandler(ctx, "evidence_count", func() (int, error) {
		return evidenceCount, nil
	}); err != nil {
		return nil, err
	}

	var a *Activities
	result := &Result{IncidentID: incident.ID}

	fail := func(step string, err error) (*Result, error) {
		state = StateFailed
		result.Status = StateFailed
		logger.Error("Incident workflow failed", "step", step, "error", err)
		return result, fmt.Errorf("%s: %w", step, err)
	}

	// Step 1: evidence collection.
	state = StateCollecting
	var collected CollectResult
	if err := workflow.ExecuteActivity(withTimeout(ctx, 5*time.Minute, defaultRetry),
		a.CollectEvidence, incident).Get(ctx, &collected); err != nil {
		return fail("collect evidence", err)
	}
	evidenceCount = len(collected.Evidence)
	result.EvidenceCount = evidenceCount

	// Step 2: evidence graph.
	state = StateBuildingGraph
	var graphElements int
	if err := workflow.ExecuteActivity(withTimeout(ctx, 2*time.Minute, defaultRetry),
		a.BuildGraph, BuildGraphInput{
			IncidentID: incident.ID,
			Entities:   collected.Entities,
			Relations:  collected.Relations,
		}).Get(ctx, &graphElements); err != nil {
		return fail("build graph", err)
	}

	// Steps 3 and 4: hypotheses and ranking.
	state = StateAnalyzing
	if err := workflow.ExecuteActivity(withTimeout(ctx, 3*time.Minute, defaultRetry),
		a.GenerateHypotheses, HypothesesInput{Incident: incident, Evidence: collected.Evidence}).
		Get(ctx, &hypotheses); err != nil {
		return fail("generate hypotheses", err)
	}
	if err := workflow.ExecuteActivity(withTimeout(ctx, 30*time.Second, quickRetry),
		a.RankHypotheses, hypotheses).Get(ctx, &hypotheses); err != nil {
		return fail("rank hypotheses", err)
	}
	result.Hypotheses = hypotheses

	// Step 5: runbook.
	state = StateGeneratingRunbook
	var rb models.Runbook
	if err := workflow.ExecuteActivity(withTimeout(ctx, 30*time.Second, quickRetry),
		a.GenerateRunbook, RunbookInput{Incident: incident, Hypotheses: hypotheses}).
		Get(ctx, &rb); err != nil {
		return fail("generate runbook", err)
	}

	action := remediationAction(hypotheses)
	result.Action = action

	allowed := false
	approved := false
	remediationOK := false
	verificationOK := false
	ticketReason := ""

	if action == "" {
		ticketReason = "no automated remediation available for the top hypothesis"
	} else {
		// Steps 6 and 7: blast radius and policy.
		state = StateEvaluatingPolicy
		var blast models.BlastRadius
		if err := workflow.ExecuteActivity(withTimeout(ctx, 30*time.Second, quickRetry),
			a.EstimateBlastRadius, BlastInput{Namespace: incident.Namespace, Service: incident.Service}).
			Get(ctx, &blast); err != nil {
			return fail("estimate blast radius", err)
		}

		var decision models.PolicyDecision
		if err := workflow.ExecuteActivity(withTimeout(ctx, 30*time.Second, quickRetry),
			a.EvaluatePolicy, PolicyInput{ActionType: action, Namespace: incident.Namespace, BlastRadius: blast}).
			Get(ctx, &decision); err != nil {
			return fail("evaluate policy", err)
		}
		allowed = decision.Allowed && blast.IsAcceptable
		result.PolicyAllowed = allowed

		if !allowed {
			state = StateApprovalDenied
			ticketReason = deniedReason(decision, blast)
			logger.Info("Remediation blocked", "incident_id", incident.ID, "reason", ticketReason)
		} else {
			// Step 8: approval.
			approved = true
			if decision.RequiresApproval {
				state = StateAwaitingApproval
				var approvalResult models.ApprovalResult
				if err := workflow.ExecuteActivity(withTimeout(ctx, 30*time.Second, quickRetry),
					a.RequestApproval, ApprovalInput{Incident: incident, Action: action, BlastRadius: blast}).
					Get(ctx, &approvalResult); err != nil {
					return fail("request approval", err)
				}

				switch {
				case approvalResult.Approved:
				case approvalResult.Pending:
					approved = awaitApproval(ctx, incident.ID)
				default:
					approved = false
					ticketReason = approvalResult.Reason
				}
			}
			result.Approved = approved

			if !approved {
				state = StateApprovalDenied
				if ticketReason == "" {
					ticketReason = "remediation was not approved"
				}
			} else {
				// Step 9: remediation. No retries; repeating a half-applied
				// action is worse than filing a ticket.
				state = StateRemediating
				var actionResult models.ActionResult
				if err := workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
					StartToCloseTimeout: 5 * time.Minute,
					RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
				}), a.ExecuteRemediation, remediate.ActionRequest{
					IncidentID:   incident.ID,
					Type:         action,
					Namespace:    incident.Namespace,
					Service:      incident.Service,
					BlastScore:   blast.Score,
					AffectedPods: blast.AffectedPods,
				}).Get(ctx, &actionResult); err != nil {
					return fail("execute remediation", err)
				}
				remediationOK = actionResult.Success
				result.RemediationSuccess = remediationOK

				if remediationOK {
					// Step 10: let the cluster settle, then verify.
					if err := workflow.Sleep(ctx, settleWait(input.SettleWait)); err != nil {
						return nil, err
					}
					state = StateVerifying
					var verification models.VerificationResult
					if err := workflow.ExecuteActivity(withTimeout(ctx, 2*time.Minute, defaultRetry),
						a.VerifyRemediation, BlastInput{Namespace: incident.Namespace, Service: incident.Service}).
						Get(ctx, &verification); err != nil {
						return fail("verify remediation", err)
					}
					verificationOK = verification.Success
					result.VerificationSuccess = verificationOK
					if !verificationOK {
						ticketReason = "remediation executed but verification did not confirm recovery"
					}
				} else {
					ticketReason = "remediation action failed: " + actionResult.Error
				}
			}
		}
	}

	// Step 11: ticket for anything that is not a clean automated fix.
	needsTicket := !allowed || !remediationOK || !verificationOK
	if needsTicket {
		state = StateCreatingTicket
		if ticketReason == "" {
			ticketReason = "incident requires manual follow-up"
		}
		var ticket *approval.Ticket
		if err := workflow.ExecuteActivity(withTimeout(ctx, 30*time.Second, quickRetry),
			a.CreateTicket, TicketInput{Incident: incident, Hypotheses: hypotheses, Reason: ticketReason}).
			Get(ctx, &ticket); err != nil {
			logger.Error("Ticket creation failed", "incident_id", incident.ID, "error", err)
		} else if ticket != nil {
			result.TicketKey = ticket.Key
		}
	}

	// Step 12: close.
	state = StateClosing
	closeStatus := models.StatusClosed
	if verificationOK {
		closeStatus = models.StatusResolved
	}
	if err := workflow.ExecuteActivity(withTimeout(ctx, 30*time.Second, quickRetry),
		a.CloseIncident, CloseInput{IncidentID: incident.ID, Status: closeStatus}).
		Get(ctx, nil); err != nil {
		return fail("close incident", err)
	}

	state = StateCompleted
	result.Status = closeStatus
	logger.Info("Incident workflow completed", "incident_id", incident.ID, "status", closeStatus)
	return result, nil
}

// awaitApproval blocks on the approval signal for up to the approval
// timeout. Silence counts as a rejection.
func awaitApproval(ctx workflow.Context, incidentID string) bool {
	logger := workflow.GetLogger(ctx)
	var sig ApprovalSignal

	ch := workflow.GetSignalChannel(ctx, ApprovalSignalName)
	ok, _ := ch.ReceiveWithTimeout(ctx, approvalTimeout, &sig)
	if !ok {
		logger.Info("Approval timed out", "incident_id", incidentID)
		return false
	}
	logger.Info("Approval decision received", "incident_id", incidentID,
		"approved", sig.Approved, "approver", sig.Approver)
	return sig.Approved
}

// remediationAction picks the first executable action recommended by the
// top hypothesis. Free-text recommendations are for the runbook, not the
// executor.
func remediationAction(hypotheses []models.Hypothesis) string {
	executable := map[string]bool{
		models.ActionRestartPod:         true,
		models.ActionRestartDeployment:  true,
		models.ActionRollbackDeployment: true,
		models.ActionScaleReplicas:      true,
		models.ActionCordonNode:         true,
	}
	if len(hypotheses) == 0 {
		return ""
	}
	for _, action := range hypotheses[0].RecommendedActions {
		if executable[action] {
			return action
		}
	}
	return ""
}

func deniedReason(decision models.PolicyDecision, blast models.BlastRadius) string {
	if !decision.Allowed {
		return "policy denied remediation: " + decision.Reason
	}
	return fmt.Sprintf("blast radius %.1f exceeds the configured limit", blast.Score)
}
