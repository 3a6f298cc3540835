// Package models defines the core domain types shared across the platform:
// incidents, evidence, hypotheses, graph elements and remediation results.
package models

import (
	"fmt"
	"time"
)

// Severity levels for incidents, ordered from most to least urgent.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Incident lifecycle statuses persisted in the relational store.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
	StatusClosed   = "closed"
)

// Alert is a normalized alert from any ingest source. It carries everything
// needed to open an incident, including the stable dedup fingerprint.
type Alert struct {
	Source      string            `json:"source"`
	AlertName   string            `json:"alert_name"`
	Title       string            `json:"title"`
	Severity    string            `json:"severity"`
	Cluster     string            `json:"cluster"`
	Namespace   string            `json:"namespace"`
	Service     string            `json:"service"`
	Pod         string            `json:"pod,omitempty"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"starts_at"`
	Fingerprint string            `json:"fingerprint"`
}

// Incident is the persisted record for a deduplicated alert under analysis.
type Incident struct {
	ID          string    `db:"id" json:"id"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
	Source      string    `db:"source" json:"source"`
	Title       string    `db:"title" json:"title"`
	Severity    string    `db:"severity" json:"severity"`
	Status      string    `db:"status" json:"status"`
	Cluster     string    `db:"cluster" json:"cluster"`
	Namespace   string    `db:"namespace" json:"namespace"`
	Service     string    `db:"service" json:"service"`
	Labels      JSONMap   `db:"labels" json:"labels"`
	Annotations JSONMap   `db:"annotations" json:"annotations"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
	WorkflowID  string    `db:"workflow_id" json:"workflow_id,omitempty"`
}

// Evidence types emitted by the collectors.
const (
	EvidencePodStatus        = "pod_status"
	EvidenceDeploymentStatus = "deployment_status"
	EvidenceKubeEvent        = "k8s_event"
	EvidenceNodeStatus       = "node_status"
	EvidenceHPAStatus        = "hpa_status"
	EvidenceLogErrors        = "log_errors"
	EvidenceMetricAnomaly    = "metric_anomaly"
	EvidenceRecentDeployment = "recent_deployment"
	EvidenceImageChange      = "image_change"
	EvidenceConfigChange     = "config_change"
)

// Evidence is a single observation tied to an incident. SignalStrength is
// the collector's 0..1 estimate of how indicative the observation is.
// TimeWindow is the lookback range the observation was drawn from.
type Evidence struct {
	ID              string                 `db:"id" json:"id"`
	IncidentID      string                 `db:"incident_id" json:"incident_id"`
	Type            string                 `db:"evidence_type" json:"evidence_type"`
	Source          string                 `db:"source" json:"source"`
	EntityName      string                 `db:"entity_name" json:"entity_name"`
	EntityNamespace string                 `db:"entity_namespace" json:"entity_namespace"`
	Data            map[string]interface{} `db:"-" json:"data"`
	SignalStrength  float64                `db:"signal_strength" json:"signal_strength"`
	TimeWindowStart time.Time              `db:"time_window_start" json:"time_window_start"`
	TimeWindowEnd   time.Time              `db:"time_window_end" json:"time_window_end"`
	CollectedAt     time.Time              `db:"collected_at" json:"collected_at"`
}

// GraphEntity is a node to upsert into the evidence graph.
type GraphEntity struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
}

// GraphRelation is a directed edge between two graph entities.
type GraphRelation struct {
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	Type       string                 `json:"relation_type"`
	Properties map[string]interface{} `json:"properties"`
}

// Root-cause categories a hypothesis can belong to.
const (
	CategoryBadDeployment      = "bad_deployment"
	CategoryResourceExhaustion = "resource_exhaustion"
	CategoryConfigurationError = "configuration_error"
	CategoryInfrastructure     = "infrastructure_issue"
	CategoryDependencyFailure  = "dependency_failure"
	CategoryNetworkIssue       = "network_issue"
	CategoryScalingIssue       = "scaling_issue"
	CategorySecurityIssue      = "security_issue"
	CategoryExternalDependency = "external_dependency"
	CategoryDataIssue          = "data_issue"
	CategoryUnknown            = "unknown"
)

// Hypothesis is a candidate root cause produced by the rules engine and
// scored by the ranker. Rank is 1-based and contiguous after ranking.
type Hypothesis struct {
	ID                 string   `json:"id"`
	IncidentID         string   `json:"incident_id"`
	RuleID             string   `json:"rule_id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Category           string   `json:"category"`
	Confidence         float64  `json:"confidence"`
	FinalScore         float64  `json:"final_score"`
	Rank               int      `json:"rank"`
	SupportCount       int      `json:"support_count"`
	SignalStrength     float64  `json:"signal_strength"`
	SupportingEvidence []string `json:"supporting_evidence"`
	RecommendedActions []string `json:"recommended_actions"`
}

// Remediation action types the executor understands.
const (
	ActionRestartPod         = "restart_pod"
	ActionRestartDeployment  = "restart_deployment"
	ActionRollbackDeployment = "rollback_deployment"
	ActionScaleReplicas      = "scale_replicas"
	ActionCordonNode         = "cordon_node"
)

// Lifecycle statuses of a remediation action record.
const (
	ActionStatusProposed        = "proposed"
	ActionStatusPendingApproval = "pending_approval"
	ActionStatusApproved        = "approved"
	ActionStatusRejected        = "rejected"
	ActionStatusExecuting       = "executing"
	ActionStatusCompleted       = "completed"
	ActionStatusFailed          = "failed"
	ActionStatusRolledBack      = "rolled_back"
	ActionStatusSkipped         = "skipped"
)

// Risk levels assigned to remediation actions.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

var actionRisk = map[string]string{
	ActionRestartPod:         RiskLow,
	ActionRestartDeployment:  RiskLow,
	ActionScaleReplicas:      RiskLow,
	ActionRollbackDeployment: RiskMedium,
	ActionCordonNode:         RiskMedium,
}

// ActionRiskLevel returns the risk class of an action type. Unknown
// actions are treated as high risk.
func ActionRiskLevel(actionType string) string {
	if risk, ok := actionRisk[actionType]; ok {
		return risk
	}
	return RiskHigh
}

// RemediationAction is the audit record for one attempted remediation.
// The idempotency key makes a retried execution in the same hour bucket
// a no-op at the record level.
type RemediationAction struct {
	ID               string    `db:"id" json:"id"`
	IncidentID       string    `db:"incident_id" json:"incident_id"`
	IdempotencyKey   string    `db:"idempotency_key" json:"idempotency_key"`
	ActionType       string    `db:"action_type" json:"action_type"`
	TargetResource   string    `db:"target_resource" json:"target_resource"`
	TargetNamespace  string    `db:"target_namespace" json:"target_namespace"`
	TargetCluster    string    `db:"target_cluster" json:"target_cluster,omitempty"`
	Parameters       JSONDoc   `db:"parameters" json:"parameters,omitempty"`
	RiskLevel        string    `db:"risk_level" json:"risk_level"`
	BlastRadiusScore float64   `db:"blast_radius_score" json:"blast_radius_score"`
	AffectedReplicas int       `db:"affected_replicas" json:"affected_replicas"`
	Environment      string    `db:"environment" json:"environment"`
	Status           string    `db:"status" json:"status"`
	StatusReason     string    `db:"status_reason" json:"status_reason,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// ActionIdempotencyKey builds "<incident>_<type>_<target>_<hour>", the
// key that deduplicates action executions within one UTC hour bucket.
func ActionIdempotencyKey(incidentID, actionType, target string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s", incidentID, actionType, target, at.UTC().Format("2006010215"))
}

// ActionResult reports the outcome of one executed remediation action.
type ActionResult struct {
	Success bool                   `json:"success"`
	Action  string                 `json:"action"`
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// BlastRadius estimates the impact of remediating a service.
type BlastRadius struct {
	Score               float64 `json:"score"`
	AffectedPods        int     `json:"affected_pods"`
	AffectedDeployments int     `json:"affected_deployments"`
	IsAcceptable        bool    `json:"is_acceptable"`
	Reason              string  `json:"reason,omitempty"`
}

// PolicyDecision is the answer from the external policy engine.
type PolicyDecision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason"`
}

// ApprovalResult is the outcome of an approval request.
type ApprovalResult struct {
	Approved  bool   `json:"approved"`
	Pending   bool   `json:"pending,omitempty"`
	Reason    string `json:"reason,omitempty"`
	MessageTS string `json:"message_ts,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

// VerificationResult reports whether a remediation actually helped.
type VerificationResult struct {
	Success         bool                   `json:"success"`
	MetricsImproved bool                   `json:"metrics_improved"`
	AllPodsHealthy  bool                   `json:"all_pods_healthy"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

// Runbook is the generated investigation and remediation guide.
type Runbook struct {
	ID               string           `json:"id"`
	IncidentID       string           `json:"incident_id"`
	Title            string           `json:"title"`
	TopHypothesis    string           `json:"top_hypothesis,omitempty"`
	Summary          string           `json:"summary"`
	ImmediateActions []string         `json:"immediate_actions"`
	Commands         []RunbookCommand `json:"investigation_commands"`
	Queries          []RunbookQuery   `json:"prometheus_queries"`
	DashboardLinks   []DashboardLink  `json:"dashboard_links"`
	Steps            []string         `json:"investigation_steps"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// RunbookCommand is one ready-to-paste shell command.
type RunbookCommand struct {
	Description string `json:"description"`
	Command     string `json:"command"`
}

// RunbookQuery is one PromQL investigation query.
type RunbookQuery struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

// DashboardLink points at a dashboard relevant to the incident.
type DashboardLink struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}
