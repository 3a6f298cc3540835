// Package rules turns collected evidence into root-cause hypotheses using
// a fixed, deterministic diagnosis catalog. No learning, no DSL: the same
// evidence always yields the same hypotheses.
package rules

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/models"
)

// Condition kinds. The last four have no signal extractor yet; rules that
// include them cannot fire until the corresponding collector support lands.
const (
	condWaitingReason     = "waiting_reason"
	condTerminatedReason  = "terminated_reason"
	condRecentDeploy      = "recent_deploy"
	condNoRecentDeploy    = "no_recent_deploy"
	condMemoryUsageHigh   = "memory_usage_high"
	condHPAAtMax          = "hpa_at_max"
	condLatencyHigh       = "latency_high"
	condLogPattern        = "log_pattern"
	condNodeUnhealthy     = "node_unhealthy"
	condMultiplePodsNode  = "multiple_pods_same_node"
	condPodNotReady       = "pod_not_ready"
	condReadinessFailing  = "readiness_probe_failing"
	condNetworkErrorsHigh = "network_errors_high"
)

// Condition is one requirement of a diagnosis rule.
type Condition struct {
	Kind   string
	Values []string
}

// Rule maps an evidence pattern to a hypothesis. All conditions must match.
type Rule struct {
	ID             string
	Name           string
	Category       string
	Hypothesis     string
	Description    string
	BaseConfidence float64
	Conditions     []Condition
	Actions        []string
}

var diagnosisRules = []Rule{
	{
		ID:             "crashloop_recent_deploy",
		Name:           "Bad Deployment - CrashLoop",
		Category:       models.CategoryBadDeployment,
		Hypothesis:     "Recent deployment caused application crash",
		Description:    "The application started crash looping immediately after a deployment. The new code or configuration likely contains a bug that prevents startup.",
		BaseConfidence: 0.90,
		Conditions: []Condition{
			{Kind: condWaitingReason, Values: []string{"CrashLoopBackOff"}},
			{Kind: condRecentDeploy},
		},
		Actions: []string{
			models.ActionRollbackDeployment,
			"Check application logs for startup errors",
			"Review recent code changes in the deployment",
		},
	},
	{
		ID:             "crashloop_no_change",
		Name:           "Runtime Error - CrashLoop",
		Category:       models.CategoryExternalDependency,
		Hypothesis:     "Application crashing due to external dependency or data issue",
		Description:    "The application is crash looping but there were no recent deployments. This suggests an issue with external dependencies, database state, or corrupted data.",
		BaseConfidence: 0.75,
		Conditions: []Condition{
			{Kind: condWaitingReason, Values: []string{"CrashLoopBackOff"}},
			{Kind: condNoRecentDeploy},
		},
		Actions: []string{
			models.ActionRestartPod,
			"Check external service connectivity",
			"Verify database connections",
			"Review application logs for dependency errors",
		},
	},
	{
		ID:             "oom_killed",
		Name:           "Memory Exhaustion",
		Category:       models.CategoryResourceExhaustion,
		Hypothesis:     "Container killed due to memory limit exceeded",
		Description:    "The container was terminated because it exceeded its memory limit. This could be a memory leak, insufficient limits, or a sudden spike in memory usage.",
		BaseConfidence: 0.95,
		Conditions: []Condition{
			{Kind: condTerminatedReason, Values: []string{"OOMKilled"}},
		},
		Actions: []string{
			"Increase memory limits if appropriate",
			"Check for memory leaks in application",
			"Review memory usage patterns",
			models.ActionRestartDeployment,
		},
	},
	{
		ID:             "oom_high_memory",
		Name:           "Memory Pressure",
		Category:       models.CategoryResourceExhaustion,
		Hypothesis:     "Container approaching memory limit",
		Description:    "The container is using over 90% of its memory limit and is at risk of OOMKill. Memory limits may be too low or there's a memory leak.",
		BaseConfidence: 0.80,
		Conditions: []Condition{
			{Kind: condMemoryUsageHigh},
		},
		Actions: []string{
			"Increase memory limits",
			"Investigate memory usage patterns",
			"Check for memory leaks",
		},
	},
	{
		ID:             "image_pull_failure",
		Name:           "Image Pull Error",
		Category:       models.CategoryConfigurationError,
		Hypothesis:     "Failed to pull container image",
		Description:    "The container cannot start because the image cannot be pulled. This could be due to incorrect image tag, registry authentication issues, or network problems.",
		BaseConfidence: 0.95,
		Conditions: []Condition{
			{Kind: condWaitingReason, Values: []string{"ImagePullBackOff", "ErrImagePull", "ImageInspectError"}},
		},
		Actions: []string{
			"Verify image tag exists in registry",
			"Check imagePullSecrets configuration",
			"Verify registry authentication",
			"Check network connectivity to registry",
		},
	},
	{
		ID:             "node_failure_isolated",
		Name:           "Node-Specific Issue",
		Category:       models.CategoryInfrastructure,
		Hypothesis:     "Failures isolated to problematic node",
		Description:    "Multiple pods are failing and they're all on the same node which has unhealthy conditions. The node infrastructure is the likely root cause.",
		BaseConfidence: 0.85,
		Conditions: []Condition{
			{Kind: condMultiplePodsNode},
			{Kind: condNodeUnhealthy, Values: []string{"DiskPressure", "MemoryPressure", "PIDPressure", "NetworkUnavailable"}},
		},
		Actions: []string{
			models.ActionCordonNode,
			"Migrate pods to healthy nodes",
			"Investigate node health",
			"Check node resource usage",
		},
	},
	{
		ID:             "hpa_maxed",
		Name:           "Scaling Limit Reached",
		Category:       models.CategoryScalingIssue,
		Hypothesis:     "HPA at maximum capacity with high latency",
		Description:    "The Horizontal Pod Autoscaler is at maximum replicas but latency remains high. The service needs more capacity than currently configured.",
		BaseConfidence: 0.80,
		Conditions: []Condition{
			{Kind: condHPAAtMax},
			{Kind: condLatencyHigh},
		},
		Actions: []string{
			models.ActionScaleReplicas,
			"Increase HPA max replicas",
			"Review resource requests/limits",
			"Consider adding nodes to cluster",
		},
	},
	{
		ID:             "readiness_probe_failing",
		Name:           "Readiness Probe Failure",
		Category:       models.CategoryDependencyFailure,
		Hypothesis:     "Pods failing readiness probe",
		Description:    "Pods are not becoming ready because the readiness probe is failing. This usually indicates the application cannot serve traffic due to dependency issues.",
		BaseConfidence: 0.75,
		Conditions: []Condition{
			{Kind: condPodNotReady},
			{Kind: condReadinessFailing},
		},
		Actions: []string{
			"Check application health endpoints",
			"Verify database connections",
			"Check external service dependencies",
			"Review probe configuration",
		},
	},
	{
		ID:             "config_error",
		Name:           "Configuration Error",
		Category:       models.CategoryConfigurationError,
		Hypothesis:     "Container configuration error",
		Description:    "The container cannot run due to a configuration issue such as missing volumes, invalid environment variables, or security context problems.",
		BaseConfidence: 0.90,
		Conditions: []Condition{
			{Kind: condTerminatedReason, Values: []string{"ContainerCannotRun", "CreateContainerConfigError"}},
		},
		Actions: []string{
			"Check ConfigMap and Secret references",
			"Verify volume mounts",
			"Review container security context",
			"Check environment variable configurations",
		},
	},
	{
		ID:             "network_error",
		Name:           "Network Connectivity Issue",
		Category:       models.CategoryNetworkIssue,
		Hypothesis:     "Network connectivity problems",
		Description:    "The application is experiencing network connectivity issues. This could be DNS problems, service mesh issues, or network policy restrictions.",
		BaseConfidence: 0.70,
		Conditions: []Condition{
			{Kind: condLogPattern, Values: []string{"network", "connection"}},
			{Kind: condNetworkErrorsHigh},
		},
		Actions: []string{
			"Check DNS resolution",
			"Verify network policies",
			"Check service mesh configuration",
			"Test connectivity to external services",
		},
	},
}

const maxSupportingEvidence = 5

// Engine matches evidence against the diagnosis catalog.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine over the built-in catalog.
func NewEngine() *Engine {
	return &Engine{rules: diagnosisRules}
}

// GenerateHypotheses matches the evidence set against every rule and
// returns the resulting hypotheses sorted by confidence. When nothing
// matches it returns a single low-confidence unknown hypothesis so the
// workflow always has something to act on.
func (e *Engine) GenerateHypotheses(incident *models.Incident, evidence []models.Evidence) []models.Hypothesis {
	signals := ExtractSignals(evidence)

	var hypotheses []models.Hypothesis
	for _, rule := range e.rules {
		matchCount, strength := matchRule(rule, signals)
		if matchCount != len(rule.Conditions) || len(rule.Conditions) == 0 {
			continue
		}

		confidence := calculateConfidence(rule.BaseConfidence, matchCount, strength)
		hypotheses = append(hypotheses, models.Hypothesis{
			ID:                 uuid.NewString(),
			IncidentID:         incident.ID,
			RuleID:             rule.ID,
			Title:              rule.Name,
			Description:        rule.Description,
			Category:           rule.Category,
			Confidence:         confidence,
			SupportCount:       matchCount,
			SignalStrength:     strength,
			SupportingEvidence: firstN(signals.EvidenceIDs, maxSupportingEvidence),
			RecommendedActions: rule.Actions,
		})
		log.Info().Str("rule_id", rule.ID).Float64("confidence", confidence).Msg("Rule matched")
	}

	sort.SliceStable(hypotheses, func(i, j int) bool {
		return hypotheses[i].Confidence > hypotheses[j].Confidence
	})

	if len(hypotheses) == 0 {
		hypotheses = append(hypotheses, unknownHypothesis(incident, signals))
	}
	return hypotheses
}

// matchRule counts matching conditions and averages their strengths over
// the total condition count.
func matchRule(rule Rule, signals *Signals) (int, float64) {
	matched := 0
	strength := 0.0
	for _, cond := range rule.Conditions {
		ok, s := checkCondition(cond, signals)
		if ok {
			matched++
			strength += s
		}
	}
	total := len(rule.Conditions)
	if total == 0 {
		return 0, 0
	}
	return matched, strength / float64(total)
}

func checkCondition(cond Condition, signals *Signals) (bool, float64) {
	switch cond.Kind {
	case condWaitingReason:
		return anyInSet(signals.WaitingReasons, cond.Values), 0.9
	case condTerminatedReason:
		return anyInSet(signals.TerminatedReasons, cond.Values), 0.9
	case condRecentDeploy:
		return signals.HasRecentDeploy, 0.8
	case condNoRecentDeploy:
		return !signals.HasRecentDeploy, 0.6
	case condMemoryUsageHigh:
		return signals.MemoryUsageHigh, 0.85
	case condHPAAtMax:
		return signals.HPAAtMax, 0.75
	case condLatencyHigh:
		return signals.LatencyHigh, 0.7
	case condLogPattern:
		return anyInSet(signals.LogPatterns, cond.Values), 0.65
	case condNodeUnhealthy:
		return len(signals.NodeIssues) > 0, 0.8
	}
	return false, 0
}

func anyInSet(set map[string]bool, values []string) bool {
	for _, v := range values {
		if set[v] {
			return true
		}
	}
	return false
}

func calculateConfidence(base float64, matchCount int, strength float64) float64 {
	confidence := base*0.6 + strength*0.4
	if matchCount > 2 {
		confidence = math.Min(confidence*1.1, 0.99)
	}
	return math.Round(confidence*1000) / 1000
}

func unknownHypothesis(incident *models.Incident, signals *Signals) models.Hypothesis {
	return models.Hypothesis{
		ID:                 uuid.NewString(),
		IncidentID:         incident.ID,
		RuleID:             "unknown",
		Title:              "Unknown Issue",
		Description:        "No specific pattern matched. Manual investigation required.",
		Category:           models.CategoryUnknown,
		Confidence:         0.3,
		Rank:               1,
		SupportingEvidence: firstN(signals.EvidenceIDs, maxSupportingEvidence),
		RecommendedActions: []string{
			"Review application logs",
			"Check recent deployments",
			"Verify external dependencies",
			"Escalate to engineering team",
		},
	}
}

func firstN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
