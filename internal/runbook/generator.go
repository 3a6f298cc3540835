// Package runbook renders investigation guides for incidents: kubectl
// commands, PromQL queries, dashboard links and a step-by-step checklist,
// all driven by the top-ranked hypothesis.
package runbook

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/models"
)

// commandTemplates holds shell commands per action type. Placeholders:
// {namespace}, {deployment}, {service}, {pod_name}, {replicas}.
var commandTemplates = map[string][]string{
	models.ActionRestartPod: {
		"kubectl delete pod {pod_name} -n {namespace}",
		"kubectl get pods -n {namespace} -w",
	},
	models.ActionRestartDeployment: {
		"kubectl rollout restart deployment/{deployment} -n {namespace}",
		"kubectl rollout status deployment/{deployment} -n {namespace}",
	},
	models.ActionRollbackDeployment: {
		"kubectl rollout history deployment/{deployment} -n {namespace}",
		"kubectl rollout undo deployment/{deployment} -n {namespace}",
		"kubectl rollout status deployment/{deployment} -n {namespace}",
	},
	models.ActionScaleReplicas: {
		"kubectl scale deployment/{deployment} --replicas={replicas} -n {namespace}",
		"kubectl get pods -n {namespace} -l app={deployment}",
	},
	"investigate_logs": {
		"kubectl logs -n {namespace} -l app={service} --tail=100",
		"kubectl logs -n {namespace} -l app={service} --previous --tail=100",
	},
	"investigate_events": {
		"kubectl get events -n {namespace} --sort-by=.lastTimestamp",
		"kubectl describe pod -n {namespace} -l app={service}",
	},
	"investigate_resources": {
		"kubectl top pods -n {namespace}",
		"kubectl describe nodes",
	},
}

// investigationQueries holds per-category PromQL with a {namespace} slot.
var investigationQueries = map[string][]models.RunbookQuery{
	"crashloop": {
		{Name: "Restart count", Query: `increase(kube_pod_container_status_restarts_total{namespace="{namespace}"}[1h])`},
		{Name: "Container states", Query: `kube_pod_container_status_waiting_reason{namespace="{namespace}"}`},
	},
	"oom": {
		{Name: "Memory usage", Query: `container_memory_usage_bytes{namespace="{namespace}"} / container_spec_memory_limit_bytes{namespace="{namespace}"}`},
	},
	"error_rate": {
		{Name: "HTTP error rate", Query: `sum(rate(http_requests_total{namespace="{namespace}", status=~"5.."}[5m])) / sum(rate(http_requests_total{namespace="{namespace}"}[5m]))`},
	},
	"latency": {
		{Name: "P99 latency", Query: `histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{namespace="{namespace}"}[5m])) by (le))`},
	},
}

// Generator renders runbooks.
type Generator struct {
	grafanaURL string
}

// NewGenerator builds a generator that links dashboards under grafanaURL.
func NewGenerator(grafanaURL string) *Generator {
	return &Generator{grafanaURL: grafanaURL}
}

// Generate builds the runbook for an incident from its ranked hypotheses.
func (g *Generator) Generate(incident *models.Incident, hypotheses []models.Hypothesis) *models.Runbook {
	var top *models.Hypothesis
	if len(hypotheses) > 0 {
		top = &hypotheses[0]
	}

	rb := &models.Runbook{
		ID:             uuid.NewString(),
		IncidentID:     incident.ID,
		Title:          "Runbook: " + incident.Title,
		Summary:        summary(incident, top),
		Commands:       commands(incident, top),
		Queries:        queries(incident, top),
		DashboardLinks: g.dashboardLinks(incident),
		Steps:          investigationSteps(top),
		GeneratedAt:    time.Now().UTC(),
	}
	if top != nil {
		rb.TopHypothesis = top.Title
		actions := top.RecommendedActions
		if len(actions) > 3 {
			actions = actions[:3]
		}
		rb.ImmediateActions = actions
	}

	log.Info().Str("incident_id", incident.ID).Str("runbook_id", rb.ID).Msg("Generated runbook")
	return rb
}

func summary(incident *models.Incident, top *models.Hypothesis) string {
	service := incident.Service
	if service == "" {
		service = "unknown"
	}
	if top == nil {
		return fmt.Sprintf("Incident in %s/%s", incident.Namespace, service)
	}
	return fmt.Sprintf(
		"**Incident**: %s\n**Severity**: %s\n**Namespace**: %s\n**Service**: %s\n\n**Top Hypothesis** (confidence: %.0f%%):\n%s",
		incident.Title, incident.Severity, incident.Namespace, service,
		top.Confidence*100, top.Description)
}

func commands(incident *models.Incident, top *models.Hypothesis) []models.RunbookCommand {
	var cmds []models.RunbookCommand
	expand := expander(incident)

	for _, cmd := range commandTemplates["investigate_logs"] {
		cmds = append(cmds, models.RunbookCommand{Description: "View recent logs", Command: expand(cmd)})
	}
	for _, cmd := range commandTemplates["investigate_events"] {
		cmds = append(cmds, models.RunbookCommand{Description: "View recent events", Command: expand(cmd)})
	}

	if top == nil {
		return cmds
	}
	for _, action := range top.RecommendedActions {
		switch {
		case strings.HasPrefix(action, "kubectl"):
			cmds = append(cmds, models.RunbookCommand{Description: "Recommended action", Command: action})
		default:
			if templates, ok := commandTemplates[action]; ok {
				for _, cmd := range templates {
					cmds = append(cmds, models.RunbookCommand{
						Description: "Execute: " + action,
						Command:     expand(cmd),
					})
				}
			}
		}
	}
	return cmds
}

func expander(incident *models.Incident) func(string) string {
	service := incident.Service
	r := strings.NewReplacer(
		"{namespace}", incident.Namespace,
		"{deployment}", service,
		"{service}", service,
		"{pod_name}", service+"-xxx",
		"{replicas}", "3",
	)
	return r.Replace
}

func queries(incident *models.Incident, top *models.Hypothesis) []models.RunbookQuery {
	category := "unknown"
	if top != nil {
		category = top.Category
	}

	var out []models.RunbookQuery
	for _, q := range investigationQueries[categoryQueryKey(category)] {
		out = append(out, models.RunbookQuery{
			Name:  q.Name,
			Query: strings.ReplaceAll(q.Query, "{namespace}", incident.Namespace),
		})
	}
	out = append(out, models.RunbookQuery{
		Name:  "Pod restarts",
		Query: fmt.Sprintf(`increase(kube_pod_container_status_restarts_total{namespace=%q}[30m])`, incident.Namespace),
	})
	return out
}

// categoryQueryKey maps hypothesis categories onto the investigation
// query tables.
func categoryQueryKey(category string) string {
	switch category {
	case models.CategoryBadDeployment, models.CategoryExternalDependency:
		return "crashloop"
	case models.CategoryResourceExhaustion:
		return "oom"
	case models.CategoryDependencyFailure, models.CategoryNetworkIssue:
		return "error_rate"
	case models.CategoryScalingIssue:
		return "latency"
	}
	return category
}

func (g *Generator) dashboardLinks(incident *models.Incident) []models.DashboardLink {
	namespace := incident.Namespace
	service := incident.Service
	return []models.DashboardLink{
		{Name: "Kubernetes Overview", URL: fmt.Sprintf("%s/d/kubernetes-overview?var-namespace=%s", g.grafanaURL, namespace)},
		{Name: "Pod Resources", URL: fmt.Sprintf("%s/d/pod-resources?var-namespace=%s&var-pod=%s", g.grafanaURL, namespace, service)},
		{Name: "Application Metrics", URL: fmt.Sprintf("%s/d/application-metrics?var-namespace=%s&var-service=%s", g.grafanaURL, namespace, service)},
		{Name: "Logs Explorer", URL: fmt.Sprintf(
			`%s/explore?orgId=1&left=%%5B%%22now-1h%%22,%%22now%%22,%%22Loki%%22,%%7B%%22expr%%22:%%22%%7Bnamespace%%3D%%5C%%22%s%%5C%%22%%7D%%22%%7D%%5D`,
			g.grafanaURL, namespace)},
	}
}

func investigationSteps(top *models.Hypothesis) []string {
	steps := []string{
		"1. Review the incident summary and top hypothesis",
		"2. Check the investigation commands section for relevant kubectl commands",
		"3. Execute the log inspection commands to identify specific errors",
		"4. Review Prometheus queries for metric anomalies",
		"5. Open the relevant Grafana dashboards for visual analysis",
	}

	if top != nil {
		switch top.Category {
		case models.CategoryBadDeployment:
			steps = append(steps,
				"6. Check recent deployments with: kubectl rollout history",
				"7. If recent deployment is the cause, consider rollback")
		case models.CategoryResourceExhaustion:
			steps = append(steps,
				"6. Check resource limits and requests",
				"7. Review memory/CPU graphs for leak patterns")
		case models.CategoryDependencyFailure:
			steps = append(steps,
				"6. Check connectivity to external dependencies",
				"7. Verify DNS resolution and network policies")
		}
	}

	steps = append(steps,
		"8. Execute remediation if root cause is confirmed",
		"9. Monitor metrics to verify improvement")
	return steps
}
