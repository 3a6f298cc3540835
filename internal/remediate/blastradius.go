// Package remediate estimates remediation impact, executes approved
// actions against the cluster and verifies the outcome.
package remediate

import (
	"context"
	"math"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/models"
)

// criticalNamespaces get a surcharge because collateral damage there
// tends to cascade.
var criticalNamespaces = map[string]bool{
	"default":       true,
	"platform":      true,
	"core-services": true,
}

func environmentMultiplier(env string) float64 {
	switch env {
	case "dev":
		return 1.0
	case "staging":
		return 2.0
	case "uat":
		return 2.5
	case "prod":
		return 5.0
	}
	return 3.0
}

// BlastRadiusEstimator scores how risky remediating a service would be.
type BlastRadiusEstimator struct {
	client      kubernetes.Interface
	environment string
	maxScore    float64
}

// NewBlastRadiusEstimator builds an estimator. maxScore is the threshold
// above which remediation is considered unacceptable.
func NewBlastRadiusEstimator(client kubernetes.Interface, environment string, maxScore float64) *BlastRadiusEstimator {
	return &BlastRadiusEstimator{client: client, environment: environment, maxScore: maxScore}
}

// Estimate computes the blast radius of touching service in namespace.
// When the cluster cannot be inspected the estimate pessimistically maxes
// out so the policy gate blocks the action.
func (e *BlastRadiusEstimator) Estimate(ctx context.Context, namespace, service string) models.BlastRadius {
	dep, err := e.client.AppsV1().Deployments(namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		log.Warn().Err(err).Str("namespace", namespace).Str("service", service).
			Msg("Blast radius lookup failed, assuming worst case")
		return models.BlastRadius{
			Score:        100,
			IsAcceptable: false,
			Reason:       "cluster lookup failed: " + err.Error(),
		}
	}

	pods := 1
	if dep.Spec.Replicas != nil && *dep.Spec.Replicas > 0 {
		pods = int(*dep.Spec.Replicas)
	}
	deployments := 1

	score := float64(5*pods + 10*deployments)
	if criticalNamespaces[namespace] {
		score *= 1.5
	}
	score *= environmentMultiplier(e.environment)
	score = math.Min(score, 100)
	score = math.Round(score*100) / 100

	return models.BlastRadius{
		Score:               score,
		AffectedPods:        pods,
		AffectedDeployments: deployments,
		IsAcceptable:        score < e.maxScore,
	}
}
