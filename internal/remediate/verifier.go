package remediate

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/models"
)

// ScalarQuerier is the slice of the metrics store the verifier needs.
type ScalarQuerier interface {
	QueryScalar(ctx context.Context, query string, ts time.Time) (*float64, error)
}

// Verifier checks whether a remediation actually improved the service.
type Verifier struct {
	metrics ScalarQuerier
	client  kubernetes.Interface
}

// NewVerifier builds a verifier over the metrics store and cluster.
func NewVerifier(metrics ScalarQuerier, client kubernetes.Interface) *Verifier {
	return &Verifier{metrics: metrics, client: client}
}

// Verify compares error rates and restart counts against the state 15
// minutes ago and checks pod health. Success requires both an improving
// signal and a fully healthy pod set.
func (v *Verifier) Verify(ctx context.Context, namespace, service string) models.VerificationResult {
	now := time.Now().UTC()

	errImproved, errDetail := v.errorRateImproved(ctx, namespace, service, now)
	restImproved, restDetail := v.restartsImproved(ctx, namespace, service, now)
	allHealthy, healthDetail := v.podsHealthy(ctx, namespace, service)

	metricsImproved := errImproved || restImproved || allHealthy
	result := models.VerificationResult{
		Success:         metricsImproved && allHealthy,
		MetricsImproved: metricsImproved,
		AllPodsHealthy:  allHealthy,
		Details: map[string]interface{}{
			"error_rate": errDetail,
			"restarts":   restDetail,
			"pod_health": healthDetail,
		},
	}

	log.Info().Str("namespace", namespace).Str("service", service).
		Bool("success", result.Success).Bool("all_pods_healthy", allHealthy).
		Msg("Remediation verified")
	return result
}

func (v *Verifier) errorRateImproved(ctx context.Context, namespace, service string, now time.Time) (bool, map[string]interface{}) {
	query := fmt.Sprintf(
		`sum(rate(http_requests_total{namespace=%q, pod=~"%s.*", status=~"5.."}[5m])) / sum(rate(http_requests_total{namespace=%q, pod=~"%s.*"}[5m]))`,
		namespace, service, namespace, service)

	current, err := v.metrics.QueryScalar(ctx, query, now)
	if err != nil {
		log.Warn().Err(err).Msg("Error-rate verification query failed")
		return false, map[string]interface{}{"error": err.Error()}
	}
	before, err := v.metrics.QueryScalar(ctx, query+" offset 15m", now)
	if err != nil {
		log.Warn().Err(err).Msg("Error-rate baseline query failed")
		return false, map[string]interface{}{"error": err.Error()}
	}

	detail := map[string]interface{}{"current": current, "before": before}
	if current == nil || before == nil {
		return false, detail
	}
	return *current < *before, detail
}

func (v *Verifier) restartsImproved(ctx context.Context, namespace, service string, now time.Time) (bool, map[string]interface{}) {
	query := fmt.Sprintf(
		`sum(increase(kube_pod_container_status_restarts_total{namespace=%q, pod=~"%s.*"}[5m]))`,
		namespace, service)

	current, err := v.metrics.QueryScalar(ctx, query, now)
	if err != nil {
		log.Warn().Err(err).Msg("Restart verification query failed")
		return false, map[string]interface{}{"error": err.Error()}
	}
	before, err := v.metrics.QueryScalar(ctx, query+" offset 15m", now)
	if err != nil {
		log.Warn().Err(err).Msg("Restart baseline query failed")
		return false, map[string]interface{}{"error": err.Error()}
	}

	detail := map[string]interface{}{"current": current, "before": before}
	if current == nil || before == nil {
		return false, detail
	}
	return *current <= *before, detail
}

func (v *Verifier) podsHealthy(ctx context.Context, namespace, service string) (bool, map[string]interface{}) {
	pods, err := v.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + service,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Pod health check failed")
		return false, map[string]interface{}{"error": err.Error()}
	}

	healthy := 0
	for i := range pods.Items {
		if podIsHealthy(&pods.Items[i]) {
			healthy++
		}
	}
	detail := map[string]interface{}{"total": len(pods.Items), "healthy": healthy}
	return healthy == len(pods.Items), detail
}

func podIsHealthy(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
