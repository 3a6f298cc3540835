package collect

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/incidentops/evidence-graph/internal/models"
)

// ClusterStateCollector inspects pods, deployments, events, nodes and HPAs
// around the incident's namespace.
type ClusterStateCollector struct {
	client kubernetes.Interface
}

// NewClusterStateCollector builds the collector over a Kubernetes client.
func NewClusterStateCollector(client kubernetes.Interface) *ClusterStateCollector {
	return &ClusterStateCollector{client: client}
}

// Name implements Collector.
func (c *ClusterStateCollector) Name() string { return "cluster_state" }

var criticalWaitingReasons = map[string]bool{
	"CrashLoopBackOff": true,
	"ImagePullBackOff": true,
	"ErrImagePull":     true,
}

var criticalEventReasons = map[string]bool{
	"FailedScheduling": true,
	"FailedMount":      true,
	"BackOff":          true,
	"Unhealthy":        true,
	"Failed":           true,
}

// Collect implements Collector.
func (c *ClusterStateCollector) Collect(ctx context.Context, req Request) (*Result, error) {
	inc := req.Incident
	res := &Result{Collector: c.Name()}
	incidentEntityID := "incident:" + inc.ID

	res.Entities = append(res.Entities, models.GraphEntity{
		ID:   incidentEntityID,
		Type: "Incident",
		Properties: map[string]interface{}{
			"fingerprint": inc.Fingerprint,
			"title":       inc.Title,
			"severity":    inc.Severity,
			"namespace":   inc.Namespace,
			"service":     inc.Service,
		},
	})

	if err := c.collectPods(ctx, req, res, incidentEntityID); err != nil {
		return nil, err
	}
	if err := c.collectDeployments(ctx, req, res); err != nil {
		return nil, err
	}
	if err := c.collectEvents(ctx, req, res); err != nil {
		return nil, err
	}
	if err := c.collectNodes(ctx, req, res); err != nil {
		return nil, err
	}
	if err := c.collectHPAs(ctx, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *ClusterStateCollector) collectPods(ctx context.Context, req Request, res *Result, incidentEntityID string) error {
	inc := req.Incident
	opts := metav1.ListOptions{}
	if inc.Service != "" {
		opts.LabelSelector = "app=" + inc.Service
	}
	pods, err := c.client.CoreV1().Pods(inc.Namespace).List(ctx, opts)
	if err != nil {
		return fmt.Errorf("list pods: %w", err)
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		strength, waiting, terminated, restarts := podSignal(pod)

		podEntityID := fmt.Sprintf("pod:%s:%s", pod.Namespace, pod.Name)
		res.Entities = append(res.Entities, models.GraphEntity{
			ID:   podEntityID,
			Type: "Pod",
			Properties: map[string]interface{}{
				"name":      pod.Name,
				"namespace": pod.Namespace,
				"phase":     string(pod.Status.Phase),
				"node":      pod.Spec.NodeName,
			},
		})
		res.Relations = append(res.Relations, models.GraphRelation{
			SourceID: incidentEntityID,
			TargetID: podEntityID,
			Type:     "AFFECTS",
		})
		if pod.Spec.NodeName != "" {
			res.Relations = append(res.Relations, models.GraphRelation{
				SourceID: podEntityID,
				TargetID: "node:" + pod.Spec.NodeName,
				Type:     "SCHEDULED_ON",
			})
		}

		res.Evidence = append(res.Evidence, newEvidence(req, models.EvidencePodStatus, c.Name(), pod.Name, pod.Namespace, strength,
			map[string]interface{}{
				"pod_name":          pod.Name,
				"phase":             string(pod.Status.Phase),
				"restart_count":     restarts,
				"waiting_reason":    waiting,
				"terminated_reason": terminated,
				"node":              pod.Spec.NodeName,
			}))
	}
	return nil
}

// podSignal grades a pod and surfaces the dominant waiting/terminated
// reasons and the highest container restart count.
func podSignal(pod *corev1.Pod) (strength float64, waiting, terminated string, restarts int32) {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.RestartCount > restarts {
			restarts = cs.RestartCount
		}
		if cs.State.Waiting != nil && waiting == "" {
			waiting = cs.State.Waiting.Reason
		}
		if cs.LastTerminationState.Terminated != nil && terminated == "" {
			terminated = cs.LastTerminationState.Terminated.Reason
		}
	}

	switch {
	case criticalWaitingReasons[waiting]:
		strength = 0.95
	case terminated == "OOMKilled":
		strength = 0.95
	case restarts > 3:
		strength = 0.8
	case pod.Status.Phase != corev1.PodRunning:
		strength = 0.7
	default:
		strength = 0.3
	}
	return strength, waiting, terminated, restarts
}

func (c *ClusterStateCollector) collectDeployments(ctx context.Context, req Request, res *Result) error {
	inc := req.Incident
	deployments, err := c.client.AppsV1().Deployments(inc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}

	for i := range deployments.Items {
		dep := &deployments.Items[i]
		desired := int32(1)
		if dep.Spec.Replicas != nil {
			desired = *dep.Spec.Replicas
		}

		var strength float64
		switch {
		case dep.Status.UnavailableReplicas > 0:
			strength = 0.8
		case dep.Status.ReadyReplicas < desired:
			strength = 0.7
		default:
			strength = 0.3
		}

		res.Entities = append(res.Entities, models.GraphEntity{
			ID:   fmt.Sprintf("deployment:%s:%s", dep.Namespace, dep.Name),
			Type: "Deployment",
			Properties: map[string]interface{}{
				"name":      dep.Name,
				"namespace": dep.Namespace,
				"replicas":  desired,
				"ready":     dep.Status.ReadyReplicas,
			},
		})
		res.Evidence = append(res.Evidence, newEvidence(req, models.EvidenceDeploymentStatus, c.Name(), dep.Name, dep.Namespace, strength,
			map[string]interface{}{
				"deployment_name":      dep.Name,
				"desired_replicas":     desired,
				"ready_replicas":       dep.Status.ReadyReplicas,
				"unavailable_replicas": dep.Status.UnavailableReplicas,
			}))
	}
	return nil
}

func (c *ClusterStateCollector) collectEvents(ctx context.Context, req Request, res *Result) error {
	inc := req.Incident
	events, err := c.client.CoreV1().Events(inc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	for i := range events.Items {
		ev := &events.Items[i]
		if ev.LastTimestamp.Time.Before(req.WindowStart) {
			continue
		}

		var strength float64
		switch {
		case ev.Type == corev1.EventTypeWarning && criticalEventReasons[ev.Reason]:
			strength = 0.9
		case ev.Type == corev1.EventTypeWarning:
			strength = 0.7
		default:
			strength = 0.4
		}

		res.Evidence = append(res.Evidence, newEvidence(req, models.EvidenceKubeEvent, c.Name(), ev.InvolvedObject.Name, inc.Namespace, strength,
			map[string]interface{}{
				"reason":          ev.Reason,
				"message":         ev.Message,
				"event_type":      ev.Type,
				"involved_object": ev.InvolvedObject.Kind + "/" + ev.InvolvedObject.Name,
				"count":           ev.Count,
				"last_seen":       ev.LastTimestamp.Time.Format(time.RFC3339),
			}))
	}
	return nil
}

func (c *ClusterStateCollector) collectNodes(ctx context.Context, req Request, res *Result) error {
	nodes, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	for i := range nodes.Items {
		node := &nodes.Items[i]
		issues := nodeIssues(node)
		if len(issues) == 0 {
			continue
		}

		res.Entities = append(res.Entities, models.GraphEntity{
			ID:   "node:" + node.Name,
			Type: "Node",
			Properties: map[string]interface{}{
				"name":   node.Name,
				"issues": issues,
			},
		})
		res.Evidence = append(res.Evidence, newEvidence(req, models.EvidenceNodeStatus, c.Name(), node.Name, "", 0.9,
			map[string]interface{}{
				"node_name": node.Name,
				"issues":    issues,
			}))
	}
	return nil
}

// nodeIssues returns the unhealthy conditions of a node, empty when healthy.
func nodeIssues(node *corev1.Node) []string {
	var issues []string
	for _, cond := range node.Status.Conditions {
		switch cond.Type {
		case corev1.NodeReady:
			if cond.Status != corev1.ConditionTrue {
				issues = append(issues, "NotReady")
			}
		case corev1.NodeMemoryPressure, corev1.NodeDiskPressure, corev1.NodePIDPressure:
			if cond.Status == corev1.ConditionTrue {
				issues = append(issues, string(cond.Type))
			}
		}
	}
	return issues
}

func (c *ClusterStateCollector) collectHPAs(ctx context.Context, req Request, res *Result) error {
	inc := req.Incident
	hpas, err := c.client.AutoscalingV2().HorizontalPodAutoscalers(inc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list hpas: %w", err)
	}

	for i := range hpas.Items {
		hpa := &hpas.Items[i]
		atMax := hpa.Status.CurrentReplicas >= hpa.Spec.MaxReplicas
		strength := 0.3
		if atMax {
			strength = 0.8
		}

		res.Entities = append(res.Entities, models.GraphEntity{
			ID:   fmt.Sprintf("hpa:%s:%s", hpa.Namespace, hpa.Name),
			Type: "HPA",
			Properties: map[string]interface{}{
				"name":      hpa.Name,
				"namespace": hpa.Namespace,
				"at_max":    atMax,
			},
		})
		res.Evidence = append(res.Evidence, newEvidence(req, models.EvidenceHPAStatus, c.Name(), hpa.Name, hpa.Namespace, strength,
			map[string]interface{}{
				"hpa_name":         hpa.Name,
				"current_replicas": hpa.Status.CurrentReplicas,
				"max_replicas":     hpa.Spec.MaxReplicas,
				"at_max":           atMax,
			}))
	}
	return nil
}
