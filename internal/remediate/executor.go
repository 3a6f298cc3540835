package remediate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	autoscalingv1 "k8s.io/api/autoscaling/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/models"
)

// ActionRequest asks the executor to run one remediation action. The
// incident id and blast figures feed the action audit record.
type ActionRequest struct {
	IncidentID   string                 `json:"incident_id"`
	Type         string                 `json:"type"`
	Namespace    string                 `json:"namespace"`
	Service      string                 `json:"service"`
	Params       map[string]interface{} `json:"params,omitempty"`
	BlastScore   float64                `json:"blast_score,omitempty"`
	AffectedPods int                    `json:"affected_pods,omitempty"`
}

// Executor runs remediation actions against the cluster.
type Executor struct {
	client kubernetes.Interface
}

// NewExecutor builds an executor over a Kubernetes client.
func NewExecutor(client kubernetes.Interface) *Executor {
	return &Executor{client: client}
}

// Execute dispatches an action to its handler. Unknown action types are a
// result, not an error, so the workflow can record and escalate them.
func (e *Executor) Execute(ctx context.Context, req ActionRequest) models.ActionResult {
	var result models.ActionResult
	switch req.Type {
	case models.ActionRestartPod:
		result = e.restartPod(ctx, req)
	case models.ActionRestartDeployment:
		result = e.restartDeployment(ctx, req)
	case models.ActionRollbackDeployment:
		result = e.rollbackDeployment(ctx, req)
	case models.ActionScaleReplicas:
		result = e.scaleReplicas(ctx, req)
	case models.ActionCordonNode:
		result = e.cordonNode(ctx, req)
	default:
		result = models.ActionResult{
			Success: false,
			Error:   "Unknown action type: " + req.Type,
		}
	}
	result.Action = req.Type

	evt := log.Info()
	if !result.Success {
		evt = log.Warn()
	}
	evt.Str("action", req.Type).Bool("success", result.Success).Str("namespace", req.Namespace).
		Msg("Remediation action executed")
	return result
}

func fail(err error) models.ActionResult {
	return models.ActionResult{Success: false, Error: err.Error()}
}

// restartPod deletes the target pod so its controller replaces it. With no
// explicit pod_name the first non-running pod of the service is chosen,
// falling back to the first pod.
func (e *Executor) restartPod(ctx context.Context, req ActionRequest) models.ActionResult {
	podName := stringParam(req.Params, "pod_name")
	if podName == "" {
		pods, err := e.client.CoreV1().Pods(req.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "app=" + req.Service,
		})
		if err != nil {
			return fail(fmt.Errorf("list pods: %w", err))
		}
		if len(pods.Items) == 0 {
			return fail(fmt.Errorf("no pods found for service %s", req.Service))
		}
		podName = pods.Items[0].Name
		for _, pod := range pods.Items {
			if pod.Status.Phase != corev1.PodRunning {
				podName = pod.Name
				break
			}
		}
	}

	if err := e.client.CoreV1().Pods(req.Namespace).Delete(ctx, podName, metav1.DeleteOptions{}); err != nil {
		return fail(fmt.Errorf("delete pod: %w", err))
	}
	return models.ActionResult{
		Success: true,
		Details: map[string]interface{}{"deleted_pod": podName},
	}
}

// restartDeployment triggers a rolling restart via the restartedAt
// annotation, the same mechanism kubectl rollout restart uses.
func (e *Executor) restartDeployment(ctx context.Context, req ActionRequest) models.ActionResult {
	name := deploymentName(req)
	restartedAt := time.Now().UTC().Format(time.RFC3339)
	patch := fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{"kubectl.kubernetes.io/restartedAt":%q}}}}}`,
		restartedAt)

	if _, err := e.client.AppsV1().Deployments(req.Namespace).Patch(
		ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{}); err != nil {
		return fail(fmt.Errorf("patch deployment: %w", err))
	}
	return models.ActionResult{
		Success: true,
		Details: map[string]interface{}{"deployment": name, "restarted_at": restartedAt},
	}
}

// rollbackDeployment adopts the pod template of the previous ReplicaSet
// revision.
func (e *Executor) rollbackDeployment(ctx context.Context, req ActionRequest) models.ActionResult {
	name := deploymentName(req)
	dep, err := e.client.AppsV1().Deployments(req.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fail(fmt.Errorf("get deployment: %w", err))
	}

	replicaSets, err := e.client.AppsV1().ReplicaSets(req.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + name,
	})
	if err != nil {
		return fail(fmt.Errorf("list replicasets: %w", err))
	}
	if len(replicaSets.Items) < 2 {
		return fail(fmt.Errorf("no previous revision to roll back to for %s", name))
	}

	sets := replicaSets.Items
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			if revisionOf(sets[j].Annotations) > revisionOf(sets[i].Annotations) {
				sets[i], sets[j] = sets[j], sets[i]
			}
		}
	}
	previous := sets[1]

	dep.Spec.Template = previous.Spec.Template
	if _, err := e.client.AppsV1().Deployments(req.Namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return fail(fmt.Errorf("update deployment: %w", err))
	}
	return models.ActionResult{
		Success: true,
		Details: map[string]interface{}{
			"deployment":       name,
			"rolled_back_to":   previous.Name,
			"revision_adopted": revisionOf(previous.Annotations),
		},
	}
}

// scaleReplicas sets the replica count via the Scale subresource. Without
// an explicit target it adds one replica.
func (e *Executor) scaleReplicas(ctx context.Context, req ActionRequest) models.ActionResult {
	name := deploymentName(req)
	scale, err := e.client.AppsV1().Deployments(req.Namespace).GetScale(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fail(fmt.Errorf("get scale: %w", err))
	}

	target := int32(intParam(req.Params, "replicas"))
	if target <= 0 {
		target = scale.Spec.Replicas + 1
	}

	scale.Spec.Replicas = target
	if _, err := e.client.AppsV1().Deployments(req.Namespace).UpdateScale(ctx, name,
		&autoscalingv1.Scale{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: req.Namespace},
			Spec:       autoscalingv1.ScaleSpec{Replicas: target},
		}, metav1.UpdateOptions{}); err != nil {
		return fail(fmt.Errorf("update scale: %w", err))
	}
	return models.ActionResult{
		Success: true,
		Details: map[string]interface{}{"deployment": name, "replicas": target},
	}
}

// cordonNode marks a node unschedulable.
func (e *Executor) cordonNode(ctx context.Context, req ActionRequest) models.ActionResult {
	nodeName := stringParam(req.Params, "node_name")
	if nodeName == "" {
		return fail(fmt.Errorf("node_name parameter is required"))
	}

	patch := []byte(`{"spec":{"unschedulable":true}}`)
	if _, err := e.client.CoreV1().Nodes().Patch(
		ctx, nodeName, types.StrategicMergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return fail(fmt.Errorf("patch node: %w", err))
	}
	return models.ActionResult{
		Success: true,
		Details: map[string]interface{}{"node": nodeName},
	}
}

func deploymentName(req ActionRequest) string {
	if name := stringParam(req.Params, "deployment_name"); name != "" {
		return name
	}
	return req.Service
}

func revisionOf(annotations map[string]string) int {
	rev := 0
	if raw, ok := annotations["deployment.kubernetes.io/revision"]; ok {
		fmt.Sscanf(raw, "%d", &rev)
	}
	return rev
}

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

// intParam tolerates float64 because params cross a JSON boundary.
func intParam(params map[string]interface{}, key string) int {
	switch n := params[key].(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		v, _ := n.Int64()
		return int(v)
	}
	return 0
}
