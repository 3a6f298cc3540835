package remediate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/incidentops/evidence-graph/internal/models"
)

func pod(namespace, name, app string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{"app": app},
		},
		Status: corev1.PodStatus{Phase: phase},
	}
}

func TestExecuteUnknownAction(t *testing.T) {
	e := NewExecutor(fake.NewSimpleClientset())
	result := e.Execute(context.Background(), ActionRequest{Type: "reboot_datacenter"})

	assert.False(t, result.Success)
	assert.Equal(t, "Unknown action type: reboot_datacenter", result.Error)
	assert.Equal(t, "reboot_datacenter", result.Action)
}

func TestRestartPodByName(t *testing.T) {
	client := fake.NewSimpleClientset(pod("payments", "checkout-abc", "checkout", corev1.PodRunning))
	e := NewExecutor(client)

	result := e.Execute(context.Background(), ActionRequest{
		Type:      models.ActionRestartPod,
		Namespace: "payments",
		Service:   "checkout",
		Params:    map[string]interface{}{"pod_name": "checkout-abc"},
	})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "checkout-abc", result.Details["deleted_pod"])
	_, err := client.CoreV1().Pods("payments").Get(context.Background(), "checkout-abc", metav1.GetOptions{})
	assert.Error(t, err, "pod should be deleted")
}

func TestRestartPodPrefersUnhealthyPod(t *testing.T) {
	client := fake.NewSimpleClientset(
		pod("payments", "checkout-ok", "checkout", corev1.PodRunning),
		pod("payments", "checkout-bad", "checkout", corev1.PodPending),
	)
	e := NewExecutor(client)

	result := e.Execute(context.Background(), ActionRequest{
		Type:      models.ActionRestartPod,
		Namespace: "payments",
		Service:   "checkout",
	})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "checkout-bad", result.Details["deleted_pod"])
}

func TestRestartPodNoPods(t *testing.T) {
	e := NewExecutor(fake.NewSimpleClientset())
	result := e.Execute(context.Background(), ActionRequest{
		Type:      models.ActionRestartPod,
		Namespace: "payments",
		Service:   "checkout",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no pods found")
}

func TestRestartDeployment(t *testing.T) {
	client := fake.NewSimpleClientset(deploymentWithReplicas("payments", "checkout", 2))
	e := NewExecutor(client)

	result := e.Execute(context.Background(), ActionRequest{
		Type:      models.ActionRestartDeployment,
		Namespace: "payments",
		Service:   "checkout",
	})

	require.True(t, result.Success, result.Error)
	dep, err := client.AppsV1().Deployments("payments").Get(context.Background(), "checkout", metav1.GetOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, dep.Spec.Template.Annotations["kubectl.kubernetes.io/restartedAt"])
}

func replicaSet(namespace, name, app, revision, image string) *appsv1.ReplicaSet {
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   namespace,
			Labels:      map[string]string{"app": app},
			Annotations: map[string]string{"deployment.kubernetes.io/revision": revision},
		},
		Spec: appsv1.ReplicaSetSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: app, Image: image}},
				},
			},
		},
	}
}

func TestRollbackDeployment(t *testing.T) {
	client := fake.NewSimpleClientset(
		deploymentWithReplicas("payments", "checkout", 2),
		replicaSet("payments", "checkout-v2", "checkout", "2", "checkout:2.0"),
		replicaSet("payments", "checkout-v1", "checkout", "1", "checkout:1.0"),
	)
	e := NewExecutor(client)

	result := e.Execute(context.Background(), ActionRequest{
		Type:      models.ActionRollbackDeployment,
		Namespace: "payments",
		Service:   "checkout",
	})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "checkout-v1", result.Details["rolled_back_to"])

	dep, err := client.AppsV1().Deployments("payments").Get(context.Background(), "checkout", metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, dep.Spec.Template.Spec.Containers, 1)
	assert.Equal(t, "checkout:1.0", dep.Spec.Template.Spec.Containers[0].Image)
}

func TestRollbackDeploymentNeedsHistory(t *testing.T) {
	client := fake.NewSimpleClientset(
		deploymentWithReplicas("payments", "checkout", 2),
		replicaSet("payments", "checkout-v1", "checkout", "1", "checkout:1.0"),
	)
	e := NewExecutor(client)

	result := e.Execute(context.Background(), ActionRequest{
		Type:      models.ActionRollbackDeployment,
		Namespace: "payments",
		Service:   "checkout",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no previous revision")
}

func TestScaleReplicasExplicitTarget(t *testing.T) {
	client := fake.NewSimpleClientset(deploymentWithReplicas("payments", "checkout", 2))
	e := NewExecutor(client)

	result := e.Execute(context.Background(), ActionRequest{
		Type:      models.ActionScaleReplicas,
		Namespace: "payments",
		Service:   "checkout",
		Params:    map[string]interface{}{"replicas": float64(5)},
	})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, int32(5), result.Details["replicas"])
}

func TestScaleReplicasDefaultsToIncrement(t *testing.T) {
	client := fake.NewSimpleClientset(deploymentWithReplicas("payments", "checkout", 2))
	e := NewExecutor(client)

	result := e.Execute(context.Background(), ActionRequest{
		Type:      models.ActionScaleReplicas,
		Namespace: "payments",
		Service:   "checkout",
	})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, int32(3), result.Details["replicas"])
}

func TestCordonNode(t *testing.T) {
	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-1"}}
	client := fake.NewSimpleClientset(node)
	e := NewExecutor(client)

	result := e.Execute(context.Background(), ActionRequest{
		Type:   models.ActionCordonNode,
		Params: map[string]interface{}{"node_name": "node-1"},
	})

	require.True(t, result.Success, result.Error)
	patched, err := client.CoreV1().Nodes().Get(context.Background(), "node-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.True(t, patched.Spec.Unschedulable)
}

func TestCordonNodeRequiresName(t *testing.T) {
	e := NewExecutor(fake.NewSimpleClientset())
	result := e.Execute(context.Background(), ActionRequest{Type: models.ActionCordonNode})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "node_name")
}
