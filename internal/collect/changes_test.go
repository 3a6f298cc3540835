package collect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/incidentops/evidence-graph/internal/models"
)

func deploymentCreatedAt(name string, created time.Time, revision string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         "payments",
			CreationTimestamp: metav1.Time{Time: created},
			Annotations:       map[string]string{revisionAnnotation: revision},
		},
	}
}

func ownedReplicaSet(name, owner, revision, image string) *appsv1.ReplicaSet {
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       "payments",
			Annotations:     map[string]string{revisionAnnotation: revision},
			OwnerReferences: []metav1.OwnerReference{{Kind: "Deployment", Name: owner}},
		},
		Spec: appsv1.ReplicaSetSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "app", Image: image}}},
			},
		},
	}
}

func TestChangesRecentDeploymentIsStrongSignal(t *testing.T) {
	req := testRequest()
	fresh := deploymentCreatedAt("checkout", req.WindowEnd.Add(-10*time.Minute), "3")
	c := NewChangeHistoryCollector(fake.NewSimpleClientset(fresh))

	res, err := c.Collect(context.Background(), req)
	require.NoError(t, err)

	changes := evidenceOfType(res.Evidence, models.EvidenceRecentDeployment)
	require.Len(t, changes, 1)
	assert.Equal(t, 0.95, changes[0].SignalStrength)
	assert.Equal(t, true, changes[0].Data["is_recent"])
	assert.Equal(t, "3", changes[0].Data["revision"])
}

func TestChangesOldDeploymentIsWeakSignal(t *testing.T) {
	req := testRequest()
	old := deploymentCreatedAt("checkout", req.WindowEnd.Add(-48*time.Hour), "1")
	c := NewChangeHistoryCollector(fake.NewSimpleClientset(old))

	res, err := c.Collect(context.Background(), req)
	require.NoError(t, err)

	changes := evidenceOfType(res.Evidence, models.EvidenceRecentDeployment)
	require.Len(t, changes, 1)
	assert.Equal(t, 0.3, changes[0].SignalStrength)
	assert.Equal(t, false, changes[0].Data["is_recent"])
}

func TestChangesSkipsUnrelatedDeployments(t *testing.T) {
	req := testRequest()
	other := deploymentCreatedAt("billing", req.WindowEnd.Add(-5*time.Minute), "2")
	c := NewChangeHistoryCollector(fake.NewSimpleClientset(other))

	res, err := c.Collect(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, evidenceOfType(res.Evidence, models.EvidenceRecentDeployment))
}

func TestChangesGraphElements(t *testing.T) {
	req := testRequest()
	fresh := deploymentCreatedAt("checkout", req.WindowEnd.Add(-10*time.Minute), "3")
	c := NewChangeHistoryCollector(fake.NewSimpleClientset(fresh))

	res, err := c.Collect(context.Background(), req)
	require.NoError(t, err)

	changeID := "change:deployment:payments:checkout:3"
	var found bool
	for _, e := range res.Entities {
		if e.ID == changeID {
			found = true
			assert.Equal(t, "ChangeEvent", e.Type)
		}
	}
	assert.True(t, found)

	var hasChange, correlates bool
	for _, r := range res.Relations {
		if r.Type == "HAS_RECENT_CHANGE" && r.SourceID == "deployment:payments:checkout" && r.TargetID == changeID {
			hasChange = true
		}
		if r.Type == "CORRELATES_WITH" && r.SourceID == "incident:inc-1" && r.TargetID == changeID {
			correlates = true
		}
	}
	assert.True(t, hasChange)
	assert.True(t, correlates)
}

func TestChangesImageDiffAcrossReplicaSets(t *testing.T) {
	c := NewChangeHistoryCollector(fake.NewSimpleClientset(
		ownedReplicaSet("checkout-v2", "checkout", "2", "checkout:2.0"),
		ownedReplicaSet("checkout-v1", "checkout", "1", "checkout:1.0"),
	))

	res, err := c.Collect(context.Background(), testRequest())
	require.NoError(t, err)

	images := evidenceOfType(res.Evidence, models.EvidenceImageChange)
	require.Len(t, images, 1)
	assert.Equal(t, 0.85, images[0].SignalStrength)
	assert.Equal(t, true, images[0].Data["images_changed"])
	assert.Equal(t, []string{"checkout:2.0"}, images[0].Data["new_images"])
	assert.Equal(t, []string{"checkout:1.0"}, images[0].Data["old_images"])
}

func TestChangesSameImagesAcrossReplicaSets(t *testing.T) {
	c := NewChangeHistoryCollector(fake.NewSimpleClientset(
		ownedReplicaSet("checkout-v2", "checkout", "2", "checkout:1.0"),
		ownedReplicaSet("checkout-v1", "checkout", "1", "checkout:1.0"),
	))

	res, err := c.Collect(context.Background(), testRequest())
	require.NoError(t, err)

	images := evidenceOfType(res.Evidence, models.EvidenceImageChange)
	require.Len(t, images, 1)
	assert.Equal(t, 0.5, images[0].SignalStrength)
	assert.Equal(t, false, images[0].Data["images_changed"])
}

func TestChangesSingleReplicaSetHasNoDiff(t *testing.T) {
	c := NewChangeHistoryCollector(fake.NewSimpleClientset(
		ownedReplicaSet("checkout-v1", "checkout", "1", "checkout:1.0"),
	))

	res, err := c.Collect(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Empty(t, evidenceOfType(res.Evidence, models.EvidenceImageChange))
}

func TestChangesRecentConfigMap(t *testing.T) {
	req := testRequest()
	recent := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "checkout-config",
			Namespace:         "payments",
			CreationTimestamp: metav1.Time{Time: req.WindowEnd.Add(-5 * time.Minute)},
		},
	}
	system := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "kube-root-ca.crt",
			Namespace:         "payments",
			CreationTimestamp: metav1.Time{Time: req.WindowEnd.Add(-5 * time.Minute)},
		},
	}
	stale := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "old-config",
			Namespace:         "payments",
			CreationTimestamp: metav1.Time{Time: req.WindowEnd.Add(-24 * time.Hour)},
		},
	}
	c := NewChangeHistoryCollector(fake.NewSimpleClientset(recent, system, stale))

	res, err := c.Collect(context.Background(), req)
	require.NoError(t, err)

	configs := evidenceOfType(res.Evidence, models.EvidenceConfigChange)
	require.Len(t, configs, 1)
	assert.Equal(t, "checkout-config", configs[0].Data["configmap_name"])
	assert.Equal(t, 0.6, configs[0].SignalStrength)
}
