package collect

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/incidentops/evidence-graph/internal/models"
)

const revisionAnnotation = "deployment.kubernetes.io/revision"

// ChangeHistoryCollector surfaces recent deployments, image changes and
// config changes near the incident.
type ChangeHistoryCollector struct {
	client kubernetes.Interface
}

// NewChangeHistoryCollector builds the collector over a Kubernetes client.
func NewChangeHistoryCollector(client kubernetes.Interface) *ChangeHistoryCollector {
	return &ChangeHistoryCollector{client: client}
}

// Name implements Collector.
func (c *ChangeHistoryCollector) Name() string { return "change_history" }

// Collect implements Collector.
func (c *ChangeHistoryCollector) Collect(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Collector: c.Name()}

	if err := c.collectDeploymentChanges(ctx, req, res); err != nil {
		return nil, err
	}
	if err := c.collectImageChanges(ctx, req, res); err != nil {
		return nil, err
	}
	if err := c.collectConfigChanges(ctx, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *ChangeHistoryCollector) collectDeploymentChanges(ctx context.Context, req Request, res *Result) error {
	inc := req.Incident
	deployments, err := c.client.AppsV1().Deployments(inc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}

	for i := range deployments.Items {
		dep := &deployments.Items[i]
		if inc.Service != "" && !strings.Contains(dep.Name, inc.Service) {
			continue
		}

		created := dep.CreationTimestamp.Time
		recent := !created.Before(req.WindowStart)
		age := req.WindowEnd.Sub(created)

		var strength float64
		switch {
		case recent && age < 30*time.Minute:
			strength = 0.95
		case recent:
			strength = 0.85
		case dep.Generation != dep.Status.ObservedGeneration:
			strength = 0.7
		default:
			strength = 0.3
		}

		revision := dep.Annotations[revisionAnnotation]
		changeID := fmt.Sprintf("change:deployment:%s:%s:%s", dep.Namespace, dep.Name, revision)
		res.Entities = append(res.Entities, models.GraphEntity{
			ID:   changeID,
			Type: "ChangeEvent",
			Properties: map[string]interface{}{
				"kind":       "deployment",
				"name":       dep.Name,
				"namespace":  dep.Namespace,
				"revision":   revision,
				"changed_at": created.Format(time.RFC3339),
			},
		})
		res.Relations = append(res.Relations, models.GraphRelation{
			SourceID: fmt.Sprintf("deployment:%s:%s", dep.Namespace, dep.Name),
			TargetID: changeID,
			Type:     "HAS_RECENT_CHANGE",
		})
		res.Relations = append(res.Relations, models.GraphRelation{
			SourceID: "incident:" + inc.ID,
			TargetID: changeID,
			Type:     "CORRELATES_WITH",
		})

		res.Evidence = append(res.Evidence, newEvidence(req, models.EvidenceRecentDeployment, c.Name(), dep.Name, dep.Namespace, strength,
			map[string]interface{}{
				"deployment_name":     dep.Name,
				"revision":            revision,
				"created_at":          created.Format(time.RFC3339),
				"is_recent":           recent,
				"generation":          dep.Generation,
				"observed_generation": dep.Status.ObservedGeneration,
			}))
	}
	return nil
}

func (c *ChangeHistoryCollector) collectImageChanges(ctx context.Context, req Request, res *Result) error {
	inc := req.Incident
	replicaSets, err := c.client.AppsV1().ReplicaSets(inc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list replicasets: %w", err)
	}

	byOwner := map[string][]*appsv1.ReplicaSet{}
	for i := range replicaSets.Items {
		rs := &replicaSets.Items[i]
		owner := deploymentOwner(rs)
		if owner == "" {
			continue
		}
		if inc.Service != "" && !strings.Contains(owner, inc.Service) {
			continue
		}
		byOwner[owner] = append(byOwner[owner], rs)
	}

	for owner, sets := range byOwner {
		if len(sets) < 2 {
			continue
		}
		sort.Slice(sets, func(i, j int) bool {
			return rsRevision(sets[i]) > rsRevision(sets[j])
		})

		newImages := rsImages(sets[0])
		oldImages := rsImages(sets[1])
		changed := !equalStrings(newImages, oldImages)

		strength := 0.5
		if changed {
			strength = 0.85
		}

		res.Evidence = append(res.Evidence, newEvidence(req, models.EvidenceImageChange, c.Name(), owner, inc.Namespace, strength,
			map[string]interface{}{
				"deployment_name": owner,
				"new_images":      newImages,
				"old_images":      oldImages,
				"images_changed":  changed,
			}))
	}
	return nil
}

func (c *ChangeHistoryCollector) collectConfigChanges(ctx context.Context, req Request, res *Result) error {
	inc := req.Incident
	configMaps, err := c.client.CoreV1().ConfigMaps(inc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list configmaps: %w", err)
	}

	for i := range configMaps.Items {
		cm := &configMaps.Items[i]
		if strings.HasPrefix(cm.Name, "kube-") {
			continue
		}
		created := cm.CreationTimestamp.Time
		if created.Before(req.WindowStart) {
			continue
		}

		cmID := fmt.Sprintf("configmap:%s:%s", cm.Namespace, cm.Name)
		res.Entities = append(res.Entities, models.GraphEntity{
			ID:   cmID,
			Type: "ChangeEvent",
			Properties: map[string]interface{}{
				"kind":       "configmap",
				"name":       cm.Name,
				"namespace":  cm.Namespace,
				"changed_at": created.Format(time.RFC3339),
			},
		})
		res.Relations = append(res.Relations, models.GraphRelation{
			SourceID: "incident:" + inc.ID,
			TargetID: cmID,
			Type:     "CORRELATES_WITH",
		})

		res.Evidence = append(res.Evidence, newEvidence(req, models.EvidenceConfigChange, c.Name(), cm.Name, cm.Namespace, 0.6,
			map[string]interface{}{
				"configmap_name": cm.Name,
				"created_at":     created.Format(time.RFC3339),
			}))
	}
	return nil
}

func deploymentOwner(rs *appsv1.ReplicaSet) string {
	for _, ref := range rs.OwnerReferences {
		if ref.Kind == "Deployment" {
			return ref.Name
		}
	}
	return ""
}

func rsRevision(rs *appsv1.ReplicaSet) int {
	rev, err := strconv.Atoi(rs.Annotations[revisionAnnotation])
	if err != nil {
		return 0
	}
	return rev
}

func rsImages(rs *appsv1.ReplicaSet) []string {
	var images []string
	for _, container := range rs.Spec.Template.Spec.Containers {
		images = append(images, container.Image)
	}
	return images
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
