// Package gateway is the alert ingestion surface: webhook normalization,
// dedup and rate limiting, incident creation and the read API.
package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/incidentops/evidence-graph/internal/models"
)

// AlertmanagerPayload is the Alertmanager v4 webhook body.
type AlertmanagerPayload struct {
	Status string              `json:"status"`
	Alerts []AlertmanagerAlert `json:"alerts"`
}

// AlertmanagerAlert is one alert inside an Alertmanager webhook.
type AlertmanagerAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    string            `json:"startsAt"`
}

// GrafanaPayload is the Grafana unified-alerting webhook body. Common
// labels and annotations apply to every alert in the batch.
type GrafanaPayload struct {
	Status            string              `json:"status"`
	Title             string              `json:"title"`
	Alerts            []AlertmanagerAlert `json:"alerts"`
	CommonLabels      map[string]string   `json:"commonLabels"`
	CommonAnnotations map[string]string   `json:"commonAnnotations"`
}

var severityMap = map[string]string{
	"critical": models.SeverityCritical,
	"high":     models.SeverityHigh,
	"warning":  models.SeverityMedium,
	"warn":     models.SeverityMedium,
	"info":     models.SeverityInfo,
	"low":      models.SeverityLow,
	"alerting": models.SeverityHigh,
	"error":    models.SeverityHigh,
}

func normalizeSeverity(raw string) string {
	if sev, ok := severityMap[raw]; ok {
		return sev
	}
	return models.SeverityMedium
}

// Fingerprint derives the stable dedup key for an alert. Two alerts with
// the same source, name, namespace and service collapse into one incident.
func Fingerprint(source, alertName, namespace, service string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", source, alertName, namespace, service)))
	return hex.EncodeToString(sum[:])[:32]
}

// NormalizeAlertmanager converts firing Alertmanager alerts into the
// internal alert shape. Resolved alerts are dropped.
func NormalizeAlertmanager(payload *AlertmanagerPayload) []models.Alert {
	alerts := make([]models.Alert, 0, len(payload.Alerts))
	for _, raw := range payload.Alerts {
		if raw.Status != "firing" {
			continue
		}
		alerts = append(alerts, normalizeOne("alertmanager", raw, ""))
	}
	return alerts
}

// NormalizeGrafana converts a Grafana webhook into internal alerts.
// Grafana puts shared labels at the top level, so each alert's labels are
// merged over the common set.
func NormalizeGrafana(payload *GrafanaPayload) []models.Alert {
	alerts := make([]models.Alert, 0, len(payload.Alerts))
	for _, raw := range payload.Alerts {
		if raw.Status != "" && raw.Status != "firing" {
			continue
		}
		merged := AlertmanagerAlert{
			Status:      raw.Status,
			Labels:      mergeMaps(payload.CommonLabels, raw.Labels),
			Annotations: mergeMaps(payload.CommonAnnotations, raw.Annotations),
			StartsAt:    raw.StartsAt,
		}
		alerts = append(alerts, normalizeOne("grafana", merged, payload.Title))
	}
	return alerts
}

func normalizeOne(source string, raw AlertmanagerAlert, fallbackTitle string) models.Alert {
	labels := raw.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	annotations := raw.Annotations
	if annotations == nil {
		annotations = map[string]string{}
	}

	alertName := labels["alertname"]
	if alertName == "" {
		alertName = "UnknownAlert"
	}

	namespace := labels["namespace"]
	if namespace == "" {
		namespace = "default"
	}
	cluster := labels["cluster"]
	if cluster == "" {
		cluster = "default-cluster"
	}

	service := labels["service"]
	if service == "" {
		service = labels["job"]
	}
	if service == "" {
		service = labels["deployment"]
	}

	title := alertName
	if pod := labels["pod"]; pod != "" {
		title = fmt.Sprintf("%s: %s", alertName, pod)
	} else if summary := annotations["summary"]; summary != "" {
		title = fmt.Sprintf("%s: %s", alertName, summary)
	} else if fallbackTitle != "" {
		title = fallbackTitle
	}

	startsAt := time.Now().UTC()
	if raw.StartsAt != "" {
		if ts, err := time.Parse(time.RFC3339, raw.StartsAt); err == nil {
			startsAt = ts.UTC()
		}
	}

	return models.Alert{
		Source:      source,
		AlertName:   alertName,
		Title:       title,
		Severity:    normalizeSeverity(labels["severity"]),
		Cluster:     cluster,
		Namespace:   namespace,
		Service:     service,
		Pod:         labels["pod"],
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    startsAt,
		Fingerprint: Fingerprint(source, alertName, namespace, service),
	}
}

func mergeMaps(common, specific map[string]string) map[string]string {
	merged := make(map[string]string, len(common)+len(specific))
	for k, v := range common {
		merged[k] = v
	}
	for k, v := range specific {
		merged[k] = v
	}
	return merged
}
