package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/evidence-graph/internal/models"
)

func TestFingerprintIsStableAndShort(t *testing.T) {
	a := Fingerprint("alertmanager", "HighErrorRate", "payments", "checkout")
	b := Fingerprint("alertmanager", "HighErrorRate", "payments", "checkout")
	c := Fingerprint("grafana", "HighErrorRate", "payments", "checkout")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "source is part of the fingerprint")
	assert.Len(t, a, 32)
}

func TestNormalizeAlertmanagerSkipsResolved(t *testing.T) {
	payload := &AlertmanagerPayload{
		Status: "firing",
		Alerts: []AlertmanagerAlert{
			{
				Status: "firing",
				Labels: map[string]string{
					"alertname": "PodCrashLooping",
					"severity":  "critical",
					"namespace": "payments",
					"service":   "checkout",
					"pod":       "checkout-7f9d8",
				},
				StartsAt: "2025-11-03T14:02:00Z",
			},
			{
				Status: "resolved",
				Labels: map[string]string{"alertname": "PodCrashLooping"},
			},
		},
	}

	alerts := NormalizeAlertmanager(payload)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "alertmanager", a.Source)
	assert.Equal(t, "PodCrashLooping", a.AlertName)
	assert.Equal(t, "PodCrashLooping: checkout-7f9d8", a.Title)
	assert.Equal(t, models.SeverityCritical, a.Severity)
	assert.Equal(t, "payments", a.Namespace)
	assert.Equal(t, "checkout", a.Service)
	assert.Equal(t, time.Date(2025, 11, 3, 14, 2, 0, 0, time.UTC), a.StartsAt)
}

func TestNormalizeSeverityMapping(t *testing.T) {
	cases := map[string]string{
		"critical": models.SeverityCritical,
		"high":     models.SeverityHigh,
		"warning":  models.SeverityMedium,
		"warn":     models.SeverityMedium,
		"info":     models.SeverityInfo,
		"low":      models.SeverityLow,
		"alerting": models.SeverityHigh,
		"error":    models.SeverityHigh,
		"weird":    models.SeverityMedium,
		"":         models.SeverityMedium,
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizeSeverity(raw), "severity %q", raw)
	}
}

func TestNormalizeServiceFallbackChain(t *testing.T) {
	fromJob := normalizeOne("alertmanager", AlertmanagerAlert{
		Labels: map[string]string{"alertname": "A", "job": "checkout-job"},
	}, "")
	assert.Equal(t, "checkout-job", fromJob.Service)

	fromDeployment := normalizeOne("alertmanager", AlertmanagerAlert{
		Labels: map[string]string{"alertname": "A", "deployment": "checkout"},
	}, "")
	assert.Equal(t, "checkout", fromDeployment.Service)
}

func TestNormalizeDefaults(t *testing.T) {
	a := normalizeOne("alertmanager", AlertmanagerAlert{Labels: map[string]string{"alertname": "A"}}, "")

	assert.Equal(t, "default", a.Namespace)
	assert.Equal(t, "default-cluster", a.Cluster)
	assert.Empty(t, a.Service)
	assert.WithinDuration(t, time.Now().UTC(), a.StartsAt, time.Minute, "unparseable start falls back to now")
}

func TestNormalizeGrafanaMergesCommonLabels(t *testing.T) {
	payload := &GrafanaPayload{
		Status: "firing",
		Title:  "High memory on checkout",
		CommonLabels: map[string]string{
			"namespace": "payments",
			"severity":  "alerting",
			"cluster":   "prod-east",
		},
		CommonAnnotations: map[string]string{"runbook": "https://wiki/runbook"},
		Alerts: []AlertmanagerAlert{
			{
				Status: "firing",
				Labels: map[string]string{"alertname": "HighMemory", "service": "checkout", "severity": "critical"},
			},
		},
	}

	alerts := NormalizeGrafana(payload)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "grafana", a.Source)
	assert.Equal(t, "payments", a.Namespace)
	assert.Equal(t, "prod-east", a.Cluster)
	assert.Equal(t, models.SeverityCritical, a.Severity, "alert labels win over common labels")
	assert.Equal(t, "https://wiki/runbook", a.Annotations["runbook"])
}

func TestNormalizeGrafanaTitleFallback(t *testing.T) {
	payload := &GrafanaPayload{
		Status: "firing",
		Title:  "Checkout latency breach",
		Alerts: []AlertmanagerAlert{{Labels: map[string]string{"alertname": "LatencyHigh"}}},
	}

	alerts := NormalizeGrafana(payload)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Checkout latency breach", alerts[0].Title)
}
