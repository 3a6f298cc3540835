package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/models"
)

// Ticket is a reference to a filed follow-up issue.
type Ticket struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// TicketFiler creates follow-up tickets in Jira. A zero-configured filer
// silently skips ticket creation.
type TicketFiler struct {
	baseURL    string
	email      string
	apiToken   string
	projectKey string
	client     *http.Client
}

// NewTicketFiler builds a filer. Any empty credential disables it.
func NewTicketFiler(baseURL, email, apiToken, projectKey string) *TicketFiler {
	return &TicketFiler{
		baseURL:    strings.TrimRight(baseURL, "/"),
		email:      email,
		apiToken:   apiToken,
		projectKey: projectKey,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *TicketFiler) configured() bool {
	return t.baseURL != "" && t.email != "" && t.apiToken != "" && t.projectKey != ""
}

var severityPriority = map[string]string{
	models.SeverityCritical: "Highest",
	models.SeverityHigh:     "High",
	models.SeverityMedium:   "Medium",
	models.SeverityLow:      "Low",
	models.SeverityInfo:     "Lowest",
}

// CreateTicket files a Jira issue for the incident. Returns nil without
// error when Jira is not configured.
func (t *TicketFiler) CreateTicket(ctx context.Context, incident *models.Incident, hypotheses []models.Hypothesis, reason string) (*Ticket, error) {
	if !t.configured() {
		log.Debug().Msg("Jira not configured, skipping ticket creation")
		return nil, nil
	}

	priority, ok := severityPriority[incident.Severity]
	if !ok {
		priority = "Medium"
	}

	payload := map[string]interface{}{
		"fields": map[string]interface{}{
			"project":     map[string]string{"key": t.projectKey},
			"issuetype":   map[string]string{"name": "Task"},
			"summary":     fmt.Sprintf("[Incident] %s", incident.Title),
			"description": ticketDescription(incident, hypotheses, reason),
			"priority":    map[string]string{"name": priority},
			"labels":      []string{"aiops", "incident", incident.Severity},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/rest/api/2/issue", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(t.email, t.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("jira returned status %d: %s", resp.StatusCode, string(raw))
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("decode ticket response: %w", err)
	}

	ticket := &Ticket{
		Key: created.Key,
		URL: fmt.Sprintf("%s/browse/%s", t.baseURL, created.Key),
	}
	log.Info().Str("incident_id", incident.ID).Str("ticket", ticket.Key).Msg("Filed follow-up ticket")
	return ticket, nil
}

func ticketDescription(incident *models.Incident, hypotheses []models.Hypothesis, reason string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "h2. Incident\n")
	fmt.Fprintf(&b, "* ID: %s\n", incident.ID)
	fmt.Fprintf(&b, "* Severity: %s\n", incident.Severity)
	fmt.Fprintf(&b, "* Namespace: %s\n", incident.Namespace)
	fmt.Fprintf(&b, "* Service: %s\n", incident.Service)
	fmt.Fprintf(&b, "* Cluster: %s\n", incident.Cluster)
	fmt.Fprintf(&b, "* Started: %s\n", incident.StartedAt.UTC().Format(time.RFC3339))

	fmt.Fprintf(&b, "\nh2. Why this ticket exists\n%s\n", reason)

	if len(hypotheses) > 0 {
		fmt.Fprintf(&b, "\nh2. Root Cause Hypotheses\n")
		for _, h := range hypotheses {
			fmt.Fprintf(&b, "* (%d) %s (confidence %.2f)\n", h.Rank, h.Title, h.Confidence)
		}
	}
	return b.String()
}
