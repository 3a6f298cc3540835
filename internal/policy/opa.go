// Package policy gates remediation through an external OPA decision
// endpoint. The gate fails closed: if the policy engine cannot be reached,
// remediation is denied and escalated for approval.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/models"
)

// Input is the decision request sent to the policy engine.
type Input struct {
	ActionType       string  `json:"action_type"`
	Environment      string  `json:"environment"`
	BlastRadiusScore float64 `json:"blast_radius_score"`
	Namespace        string  `json:"namespace"`
	AffectedReplicas int     `json:"affected_replicas"`
	CurrentHour      int     `json:"current_hour"`
	IsWeekend        bool    `json:"is_weekend"`
	FreezeActive     bool    `json:"freeze_active"`
}

type decisionResponse struct {
	Result struct {
		Allow            bool     `json:"allow"`
		RequiresApproval bool     `json:"requires_approval"`
		Deny             []string `json:"deny"`
	} `json:"result"`
}

// Client evaluates remediation requests against OPA.
type Client struct {
	baseURL    string
	policyPath string
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a policy client. policyPath is the data API path of the
// remediation policy package, e.g. /v1/data/remediation.
func New(baseURL, policyPath string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		policyPath: policyPath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Evaluate asks the policy engine whether an action may run. Transport or
// decode failures deny the action and flag it for human approval.
func (c *Client) Evaluate(ctx context.Context, input Input) models.PolicyDecision {
	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return failClosed(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.policyPath, bytes.NewReader(body))
	if err != nil {
		return failClosed(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failClosed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failClosed(fmt.Errorf("policy engine returned %d", resp.StatusCode))
	}

	var decision decisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return failClosed(err)
	}

	result := decision.Result
	reason := "policy denied"
	switch {
	case result.Allow:
		reason = "allowed"
	case len(result.Deny) > 0:
		reason = strings.Join(result.Deny, "; ")
	}

	return models.PolicyDecision{
		Allowed:          result.Allow,
		RequiresApproval: result.RequiresApproval,
		Reason:           reason,
	}
}

func failClosed(err error) models.PolicyDecision {
	log.Error().Err(err).Msg("Policy evaluation failed, denying remediation")
	return models.PolicyDecision{
		Allowed:          false,
		RequiresApproval: true,
		Reason:           err.Error(),
	}
}

// Ping reports whether the policy engine answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("policy engine health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("policy engine unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// InputForAction assembles the decision input for an action at a moment in
// time.
func InputForAction(actionType, environment, namespace string, blastRadius models.BlastRadius, now time.Time) Input {
	weekday := now.Weekday()
	return Input{
		ActionType:       actionType,
		Environment:      environment,
		BlastRadiusScore: blastRadius.Score,
		Namespace:        namespace,
		AffectedReplicas: blastRadius.AffectedPods,
		CurrentHour:      now.Hour(),
		IsWeekend:        weekday == time.Saturday || weekday == time.Sunday,
		FreezeActive:     false,
	}
}
