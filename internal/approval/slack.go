// Package approval coordinates human sign-off for remediation actions via
// Slack and files tickets for incidents that need follow-up.
package approval

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/incidentops/evidence-graph/internal/models"
)

// Coordinator decides whether an action may proceed, either by
// per-environment auto-approval or by asking a human in Slack.
type Coordinator struct {
	slack       *slack.Client
	channel     string
	environment string
	autoApprove bool
}

// NewCoordinator builds a coordinator. autoApprove is the resolved
// auto-approval flag for environment. botToken may be empty, in which
// case Slack requests are auto-denied.
func NewCoordinator(botToken, channel, environment string, autoApprove bool) *Coordinator {
	c := &Coordinator{
		channel:     channel,
		environment: environment,
		autoApprove: autoApprove,
	}
	if botToken != "" {
		c.slack = slack.New(botToken)
	}
	return c
}

// RequestApproval posts an approval request for the action. When the
// environment is configured for auto-approval it short-circuits to
// approved. Otherwise it posts a Slack message and reports pending; the
// workflow waits for the decision signal. Without Slack configured the
// request is denied.
func (c *Coordinator) RequestApproval(ctx context.Context, incident *models.Incident, action string, blastRadius models.BlastRadius) models.ApprovalResult {
	if c.autoApprove {
		log.Info().Str("incident_id", incident.ID).Str("action", action).
			Str("environment", c.environment).Msg("Auto-approving remediation")
		return models.ApprovalResult{Approved: true, Reason: "auto-approved in " + c.environment}
	}

	if c.slack == nil || c.channel == "" {
		log.Warn().Msg("Slack not configured, auto-denying approval request")
		return models.ApprovalResult{Approved: false, Reason: "Slack not configured"}
	}

	blocks := approvalBlocks(incident, action, blastRadius)
	_, ts, err := c.slack.PostMessageContext(ctx, c.channel,
		slack.MsgOptionText(fmt.Sprintf("🚨 Approval needed: %s for %s", action, incident.Title), false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		log.Error().Err(err).Msg("Slack approval request failed")
		return models.ApprovalResult{Approved: false, Reason: err.Error()}
	}

	return models.ApprovalResult{
		Approved:  false,
		Pending:   true,
		MessageTS: ts,
		Channel:   c.channel,
	}
}

func approvalBlocks(incident *models.Incident, action string, blastRadius models.BlastRadius) []slack.Block {
	mrkdwn := func(format string, args ...interface{}) *slack.TextBlockObject {
		return slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf(format, args...), false, false)
	}

	return []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, "🚨 Remediation Approval Required", true, false)),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			mrkdwn("*Incident:*\n%s", incident.Title),
			mrkdwn("*Severity:*\n%s", incident.Severity),
			mrkdwn("*Namespace:*\n%s", incident.Namespace),
			mrkdwn("*Action:*\n%s", action),
		}, nil),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			mrkdwn("*Blast Radius:*\n%.1f", blastRadius.Score),
			mrkdwn("*Affected Pods:*\n%d", blastRadius.AffectedPods),
		}, nil),
		slack.NewActionBlock("approval_actions",
			slack.NewButtonBlockElement("approve_action", incident.ID,
				slack.NewTextBlockObject(slack.PlainTextType, "✅ Approve", true, false)).
				WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement("reject_action", incident.ID,
				slack.NewTextBlockObject(slack.PlainTextType, "❌ Reject", true, false)).
				WithStyle(slack.StyleDanger),
		),
	}
}
