package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActionIdempotencyKey(t *testing.T) {
	at := time.Date(2026, 8, 24, 14, 5, 0, 0, time.UTC)
	key := ActionIdempotencyKey("inc-1", ActionRestartDeployment, "checkout", at)
	assert.Equal(t, "inc-1_restart_deployment_checkout_2026082414", key)

	sameHour := ActionIdempotencyKey("inc-1", ActionRestartDeployment, "checkout", at.Add(50*time.Minute))
	assert.Equal(t, key, sameHour, "keys are stable within the hour bucket")

	nextHour := ActionIdempotencyKey("inc-1", ActionRestartDeployment, "checkout", at.Add(time.Hour))
	assert.NotEqual(t, key, nextHour)

	otherTarget := ActionIdempotencyKey("inc-1", ActionRestartDeployment, "billing", at)
	assert.NotEqual(t, key, otherTarget)
}

func TestActionRiskLevel(t *testing.T) {
	assert.Equal(t, RiskLow, ActionRiskLevel(ActionRestartPod))
	assert.Equal(t, RiskLow, ActionRiskLevel(ActionRestartDeployment))
	assert.Equal(t, RiskLow, ActionRiskLevel(ActionScaleReplicas))
	assert.Equal(t, RiskMedium, ActionRiskLevel(ActionRollbackDeployment))
	assert.Equal(t, RiskMedium, ActionRiskLevel(ActionCordonNode))
	assert.Equal(t, RiskHigh, ActionRiskLevel("drain_node"), "unknown actions default to high risk")
}
