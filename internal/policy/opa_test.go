package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/evidence-graph/internal/models"
)

func TestEvaluateAllowed(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/data/remediation", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"allow":true,"requires_approval":false,"deny":[]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "/v1/data/remediation")
	decision := c.Evaluate(context.Background(), Input{
		ActionType:       models.ActionRestartPod,
		Environment:      "dev",
		BlastRadiusScore: 12.5,
		Namespace:        "payments",
	})

	assert.True(t, decision.Allowed)
	assert.False(t, decision.RequiresApproval)
	assert.Equal(t, "allowed", decision.Reason)

	input := captured["input"].(map[string]interface{})
	assert.Equal(t, "restart_pod", input["action_type"])
	assert.Equal(t, 12.5, input["blast_radius_score"])
	assert.Equal(t, false, input["freeze_active"])
}

func TestEvaluateDeniedWithReasons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"allow":false,"requires_approval":true,"deny":["blast radius too large","prod change freeze"]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "/v1/data/remediation")
	decision := c.Evaluate(context.Background(), Input{})

	assert.False(t, decision.Allowed)
	assert.True(t, decision.RequiresApproval)
	assert.Equal(t, "blast radius too large; prod change freeze", decision.Reason)
}

func TestEvaluateDeniedWithoutReasons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"allow":false,"requires_approval":false,"deny":[]}}`))
	}))
	defer srv.Close()

	decision := New(srv.URL, "/v1/data/remediation").Evaluate(context.Background(), Input{})
	assert.Equal(t, "policy denied", decision.Reason)
}

func TestEvaluateFailsClosed(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		c := New("http://127.0.0.1:1", "/v1/data/remediation")
		decision := c.Evaluate(context.Background(), Input{})
		assert.False(t, decision.Allowed)
		assert.True(t, decision.RequiresApproval)
		assert.NotEmpty(t, decision.Reason)
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		decision := New(srv.URL, "/v1/data/remediation").Evaluate(context.Background(), Input{})
		assert.False(t, decision.Allowed)
		assert.True(t, decision.RequiresApproval)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}))
		defer srv.Close()

		decision := New(srv.URL, "/v1/data/remediation").Evaluate(context.Background(), Input{})
		assert.False(t, decision.Allowed)
		assert.True(t, decision.RequiresApproval)
	})
}

func TestInputForAction(t *testing.T) {
	saturday := time.Date(2025, 6, 14, 23, 0, 0, 0, time.UTC)
	input := InputForAction(models.ActionScaleReplicas, "prod", "payments",
		models.BlastRadius{Score: 80, AffectedPods: 6}, saturday)

	assert.Equal(t, 23, input.CurrentHour)
	assert.True(t, input.IsWeekend)
	assert.Equal(t, 6, input.AffectedReplicas)
	assert.Equal(t, 80.0, input.BlastRadiusScore)

	tuesday := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	assert.False(t, InputForAction("", "", "", models.BlastRadius{}, tuesday).IsWeekend)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, New(srv.URL, "/v1/data/remediation").Ping(context.Background()))
	assert.Error(t, New("http://127.0.0.1:1", "/v1/data/remediation").Ping(context.Background()))
}
