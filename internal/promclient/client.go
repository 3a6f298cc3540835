// Package promclient wraps the Prometheus HTTP API with the two query
// shapes the platform needs: range matrices and instant scalars.
package promclient

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
)

// Client queries a Prometheus-compatible metrics store.
type Client struct {
	api v1.API
}

// New builds a client for the given Prometheus base URL.
func New(baseURL string) (*Client, error) {
	apiClient, err := api.NewClient(api.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return &Client{api: v1.NewAPI(apiClient)}, nil
}

// NewFromAPI wraps an existing API, used by tests.
func NewFromAPI(a v1.API) *Client { return &Client{api: a} }

// QueryRange evaluates query over the window and returns the matrix.
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) (model.Matrix, error) {
	value, warnings, err := c.api.QueryRange(ctx, query, v1.Range{Start: start, End: end, Step: step})
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	if len(warnings) > 0 {
		log.Debug().Strs("warnings", warnings).Str("query", query).Msg("Prometheus range query warnings")
	}
	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", value.Type())
	}
	return matrix, nil
}

// QueryScalar evaluates an instant query and returns the first sample's
// value, or nil when the query matched nothing.
func (c *Client) QueryScalar(ctx context.Context, query string, ts time.Time) (*float64, error) {
	value, warnings, err := c.api.Query(ctx, query, ts)
	if err != nil {
		return nil, fmt.Errorf("instant query: %w", err)
	}
	if len(warnings) > 0 {
		log.Debug().Strs("warnings", warnings).Str("query", query).Msg("Prometheus instant query warnings")
	}
	vector, ok := value.(model.Vector)
	if !ok || len(vector) == 0 {
		return nil, nil
	}
	v := float64(vector[0].Value)
	return &v, nil
}
