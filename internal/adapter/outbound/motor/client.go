// Package motor provides the proxy-side HTTP client for the selector
// tier.
package motor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/qbrix/qbrix/internal/domain/bandit"
	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/service"
)

// Client calls the motor's internal select endpoint. It satisfies
// service.SelectorClient, so the proxy is indifferent to running the
// selector in-process or as a separate tier.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a motor client for the given base URL
// (e.g. "http://motor:8081").
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

var _ service.SelectorClient = (*Client)(nil)

type selectRequest struct {
	ExperimentID string        `json:"experiment_id"`
	Context      selectContext `json:"context"`
}

type selectContext struct {
	ID       string            `json:"id"`
	Vector   []float64         `json:"vector,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Select implements service.SelectorClient over HTTP.
func (c *Client) Select(ctx context.Context, experimentID string, sctx bandit.Context) (*service.SelectResult, error) {
	body, err := json.Marshal(selectRequest{
		ExperimentID: experimentID,
		Context: selectContext{
			ID:       sctx.ID,
			Vector:   sctx.Vector,
			Metadata: sctx.Metadata,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode select request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/v1/select", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build select request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("motor select: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return nil, fmt.Errorf("experiment %s: %w", experimentID, catalog.ErrExperimentNotFound)
		case http.StatusBadRequest:
			return nil, fmt.Errorf("%w: %s", bandit.ErrInvalidContext, eb.Error)
		default:
			return nil, fmt.Errorf("motor select: status %d: %s", resp.StatusCode, eb.Error)
		}
	}

	var res service.SelectResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode select response: %w", err)
	}
	return &res, nil
}

// Invalidate evicts the motor's caches for an experiment after a catalog
// mutation. Best effort: errors are returned but callers may ignore them
// and rely on TTL expiry.
func (c *Client) Invalidate(ctx context.Context, experimentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/v1/invalidate/"+experimentID, nil)
	if err != nil {
		return fmt.Errorf("build invalidate request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("motor invalidate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("motor invalidate: status %d", resp.StatusCode)
	}
	return nil
}
