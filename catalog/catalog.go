// Package catalog is the client for the external product catalog that the
// tracker reconciles against and, optionally, pushes prices back to.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pricetrack/pricetrack/canonical"
	"github.com/pricetrack/pricetrack/models"
)

const defaultTimeout = 30 * time.Second

// Client talks to the external catalog's HTTP API.
type Client struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewClient builds a catalog client. token may be empty for unauthenticated
// deployments.
func NewClient(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("catalog: base URL is required")
	}
	return &Client{
		client:  &http.Client{Timeout: defaultTimeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
	}, nil
}

// SetTransport swaps the underlying transport. Tests use this to install a
// mock.
func (c *Client) SetTransport(rt http.RoundTripper) {
	c.client.Transport = rt
}

type snapshotResponse struct {
	Items []struct {
		ID             string   `json:"id"`
		URL            string   `json:"url"`
		Price          float64  `json:"price"`
		CompareAtPrice *float64 `json:"compare_at_price"`
	} `json:"items"`
}

// Snapshot fetches the catalog's current item list. Item URLs are
// canonicalized on the way in so they join directly against locally
// observed URLs; items whose URL cannot be canonicalized are skipped.
func (c *Client) Snapshot(ctx context.Context) ([]models.CatalogItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/items", nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("catalog: snapshot status %d: %s", resp.StatusCode, string(body))
	}

	var payload snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("catalog: decode snapshot: %w", err)
	}

	items := make([]models.CatalogItem, 0, len(payload.Items))
	for _, raw := range payload.Items {
		canonicalURL, err := canonical.Canonicalize(raw.URL)
		if err != nil {
			continue
		}
		items = append(items, models.CatalogItem{
			ID:                    raw.ID,
			CanonicalURL:          canonicalURL,
			CurrentPrice:          raw.Price,
			CurrentCompareAtPrice: raw.CompareAtPrice,
		})
	}
	return items, nil
}

type updateRequest struct {
	Updates []models.PriceUpdate `json:"updates"`
}

type updateResponse struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ApplyPriceUpdates pushes a batch of price changes to the catalog and
// returns its per-item tally.
func (c *Client) ApplyPriceUpdates(ctx context.Context, updates []models.PriceUpdate) (models.UpdateOutcome, error) {
	if len(updates) == 0 {
		return models.UpdateOutcome{}, nil
	}

	body, err := json.Marshal(updateRequest{Updates: updates})
	if err != nil {
		return models.UpdateOutcome{}, fmt.Errorf("catalog: marshal updates: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/items/prices", bytes.NewReader(body))
	if err != nil {
		return models.UpdateOutcome{}, fmt.Errorf("catalog: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return models.UpdateOutcome{}, fmt.Errorf("catalog: apply updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.UpdateOutcome{}, fmt.Errorf("catalog: update status %d: %s", resp.StatusCode, string(raw))
	}

	var payload updateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return models.UpdateOutcome{}, fmt.Errorf("catalog: decode update response: %w", err)
	}
	return models.UpdateOutcome{Succeeded: payload.Succeeded, Failed: payload.Failed}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
