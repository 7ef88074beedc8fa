package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BrowserClient talks to the headless browser automation service. The service
// opens a fresh browser session for every request and rejects reuse, so each
// URL costs exactly one POST; the client never pipelines navigations.
type BrowserClient struct {
	baseURL  string
	client   *http.Client
	renderJS bool
	stealth  bool
}

// NewBrowserClient builds a client for the automation service at baseURL.
// Per-attempt deadlines come from the caller's context, so the underlying
// http.Client carries no timeout of its own.
func NewBrowserClient(baseURL string, renderJS, stealth bool) *BrowserClient {
	return &BrowserClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		client:   &http.Client{},
		renderJS: renderJS,
		stealth:  stealth,
	}
}

type fetchRequest struct {
	URL      string `json:"url"`
	RenderJS *bool  `json:"render_js,omitempty"`
	Stealth  *bool  `json:"stealth,omitempty"`
}

type fetchResponse struct {
	Success bool `json:"success"`
	Data    struct {
		HTML   string `json:"html"`
		Status int    `json:"status"`
	} `json:"data"`
	Detail *struct {
		Message   string `json:"message"`
		URL       string `json:"url"`
		ErrorType string `json:"error_type"`
	} `json:"detail"`
}

// Fetch retrieves the rendered HTML for one page URL.
func (c *BrowserClient) Fetch(ctx context.Context, pageURL string) (string, error) {
	reqBody := fetchRequest{
		URL:      pageURL,
		RenderJS: &c.renderJS,
		Stealth:  &c.stealth,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal fetch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyError(err, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyError(err, 0)
	}

	var fetched fetchResponse
	if err := json.Unmarshal(body, &fetched); err != nil {
		return "", fmt.Errorf("decode fetch response: %w", err)
	}

	if !fetched.Success {
		msg := "automation service reported failure"
		errType := ""
		if fetched.Detail != nil {
			msg = fetched.Detail.Message
			errType = fetched.Detail.ErrorType
		}
		upstream := fmt.Errorf("%s (%s)", msg, errType)
		if strings.Contains(strings.ToLower(errType), "timeout") {
			return "", ErrTimeout{Err: upstream}
		}
		return "", classifyError(upstream, resp.StatusCode)
	}

	if fetched.Data.Status >= http.StatusBadRequest {
		return "", classifyError(nil, fetched.Data.Status)
	}
	if fetched.Data.HTML == "" {
		return "", ErrHTTP{Status: fetched.Data.Status, Err: fmt.Errorf("empty page body")}
	}

	return fetched.Data.HTML, nil
}

// Health probes the automation service's liveness endpoint.
func (c *BrowserClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, c.baseURL+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("automation service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("automation service health: status %d", resp.StatusCode)
	}
	return nil
}

// SetTransport swaps the underlying transport. Tests use this to install a
// mock.
func (c *BrowserClient) SetTransport(rt http.RoundTripper) {
	c.client.Transport = rt
}
