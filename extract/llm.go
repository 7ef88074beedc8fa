package extract

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

// LLMClient implements PriceModel against an OpenAI-compatible
// chat-completions API.
type LLMClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

const (
	defaultLLMTimeout = 60 * time.Second

	// maxPageText bounds how much page text goes into the prompt.
	maxPageText = 6000
)

// NewLLMClient builds the fallback extraction client. baseURL may point at
// any compatible endpoint.
func NewLLMClient(baseURL, apiKey, model string) (*LLMClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("llm: base URL is required")
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	return &LLMClient{
		client:  &http.Client{Timeout: defaultLLMTimeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}, nil
}

const extractPrompt = `You are given the visible text of a product page.
Find the product's listed sale price and, if present, its pre-discount original price.
Ignore prices of related, recommended, or upsell products.
Respond with ONLY a JSON object: {"sale_price": <number or null>, "original_price": <number or null>}

Page URL: %s

Page text:
%s`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type extractedPrices struct {
	SalePrice     *float64 `json:"sale_price"`
	OriginalPrice *float64 `json:"original_price"`
}

// ExtractPrice asks the model for the page's price pair.
func (c *LLMClient) ExtractPrice(ctx context.Context, pageURL, pageText string) (float64, *float64, error) {
	if len(pageText) > maxPageText {
		pageText = pageText[:maxPageText]
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: fmt.Sprintf(extractPrompt, pageURL, pageText)},
		},
		MaxTokens: 100,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return 0, nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("llm: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("llm: read response: %w", err)
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return 0, nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if chat.Error != nil {
		return 0, nil, fmt.Errorf("llm: %s", chat.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, nil, fmt.Errorf("llm: status %d: %s", resp.StatusCode, string(body))
	}
	if len(chat.Choices) == 0 {
		return 0, nil, fmt.Errorf("llm: no choices returned")
	}

	prices, err := parsePriceJSON(chat.Choices[0].Message.Content)
	if err != nil {
		return 0, nil, err
	}
	if prices.SalePrice == nil || *prices.SalePrice <= 0 {
		return 0, nil, fmt.Errorf("llm: no sale price in response")
	}
	return *prices.SalePrice, prices.OriginalPrice, nil
}

// SetTransport swaps the underlying transport. Tests use this to install a
// mock.
func (c *LLMClient) SetTransport(rt http.RoundTripper) {
	c.client.Transport = rt
}

// parsePriceJSON tolerates code fences and surrounding prose around the JSON
// object.
func parsePriceJSON(content string) (*extractedPrices, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("llm: response contains no JSON object")
	}

	var prices extractedPrices
	if err := json.Unmarshal([]byte(content[start:end+1]), &prices); err != nil {
		return nil, fmt.Errorf("llm: parse prices: %w", err)
	}
	return &prices, nil
}
