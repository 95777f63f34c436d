// Package litellm talks to an OpenAI-compatible LiteLLM proxy. The Client
// implements the planner, judge and rewriter oracle ports.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/agentengine/internal/resilience"
)

// Client talks to the LiteLLM proxy.
type Client struct {
	baseURL      string
	masterKey    string
	plannerModel string
	judgeModel   string
	httpClient   *http.Client
	breaker      *resilience.Breaker
	attempts     int
	backoff      time.Duration
}

// NewClient creates a new LiteLLM client. Both roles use model until
// SetModels says otherwise.
func NewClient(baseURL, masterKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		masterKey:    masterKey,
		plannerModel: model,
		judgeModel:   model,
		httpClient:   &http.Client{Timeout: timeout},
		attempts:     1,
	}
}

// SetModels selects the models used for planning and for judging and
// rewriting.
func (c *Client) SetModels(planner, judge string) {
	if planner != "" {
		c.plannerModel = planner
	}
	if judge != "" {
		c.judgeModel = judge
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// SetRetry bounds retries of transient failures.
func (c *Client) SetRetry(attempts int, backoff time.Duration) {
	c.attempts = attempts
	c.backoff = backoff
}

// Health checks if LiteLLM is reachable.
func (c *Client) Health(ctx context.Context) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodGet, "/health/liveliness", nil)
	return err == nil, err
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// completion is the content and token usage of one chat call.
type completion struct {
	content   string
	tokensIn  int64
	tokensOut int64
}

func (c *Client) chat(ctx context.Context, model, system, user string, jsonMode bool) (completion, error) {
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	if jsonMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return completion{}, fmt.Errorf("marshal chat request: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/chat/completions", body)
	if err != nil {
		return completion{}, err
	}
	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return completion{}, fmt.Errorf("unmarshal chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return completion{}, fmt.Errorf("chat response has no choices")
	}
	return completion{
		content:   resp.Choices[0].Message.Content,
		tokensIn:  resp.Usage.PromptTokens,
		tokensOut: resp.Usage.CompletionTokens,
	}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func(ctx context.Context) error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("create request: %w", err))
		}

		req.Header.Set("Content-Type", "application/json")
		if c.masterKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.masterKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			apiErr := fmt.Errorf("litellm API error %d: %s", resp.StatusCode, string(data))
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return resilience.Permanent(apiErr)
			}
			return apiErr
		}

		result = data
		return nil
	}

	attempt := call
	if c.breaker != nil {
		attempt = func(ctx context.Context) error {
			return c.breaker.Execute(func() error { return call(ctx) })
		}
	}
	if err := resilience.Retry(ctx, c.attempts, c.backoff, attempt); err != nil {
		return nil, err
	}
	return result, nil
}
