package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.groq.com/openai/v1"

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is an OpenAI-compatible chat completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// RateLimitExceededError is returned when every attempt was rate limited.
type RateLimitExceededError struct {
	Retries int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit: exceeded %d retries", e.Retries)
}

// UpstreamError is a non-retryable backend failure.
type UpstreamError struct {
	StatusCode int // zero for transport failures
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("upstream: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upstream status %d: %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Client calls a chat completion backend with bounded retry on rate limits.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	policy     Policy
	backoff    Backoff
	sleep      func(context.Context, time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithPolicy overrides the retry policy.
func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p.withDefaults() }
}

// WithSleep replaces the function used to wait between retries.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithJitter replaces the jitter source added to each backoff delay.
func WithJitter(fn func() time.Duration) Option {
	return func(c *Client) { c.backoff.Jitter = fn }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client using the given API key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
		policy:     DefaultPolicy(),
		backoff:    Backoff{Jitter: uniformJitter},
		sleep:      sleepContext,
	}
	for _, o := range opts {
		o(c)
	}
	c.backoff.Base = c.policy.BaseBackoff
	return c
}

// Invoke sends req and returns the content of the first choice.
// Rate-limited attempts are retried up to Policy.MaxRetries times; any other
// failure is returned immediately as *UpstreamError.
func (c *Client) Invoke(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	for attempt := range c.policy.MaxRetries {
		content, err := c.doChat(ctx, body)
		if err == nil {
			return content, nil
		}

		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return "", err
		}

		if attempt < c.policy.MaxRetries-1 {
			delay := c.backoff.Delay(attempt)
			slog.Warn("chat completion rate limited, backing off",
				"model", req.Model,
				"attempt", attempt+1,
				"delay", delay,
			)
			if err := c.sleep(ctx, delay); err != nil {
				return "", err
			}
		}
	}

	return "", &RateLimitExceededError{Retries: c.policy.MaxRetries}
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func (c *Client) doChat(ctx context.Context, body []byte) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{status: resp.StatusCode}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody), Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(cr.Choices) == 0 {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody), Err: errors.New("no choices in response")}
	}
	return cr.Choices[0].Message.Content, nil
}

// Float returns a pointer to f, for optional request fields.
func Float(f float64) *float64 { return &f }
