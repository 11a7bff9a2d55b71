package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/personas/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("personas server not reachable at %s, start it with \"personas serve\": %w", c.baseURL, err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// apiError is the error envelope written by the personas API.
type apiError struct {
	Status       int    `json:"-"`
	Type         string `json:"type"`
	Message      string `json:"message"`
	ClusterLabel *int   `json:"cluster_label,omitempty"`
	Raw          string `json:"raw,omitempty"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("server returned %d", e.Status)
	if e.Type != "" {
		msg += " (" + e.Type + ")"
	}
	msg += ": " + e.Message
	if e.ClusterLabel != nil {
		msg += fmt.Sprintf(" [cluster %d]", *e.ClusterLabel)
	}
	if e.Status == http.StatusUnauthorized {
		msg += "; check server.api_token"
	}
	return msg
}

// decodeJSON decodes a successful response into v, or returns an *apiError
// built from the error envelope.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 400 {
		return json.NewDecoder(resp.Body).Decode(v)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	var envelope struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) != nil || envelope.Error == nil {
		return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	envelope.Error.Status = resp.StatusCode
	return envelope.Error
}
