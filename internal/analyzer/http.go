// Package analyzer provides the HTTP adapter to the external document
// analysis service.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/engine"
)

// Config points the client at the analysis service.
type Config struct {
	Endpoint string
	APIKey   string
}

// Client submits document bytes and returns the raw structured response.
// Classification follows the engine's failure taxonomy: HTTP 5xx and
// transport errors are transient, HTTP 4xx means the request itself cannot
// succeed and is unrecoverable, and a 200 body is handed back verbatim for
// the worker's parse/repair pipeline to judge.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	logger   *zap.Logger
}

type analyzeRequest struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
	Schema   string `json:"schema"`
}

// New constructs a Client. The per-call timeout is enforced by the caller's
// context, not the HTTP client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("analyzer.endpoint is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{},
		logger:   logger,
	}, nil
}

// Analyze implements engine.Analyzer.
func (c *Client) Analyze(ctx context.Context, task engine.Task, mode engine.SchemaMode) ([]byte, error) {
	content, err := os.ReadFile(task.Path)
	if err != nil {
		return nil, engine.NewUnrecoverableError(fmt.Errorf("read document: %w", err))
	}
	if len(content) == 0 {
		return nil, engine.NewUnrecoverableError(fmt.Errorf("document %s is empty", task.ID))
	}

	schema := "strict"
	if mode == engine.SchemaSimplified {
		schema = "simplified"
	}
	body, err := json.Marshal(analyzeRequest{
		Filename: task.ID,
		Content:  content,
		Schema:   schema,
	})
	if err != nil {
		return nil, fmt.Errorf("encode analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, engine.NewTransientError(fmt.Errorf("analysis call: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.NewTransientError(fmt.Errorf("read analysis response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, engine.NewTransientError(fmt.Errorf("analysis service returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, engine.NewUnrecoverableError(fmt.Errorf("analysis service rejected %s: %d", task.ID, resp.StatusCode))
	}
	return raw, nil
}
