package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/finsec/kyt/internal/faults"
)

// Request is the contract with the text-generation service: an instruction
// plus a structured context payload. The service returns structured fields
// which every caller validates against its own expected schema.
type Request struct {
	Instruction string      `json:"instruction"`
	Context     interface{} `json:"context,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
}

type response struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

// Generator is the inference capability consumed by the analysis stages.
type Generator interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

type Config struct {
	Endpoint  string
	APIKey    string
	Timeout   time.Duration
	MaxTokens int
}

// Client calls the text-generation service over HTTP. It classifies
// failures but never retries; retry policy belongs to the orchestrator.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	if c.cfg.Endpoint == "" {
		return nil, faults.New(faults.CategoryTransientUnavailable, "", "inference endpoint not configured", nil)
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, faults.New(faults.CategoryTransientUnavailable, "", "inference request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, faults.New(faults.CategoryTransientUnavailable, "", "reading inference response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, faults.New(faults.CategoryTransientUnavailable, "",
			fmt.Sprintf("inference service error (%d)", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.New(faults.CategorySchemaViolation, "",
			fmt.Sprintf("inference rejected request (%d): %s", resp.StatusCode, truncate(respBody, 200)), nil)
	}

	var out response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, faults.New(faults.CategorySchemaViolation, "", "undecodable inference response", err)
	}
	if out.Error != "" {
		return nil, faults.New(faults.CategorySchemaViolation, "", "inference error: "+out.Error, nil)
	}
	if len(out.Output) == 0 {
		return nil, faults.New(faults.CategorySchemaViolation, "", "empty inference output", nil)
	}

	return out.Output, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
