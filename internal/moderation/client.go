package moderation

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

// Categories the screening service reports on. Anything outside this set in
// a response is ignored rather than failing the verdict.
var Categories = []string{"hate", "self_harm", "sexual", "violence"}

// Verdict is the screening result for one piece of text.
type Verdict struct {
	Flagged    bool    `json:"flagged"`
	Category   string  `json:"category,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Screener classifies text for harmful content. Implementations classify
// failures but never retry; callers decide how to degrade.
type Screener interface {
	Screen(ctx context.Context, text string) (Verdict, error)
}

type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type screenRequest struct {
	Text       string   `json:"text"`
	Categories []string `json:"categories"`
}

type screenResponse struct {
	Results []struct {
		Category   string  `json:"category"`
		Flagged    bool    `json:"flagged"`
		Confidence float64 `json:"confidence"`
	} `json:"results"`
}

func (c *Client) Screen(ctx context.Context, text string) (Verdict, error) {
	if c.cfg.Endpoint == "" {
		return Verdict{}, faults.New(faults.CategoryTransientUnavailable, "", "moderation endpoint not configured", nil)
	}

	body, err := json.Marshal(screenRequest{Text: text, Categories: Categories})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal screen request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Verdict{}, faults.New(faults.CategoryTransientUnavailable, "", "moderation request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Verdict{}, faults.New(faults.CategoryTransientUnavailable, "",
			fmt.Sprintf("moderation service error (%d)", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, faults.New(faults.CategorySchemaViolation, "",
			fmt.Sprintf("moderation rejected request (%d)", resp.StatusCode), nil)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, faults.New(faults.CategoryTransientUnavailable, "", "reading moderation response", err)
	}

	var out screenResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Verdict{}, faults.New(faults.CategorySchemaViolation, "", "undecodable moderation response", err)
	}

	// Report the highest-confidence flagged category.
	var verdict Verdict
	known := make(map[string]bool, len(Categories))
	for _, cat := range Categories {
		known[cat] = true
	}
	for _, r := range out.Results {
		if !r.Flagged || !known[r.Category] {
			continue
		}
		if !verdict.Flagged || r.Confidence > verdict.Confidence {
			verdict = Verdict{Flagged: true, Category: r.Category, Confidence: r.Confidence}
		}
	}
	return verdict, nil
}
