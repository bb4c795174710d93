package sanctions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xrash/smetrics"

	"github.com/finsec/kyt/internal/faults"
	"github.com/finsec/kyt/internal/models"
)

// Match is one candidate entry from the sanctions directory, re-scored
// locally so match decisions stay reproducible regardless of directory
// scoring changes.
type Match struct {
	ListEntryID string  `json:"list_entry_id"`
	Name        string  `json:"name"`
	List        string  `json:"list"`
	Country     string  `json:"country,omitempty"`
	Similarity  float64 `json:"similarity"`
	Exact       bool    `json:"exact"`
}

// Directory looks up an entity against a sanctions reference list. Matches
// are ordered by similarity descending; entries below the configured
// threshold are already filtered out.
type Directory interface {
	Lookup(ctx context.Context, name string, identifiers []string) ([]Match, error)
}

type Config struct {
	Endpoint            string
	APIKey              string
	Timeout             time.Duration
	SimilarityThreshold float64
	CacheTTL            time.Duration
}

// Client queries the external sanctions directory over HTTP, optionally
// caching lookups in redis to bound directory load during large runs.
type Client struct {
	cfg    Config
	client *http.Client
	cache  *redis.Client
}

func NewClient(cfg Config, cache *redis.Client) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.85
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
	}
}

type lookupRequest struct {
	Name        string   `json:"name"`
	Identifiers []string `json:"identifiers,omitempty"`
}

type lookupResponse struct {
	Candidates []struct {
		ID      string  `json:"id"`
		Name    string  `json:"name"`
		List    string  `json:"list"`
		Country string  `json:"country"`
		Score   float64 `json:"score"`
	} `json:"candidates"`
}

func (c *Client) Lookup(ctx context.Context, name string, identifiers []string) ([]Match, error) {
	cacheKey := "kyt:sanctions:" + models.EntityID(name)
	if c.cache != nil {
		if data, err := c.cache.Get(ctx, cacheKey).Result(); err == nil {
			var cached []Match
			if json.Unmarshal([]byte(data), &cached) == nil {
				return cached, nil
			}
		}
	}

	body, err := json.Marshal(lookupRequest{Name: name, Identifiers: identifiers})
	if err != nil {
		return nil, fmt.Errorf("marshal lookup: %w", err)
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
		return nil, faults.New(faults.CategoryTransientUnavailable, "", "sanctions directory unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, faults.New(faults.CategoryTransientUnavailable, "",
			fmt.Sprintf("sanctions directory error (%d)", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.New(faults.CategorySchemaViolation, "",
			fmt.Sprintf("sanctions directory rejected lookup (%d)", resp.StatusCode), nil)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, faults.New(faults.CategoryTransientUnavailable, "", "reading directory response", err)
	}

	var out lookupResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, faults.New(faults.CategorySchemaViolation, "", "undecodable directory response", err)
	}

	matches := make([]Match, 0, len(out.Candidates))
	for _, cand := range out.Candidates {
		m := score(name, cand.Name, c.cfg.SimilarityThreshold)
		if m == nil {
			continue
		}
		m.ListEntryID = cand.ID
		m.List = cand.List
		m.Country = cand.Country
		matches = append(matches, *m)
	}
	sortMatches(matches)

	if c.cache != nil {
		if data, err := json.Marshal(matches); err == nil {
			c.cache.Set(ctx, cacheKey, string(data), c.cfg.CacheTTL)
		}
	}

	return matches, nil
}

// score re-scores a candidate name locally with Jaro-Winkler similarity
// and drops it when below the threshold. Exact matches (case and
// whitespace insensitive) always score 1.
func score(query, candidate string, threshold float64) *Match {
	q := normalize(query)
	c := normalize(candidate)
	if q == c {
		return &Match{Name: candidate, Similarity: 1, Exact: true}
	}
	sim := smetrics.JaroWinkler(q, c, 0.7, 4)
	if sim < threshold {
		return nil
	}
	return &Match{Name: candidate, Similarity: sim}
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ListEntryID < matches[j].ListEntryID
	})
}
