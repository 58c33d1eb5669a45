package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/selivandex/coin-resolver/internal/adapters/config"
	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const (
	defaultBaseURL   = "https://api.coingecko.com/api/v3"
	throttleMarker   = "throttled"
	maxErrorBodySize = 512
)

// ErrRateLimited matches every *RateLimitError
var ErrRateLimited = errors.New("coingecko rate limited")

// RateLimitError is returned on HTTP 429 or a throttling marker in the body
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("coingecko rate limited (status %d, retry after %s)", e.StatusCode, e.RetryAfter)
}

func (e *RateLimitError) RateLimited() bool { return true }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// APIError is any other non-200 response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coingecko API error %d: %s", e.StatusCode, e.Body)
}

// Observer is notified after every HTTP round trip. status is 0 on transport errors.
type Observer func(endpoint string, status int, took time.Duration)

// CoinGeckoClient serves ticker search and batch USD prices
type CoinGeckoClient struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	observer Observer
}

// NewCoinGeckoClient creates new CoinGecko client
func NewCoinGeckoClient(cfg config.CoinGeckoConfig, timeout time.Duration, observer Observer) *CoinGeckoClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &CoinGeckoClient{
		baseURL:  baseURL,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
		observer: observer,
	}
}

type searchResponse struct {
	Coins []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Symbol        string `json:"symbol"`
		MarketCapRank *int   `json:"market_cap_rank"`
	} `json:"coins"`
}

// Search returns candidate coins for a free-text query.
func (c *CoinGeckoClient) Search(ctx context.Context, query string) ([]models.Candidate, error) {
	params := url.Values{"query": {query}}

	var resp searchResponse
	if err := c.get(ctx, "search", params, &resp); err != nil {
		return nil, err
	}

	out := make([]models.Candidate, 0, len(resp.Coins))
	for _, coin := range resp.Coins {
		if coin.ID == "" {
			continue
		}
		cand := models.Candidate{
			ID:     coin.ID,
			Symbol: strings.ToLower(coin.Symbol),
			Name:   coin.Name,
		}
		if coin.MarketCapRank != nil {
			cand.MarketCapRank = *coin.MarketCapRank
		}
		out = append(out, cand)
	}
	return out, nil
}

type simplePriceEntry struct {
	USD          *float64 `json:"usd"`
	USDChange24h *float64 `json:"usd_24h_change"`
	USDMarketCap *float64 `json:"usd_market_cap"`
}

// SimplePrice fetches USD quotes for ids in one request. Unknown ids are
// absent from the result.
func (c *CoinGeckoClient) SimplePrice(ctx context.Context, ids []string) (map[string]models.Quote, error) {
	if len(ids) == 0 {
		return map[string]models.Quote{}, nil
	}

	params := url.Values{
		"ids":                 {strings.Join(ids, ",")},
		"vs_currencies":       {"usd"},
		"include_24hr_change": {"true"},
		"include_market_cap":  {"true"},
	}

	var resp map[string]simplePriceEntry
	if err := c.get(ctx, "simple/price", params, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]models.Quote, len(resp))
	for id, e := range resp {
		if e.USD == nil {
			continue
		}
		q := models.Quote{ID: id, Price: *e.USD, Source: models.QuotePrimary}
		if e.USDChange24h != nil {
			q.Change24h = *e.USDChange24h
		}
		if e.USDMarketCap != nil && *e.USDMarketCap > 0 {
			mc := *e.USDMarketCap
			q.MarketCap = &mc
		}
		out[id] = q
	}
	return out, nil
}

func (c *CoinGeckoClient) get(ctx context.Context, endpoint string, params url.Values, dst interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		if strings.Contains(c.baseURL, "pro-api") {
			req.Header.Set("x-cg-pro-api-key", c.apiKey)
		} else {
			req.Header.Set("x-cg-demo-api-key", c.apiKey)
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.observe(endpoint, 0, time.Since(start))
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.observe(endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || isThrottleBody(resp.StatusCode, body) {
		rl := &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       truncate(string(body)),
		}
		logger.Warn("coingecko throttled request",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.Duration("retry_after", rl.RetryAfter),
		)
		return rl
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body))}
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *CoinGeckoClient) observe(endpoint string, status int, took time.Duration) {
	if c.observer != nil {
		c.observer(endpoint, status, took)
	}
}

// isThrottleBody spots the plain-text throttling page the CDN serves in place
// of a JSON payload, sometimes with a 200 status.
func isThrottleBody(status int, body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	if status == http.StatusOK && (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) {
		return false
	}
	return strings.Contains(strings.ToLower(trimmed), throttleMarker)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string) string {
	if len(s) > maxErrorBodySize {
		return s[:maxErrorBodySize]
	}
	return s
}
