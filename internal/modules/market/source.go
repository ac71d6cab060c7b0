package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/domain"
)

const (
	fetchAttempts = 2
	retryDelay    = 500 * time.Millisecond
)

// HTTPQuoteSource fetches historical bars from a JSON quote service. It is
// the raw transport; caching and request coalescing live in the Provider.
type HTTPQuoteSource struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPQuoteSource creates a quote source against the given base URL.
func NewHTTPQuoteSource(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPQuoteSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPQuoteSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "quotes").Logger(),
	}
}

// DailyQuote returns the bar for one stock on one trading day, or (nil, nil)
// when the day has no bar (suspension, holiday, not yet listed).
func (s *HTTPQuoteSource) DailyQuote(ctx context.Context, code, date string) (*domain.Quote, error) {
	return s.fetchBar(ctx, "/quote/daily", code, date)
}

// IndexQuote returns the bar for one index on one trading day.
func (s *HTTPQuoteSource) IndexQuote(ctx context.Context, code, date string) (*domain.Quote, error) {
	return s.fetchBar(ctx, "/index/daily", code, date)
}

func (s *HTTPQuoteSource) fetchBar(ctx context.Context, path, code, date string) (*domain.Quote, error) {
	query := url.Values{}
	query.Set("code", code)
	query.Set("date", date)

	var quote domain.Quote
	found, err := s.doGet(ctx, path, query, &quote)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	quote.Code = NormalizeCode(quote.Code)
	return &quote, nil
}

// TradeDates returns the exchange trading days within [start, end].
func (s *HTTPQuoteSource) TradeDates(ctx context.Context, start, end string) ([]string, error) {
	query := url.Values{}
	query.Set("start", start)
	query.Set("end", end)

	var result struct {
		Dates []string `json:"dates"`
	}
	found, err := s.doGet(ctx, "/calendar", query, &result)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return result.Dates, nil
}

// StockBasics returns the full listing table.
func (s *HTTPQuoteSource) StockBasics(ctx context.Context) ([]domain.StockBasic, error) {
	var result struct {
		Stocks []domain.StockBasic `json:"stocks"`
	}
	found, err := s.doGet(ctx, "/stocks", nil, &result)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return result.Stocks, nil
}

// doGet performs a GET with one retry. Returns found=false for 404/204
// responses so callers can distinguish "no data" from transport failure.
func (s *HTTPQuoteSource) doGet(ctx context.Context, path string, query url.Values, out any) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt-1)):
			}
		}

		found, err := s.tryGet(ctx, path, query, out)
		if err == nil {
			return found, nil
		}
		lastErr = err
		s.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("Quote fetch failed")
	}
	return false, lastErr
}

func (s *HTTPQuoteSource) tryGet(ctx context.Context, path string, query url.Values, out any) (bool, error) {
	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("quote service returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return true, nil
}
