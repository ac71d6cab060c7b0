package domain

import "context"

// QuoteSource fetches raw market data from an upstream tape. Implementations
// must be safe for concurrent use; callers rely on the provider layer for
// caching and request coalescing.
type QuoteSource interface {
	// DailyQuote returns the bar for one stock on one trading day.
	// Returns (nil, nil) when the day has no bar for the code.
	DailyQuote(ctx context.Context, code, date string) (*Quote, error)

	// IndexQuote returns the bar for one index on one trading day.
	IndexQuote(ctx context.Context, code, date string) (*Quote, error)

	// TradeDates returns the exchange trading days within [start, end].
	TradeDates(ctx context.Context, start, end string) ([]string, error)

	// StockBasics returns the full listing table.
	StockBasics(ctx context.Context) ([]StockBasic, error)
}

// NewsSource provides day-bounded news context for prompts and candidate
// discovery. Implementations degrade to empty results on upstream failure.
type NewsSource interface {
	StockNews(ctx context.Context, code, date string, limit int) ([]NewsItem, error)
	MarketNews(ctx context.Context, date string, limit int) ([]NewsItem, error)
	HotCodes(ctx context.Context, date string, limit int) ([]string, error)
	HotSectors(ctx context.Context, date string, limit int) ([]string, error)
}
