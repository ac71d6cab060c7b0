// Package market serves historical A-share bars to concurrent agents. The
// Provider layers process-lifetime caches and request coalescing over a raw
// QuoteSource so that N agents asking for the same bar produce one upstream
// fetch, and maintains the per-day candidate pools the agents pick buys from.
package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/utils"
)

// ErrNoData indicates the upstream has no bar for the requested code and day.
var ErrNoData = errors.New("market: no data for requested day")

const (
	defaultBatchSize   = 200
	defaultParallelism = 8
	defaultWaitTimeout = 30 * time.Second

	indexCacheLimit     = 200
	indexRetainDays     = 180
	indexPreloadPadding = 7
)

// MarketIndices are the benchmark indexes shown to the models each day.
var MarketIndices = []struct {
	Name string
	Code string
}{
	{"SSE Composite", "sh.000001"},
	{"SZSE Component", "sz.399001"},
	{"CSI 300", "sh.000300"},
	{"ChiNext", "sz.399006"},
}

// Options tune the provider. Zero values fall back to defaults.
type Options struct {
	// BatchSize caps how many candidates a preload collects per date.
	BatchSize int
	// Parallelism bounds concurrent upstream fetches during preload.
	Parallelism int
	// WaitTimeout bounds how long a caller waits on someone else's
	// in-flight fetch before issuing its own.
	WaitTimeout time.Duration
}

// Provider is the concurrency-safe market data layer. All methods may be
// called from any goroutine.
type Provider struct {
	source domain.QuoteSource
	news   domain.NewsSource
	cache  *CacheRepository
	log    zerolog.Logger

	batchSize   int
	parallelism int
	waitTimeout time.Duration

	group singleflight.Group

	mu           sync.RWMutex
	quotes       map[string]*domain.Quote
	indexes      map[string]*domain.Quote
	dates        map[string][]string
	basics       map[string]domain.StockBasic
	basicsLoaded bool
	whitelist    []string
	pools        map[string]*domain.CandidatePool
	preloaded    map[string]bool
	history      map[string][]closePoint
}

// NewProvider creates a market data provider. news and cache may be nil; a
// nil news source yields empty hot lists and a nil cache disables the
// persistent quote store.
func NewProvider(source domain.QuoteSource, news domain.NewsSource, cache *CacheRepository, opts Options, log zerolog.Logger) *Provider {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	return &Provider{
		source:      source,
		news:        news,
		cache:       cache,
		log:         log.With().Str("component", "market").Logger(),
		batchSize:   opts.BatchSize,
		parallelism: opts.Parallelism,
		waitTimeout: opts.WaitTimeout,
		quotes:      make(map[string]*domain.Quote),
		indexes:     make(map[string]*domain.Quote),
		dates:       make(map[string][]string),
		basics:      make(map[string]domain.StockBasic),
		pools:       make(map[string]*domain.CandidatePool),
		preloaded:   make(map[string]bool),
		history:     make(map[string][]closePoint),
	}
}

func quoteKey(code, date string) string {
	return code + "|" + date
}

// DailyQuote returns the bar for (code, date), or (nil, nil) when the day
// has no bar. Concurrent requests for the same key share one upstream fetch;
// a caller that waits longer than WaitTimeout on someone else's fetch gives
// up on it and fetches directly.
func (p *Provider) DailyQuote(ctx context.Context, code, date string) (*domain.Quote, error) {
	code = NormalizeCode(code)
	date, err := utils.NormalizeDate(date)
	if err != nil {
		return nil, err
	}

	if quote, ok := p.memQuote(code, date); ok {
		return quote, nil
	}
	if p.cache != nil {
		if quote, err := p.cache.Quote(code, date); err == nil && quote != nil {
			p.remember(quote)
			return quote, nil
		}
	}

	key := "quote:" + code + ":" + date
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(key, func() (any, error) {
		return p.fetchQuote(shared, code, date)
	})

	timer := time.NewTimer(p.waitTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		quote, _ := res.Val.(*domain.Quote)
		return quote, nil
	case <-timer.C:
		// The shared fetch is stuck; stop waiting and go direct.
		p.group.Forget(key)
		p.log.Warn().Str("code", code).Str("date", date).Msg("Coalesced fetch timed out, fetching directly")
		return p.fetchQuote(ctx, code, date)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ClosePrice returns the close for (code, date), or ErrNoData when the tape
// has no bar. Used where a missing bar must be distinguished from a
// transport failure, e.g. repricing after a rollback.
func (p *Provider) ClosePrice(ctx context.Context, code, date string) (float64, error) {
	quote, err := p.DailyQuote(ctx, code, date)
	if err != nil {
		return 0, err
	}
	if quote == nil || quote.Close <= 0 {
		return 0, ErrNoData
	}
	return quote.Close, nil
}

func (p *Provider) memQuote(code, date string) (*domain.Quote, bool) {
	p.mu.RLock()
	quote, ok := p.quotes[quoteKey(code, date)]
	p.mu.RUnlock()
	return quote, ok
}

// remember caches a bar in memory and feeds the close history.
func (p *Provider) remember(quote *domain.Quote) {
	p.mu.Lock()
	p.quotes[quoteKey(quote.Code, quote.TradeDate)] = quote
	p.recordHistoryLocked(quote.Code, quote.TradeDate, quote.Close)
	p.mu.Unlock()
}

// rememberMiss records a no-bar day as a nil entry so suspended codes are not
// refetched every time an agent reprices them. The tape is historical: a date
// with no bar never grows one, so the entry lives for the run.
func (p *Provider) rememberMiss(code, date string) {
	p.mu.Lock()
	p.quotes[quoteKey(code, date)] = nil
	p.mu.Unlock()
}

func (p *Provider) fetchQuote(ctx context.Context, code, date string) (*domain.Quote, error) {
	quote, err := p.source.DailyQuote(ctx, code, date)
	if err != nil {
		return nil, err
	}
	if quote == nil {
		p.rememberMiss(code, date)
		return nil, nil
	}
	p.remember(quote)
	if p.cache != nil {
		if err := p.cache.SaveQuote(quote); err != nil {
			p.log.Warn().Err(err).Str("code", code).Msg("Failed to persist quote")
		}
	}
	return quote, nil
}

// IndexQuote returns the bar for an index, cached in memory for the life of
// the run (subject to EvictStaleIndexes).
func (p *Provider) IndexQuote(ctx context.Context, code, date string) (*domain.Quote, error) {
	code = NormalizeCode(code)
	date, err := utils.NormalizeDate(date)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	quote, ok := p.indexes[quoteKey(code, date)]
	p.mu.RUnlock()
	if ok {
		return quote, nil
	}

	shared := context.WithoutCancel(ctx)
	v, err, _ := p.group.Do("index:"+code+":"+date, func() (any, error) {
		quote, err := p.source.IndexQuote(shared, code, date)
		if err != nil {
			return nil, err
		}
		if quote != nil {
			p.mu.Lock()
			p.indexes[quoteKey(code, date)] = quote
			p.mu.Unlock()
		}
		return quote, nil
	})
	if err != nil {
		return nil, err
	}
	quote, _ = v.(*domain.Quote)
	return quote, nil
}

// TradeDates returns the exchange trading days within [start, end], sorted
// ascending and cached per range.
func (p *Provider) TradeDates(ctx context.Context, start, end string) ([]string, error) {
	start, err := utils.NormalizeDate(start)
	if err != nil {
		return nil, err
	}
	end, err = utils.NormalizeDate(end)
	if err != nil {
		return nil, err
	}

	cacheKey := start + ":" + end
	p.mu.RLock()
	cached, ok := p.dates[cacheKey]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}

	shared := context.WithoutCancel(ctx)
	v, err, _ := p.group.Do("dates:"+cacheKey, func() (any, error) {
		raw, err := p.source.TradeDates(shared, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to load trade calendar: %w", err)
		}
		dates := make([]string, 0, len(raw))
		for _, d := range raw {
			if normalized, err := utils.NormalizeDate(d); err == nil {
				dates = append(dates, normalized)
			}
		}
		sort.Strings(dates)

		p.mu.Lock()
		p.dates[cacheKey] = dates
		p.mu.Unlock()
		return dates, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// EnsureBasics loads the listing table and builds the tradable whitelist.
// Safe to call repeatedly; only the first call fetches.
func (p *Provider) EnsureBasics(ctx context.Context) error {
	p.mu.RLock()
	loaded := p.basicsLoaded
	p.mu.RUnlock()
	if loaded {
		return nil
	}

	shared := context.WithoutCancel(ctx)
	_, err, _ := p.group.Do("basics", func() (any, error) {
		basics, err := p.source.StockBasics(shared)
		if err != nil {
			return nil, fmt.Errorf("failed to load stock basics: %w", err)
		}

		byCode := make(map[string]domain.StockBasic, len(basics))
		whitelist := make([]string, 0, len(basics))
		stCount, delistedCount := 0, 0
		for _, b := range basics {
			b.Code = NormalizeCode(b.Code)
			byCode[b.Code] = b
			if b.IsST {
				stCount++
			}
			if !b.Listed {
				delistedCount++
			}
			if b.Type == "stock" && b.Listed && !b.IsST && IsStockCode(b.Code) {
				whitelist = append(whitelist, b.Code)
			}
		}
		sort.Strings(whitelist)

		p.mu.Lock()
		p.basics = byCode
		p.whitelist = whitelist
		p.basicsLoaded = true
		p.mu.Unlock()

		p.log.Info().
			Int("stocks", len(byCode)).
			Int("whitelist", len(whitelist)).
			Int("st", stCount).
			Int("delisted", delistedCount).
			Msg("Stock universe loaded")
		return nil, nil
	})
	return err
}

// BasicInfo returns the listing record for a code.
func (p *Provider) BasicInfo(code string) (domain.StockBasic, bool) {
	code = NormalizeCode(code)
	p.mu.RLock()
	basic, ok := p.basics[code]
	p.mu.RUnlock()
	return basic, ok
}

// StockName returns the display name for a code, falling back to the code
// itself when the listing table does not know it.
func (p *Provider) StockName(code string) string {
	if basic, ok := p.BasicInfo(code); ok && basic.Name != "" {
		return basic.Name
	}
	return NormalizeCode(code)
}

// Whitelist returns a copy of the tradable code list.
func (p *Provider) Whitelist() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.whitelist))
	copy(out, p.whitelist)
	return out
}

// tradable reports whether the code may enter the candidate pool. Codes the
// listing table does not know are attempted; the bar filters catch dead ones.
func (p *Provider) tradable(code string) bool {
	p.mu.RLock()
	basic, ok := p.basics[code]
	p.mu.RUnlock()
	if !ok {
		return true
	}
	return basic.Listed && !basic.IsST
}

// PreloadDay warms the quote cache for one trading day and builds its
// candidate pool: hot codes first, then the whitelist remainder, keeping the
// first batchSize codes that have a real bar. Called once per day by the
// scheduler before agents fan out; concurrent calls for the same day share
// one build.
func (p *Provider) PreloadDay(ctx context.Context, date string) (*domain.CandidatePool, error) {
	date, err := utils.NormalizeDate(date)
	if err != nil {
		return nil, err
	}

	if pool := p.memPool(date); pool != nil {
		return pool, nil
	}

	shared := context.WithoutCancel(ctx)
	v, err, _ := p.group.Do("preload:"+date, func() (any, error) {
		if pool := p.memPool(date); pool != nil {
			return pool, nil
		}
		return p.buildPool(shared, date)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.CandidatePool), nil
}

func (p *Provider) memPool(date string) *domain.CandidatePool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.preloaded[date] {
		return nil
	}
	return p.pools[date]
}

func (p *Provider) buildPool(ctx context.Context, date string) (*domain.CandidatePool, error) {
	start := time.Now()
	p.log.Info().Str("date", date).Int("batch_size", p.batchSize).Msg("Preloading trading day")

	if err := p.EnsureBasics(ctx); err != nil {
		return nil, err
	}
	whitelist := p.Whitelist()
	if len(whitelist) == 0 {
		return nil, fmt.Errorf("stock whitelist is empty")
	}

	var hotCodes, hotSectors []string
	if p.news != nil {
		var err error
		hotCodes, err = p.news.HotCodes(ctx, date, p.batchSize)
		if err != nil {
			p.log.Warn().Err(err).Str("date", date).Msg("Hot codes unavailable")
			hotCodes = nil
		}
		hotSectors, err = p.news.HotSectors(ctx, date, 20)
		if err != nil {
			p.log.Warn().Err(err).Str("date", date).Msg("Hot sectors unavailable")
			hotSectors = nil
		}
	}

	ordered := orderCandidates(hotCodes, whitelist)
	candidates := p.collectCandidates(ctx, ordered, date, p.batchSize, 0)

	pool := &domain.CandidatePool{
		TradeDate:   date,
		Candidates:  candidates,
		HotCodes:    normalizeCodes(hotCodes),
		HotSectors:  hotSectors,
		GeneratedAt: time.Now().Format(time.RFC3339),
		Source:      domain.PoolSourcePreload,
	}
	p.storePool(pool)

	p.log.Info().
		Str("date", date).
		Int("candidates", len(candidates)).
		Int("hot_codes", len(hotCodes)).
		Int("hot_sectors", len(hotSectors)).
		Dur("took", time.Since(start)).
		Msg("Preload complete")
	return pool, nil
}

func (p *Provider) storePool(pool *domain.CandidatePool) {
	p.mu.Lock()
	p.pools[pool.TradeDate] = pool
	p.preloaded[pool.TradeDate] = true
	p.mu.Unlock()

	if p.cache != nil {
		if err := p.cache.SavePool(pool); err != nil {
			p.log.Warn().Err(err).Str("date", pool.TradeDate).Msg("Failed to persist pool")
		}
	}
}

// orderCandidates puts whitelisted hot codes first, then the rest of the
// whitelist. Hot codes outside the whitelist are dropped.
func orderCandidates(hotCodes, whitelist []string) []string {
	inWhitelist := make(map[string]bool, len(whitelist))
	for _, code := range whitelist {
		inWhitelist[code] = true
	}

	ordered := make([]string, 0, len(whitelist))
	seen := make(map[string]bool, len(whitelist))
	for _, code := range hotCodes {
		code = NormalizeCode(code)
		if inWhitelist[code] && !seen[code] {
			ordered = append(ordered, code)
			seen[code] = true
		}
	}
	for _, code := range whitelist {
		if !seen[code] {
			ordered = append(ordered, code)
			seen[code] = true
		}
	}
	return ordered
}

func normalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		out = append(out, NormalizeCode(code))
	}
	return out
}

// collectCandidates walks the ordered code list in windows, fetching bars
// with bounded parallelism until enough valid candidates are collected.
// Results keep list order so hot codes stay in front.
func (p *Provider) collectCandidates(ctx context.Context, ordered []string, date string, want int, maxPrice float64) []domain.Candidate {
	collected := make([]domain.Candidate, 0, want)
	window := p.parallelism * 8

	for offset := 0; offset < len(ordered) && len(collected) < want; offset += window {
		if ctx.Err() != nil {
			break
		}
		end := offset + window
		if end > len(ordered) {
			end = len(ordered)
		}
		chunk := ordered[offset:end]
		results := make([]*domain.Candidate, len(chunk))

		var g errgroup.Group
		g.SetLimit(p.parallelism)
		for i, code := range chunk {
			i, code := i, code
			g.Go(func() error {
				results[i] = p.loadCandidate(ctx, code, date, maxPrice)
				return nil
			})
		}
		_ = g.Wait()

		for _, candidate := range results {
			if candidate != nil && len(collected) < want {
				collected = append(collected, *candidate)
			}
		}
	}
	return collected
}

func (p *Provider) loadCandidate(ctx context.Context, code, date string, maxPrice float64) *domain.Candidate {
	if ctx.Err() != nil || !p.tradable(code) {
		return nil
	}

	quote, err := p.DailyQuote(ctx, code, date)
	if err != nil || quote == nil {
		return nil
	}
	if quote.Close <= 0 || quote.Volume <= 0 {
		return nil
	}
	if maxPrice > 0 && quote.Close > maxPrice {
		return nil
	}

	basic, _ := p.BasicInfo(code)
	name := basic.Name
	if name == "" {
		name = code
	}
	return &domain.Candidate{
		Code:         code,
		Name:         name,
		Close:        quote.Close,
		PctChg:       quote.PctChg,
		Industry:     basic.Industry,
		PETTM:        quote.PETTM,
		TurnoverRate: quote.TurnoverRate,
	}
}

// CandidatePool returns the pool for a date: memory first, then the
// persistent cache, then an inline preload. A failed inline preload yields
// an empty pool marked as fallback so the day can still proceed.
func (p *Provider) CandidatePool(ctx context.Context, date string) (*domain.CandidatePool, error) {
	date, err := utils.NormalizeDate(date)
	if err != nil {
		return nil, err
	}

	if pool := p.memPool(date); pool != nil {
		return pool, nil
	}
	if p.cache != nil {
		if pool, err := p.cache.Pool(date); err == nil && pool != nil {
			p.mu.Lock()
			p.pools[date] = pool
			p.preloaded[date] = true
			p.mu.Unlock()
			return pool, nil
		}
	}

	p.log.Warn().Str("date", date).Msg("Candidate pool missing, preloading inline")
	pool, err := p.PreloadDay(ctx, date)
	if err != nil {
		p.log.Error().Err(err).Str("date", date).Msg("Inline preload failed")
		return &domain.CandidatePool{
			TradeDate:   date,
			GeneratedAt: time.Now().Format(time.RFC3339),
			Source:      domain.PoolSourceFallback,
		}, nil
	}
	return pool, nil
}

// Candidates returns the day's buyable universe filtered to maxPrice, hot
// codes first, at most limit entries. When the pool is empty or fully
// filtered out it degrades to a direct whitelist walk with the same filters.
func (p *Provider) Candidates(ctx context.Context, date string, maxPrice float64, limit int) ([]domain.Candidate, error) {
	pool, err := p.CandidatePool(ctx, date)
	if err != nil {
		return nil, err
	}

	if len(pool.Candidates) > 0 {
		filtered := make([]domain.Candidate, 0, len(pool.Candidates))
		for _, c := range pool.Candidates {
			if c.Close > 0 && c.Close <= maxPrice {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			ordered := hotFirst(filtered, pool.HotCodes)
			if len(ordered) > limit {
				ordered = ordered[:limit]
			}
			return ordered, nil
		}
	}

	p.log.Warn().
		Str("date", date).
		Int("pool_size", len(pool.Candidates)).
		Msg("Pool empty after filters, walking whitelist")
	if err := p.EnsureBasics(ctx); err != nil {
		return nil, err
	}
	ordered := orderCandidates(pool.HotCodes, p.Whitelist())
	walked := p.collectCandidates(ctx, ordered, date, limit, maxPrice)
	return walked, nil
}

func hotFirst(candidates []domain.Candidate, hotCodes []string) []domain.Candidate {
	hot := make(map[string]bool, len(hotCodes))
	for _, code := range hotCodes {
		hot[NormalizeCode(code)] = true
	}
	ordered := make([]domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if hot[c.Code] {
			ordered = append(ordered, c)
		}
	}
	for _, c := range candidates {
		if !hot[c.Code] {
			ordered = append(ordered, c)
		}
	}
	return ordered
}

// IndexSnapshot returns the day's bars for the benchmark indexes, keyed by
// index code ("sh.000001", ...). Missing indexes are simply absent.
func (p *Provider) IndexSnapshot(ctx context.Context, date string) map[string]*domain.Quote {
	snapshot := make(map[string]*domain.Quote, len(MarketIndices))
	for _, idx := range MarketIndices {
		quote, err := p.IndexQuote(ctx, idx.Code, date)
		if err != nil {
			p.log.Warn().Err(err).Str("index", idx.Code).Str("date", date).Msg("Index quote unavailable")
			continue
		}
		if quote != nil {
			snapshot[idx.Code] = quote
		}
	}
	return snapshot
}

// PreloadIndexData warms the index cache for a run, padding one week on each
// side so the first and last days still have market context.
func (p *Provider) PreloadIndexData(ctx context.Context, startDate, endDate string) error {
	start, err := utils.AddDays(startDate, -indexPreloadPadding)
	if err != nil {
		return err
	}
	end, err := utils.AddDays(endDate, indexPreloadPadding)
	if err != nil {
		return err
	}

	dates, err := p.TradeDates(ctx, start, end)
	if err != nil {
		return fmt.Errorf("failed to load trade calendar: %w", err)
	}

	for _, idx := range MarketIndices {
		count := 0
		for _, date := range dates {
			quote, err := p.IndexQuote(ctx, idx.Code, date)
			if err != nil {
				continue
			}
			if quote != nil {
				count++
			}
		}
		p.log.Debug().Str("index", idx.Name).Int("bars", count).Msg("Index bars cached")
	}

	p.log.Info().Int("trade_dates", len(dates)).Msg("Index data preloaded")
	return nil
}

// EvictStaleIndexes drops index bars more than six months behind the current
// date once the cache holds more than 200 entries.
func (p *Provider) EvictStaleIndexes(currentDate string) {
	cutoff, err := utils.AddDays(currentDate, -indexRetainDays)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.indexes) <= indexCacheLimit {
		return
	}
	removed := 0
	for key, quote := range p.indexes {
		if quote.TradeDate < cutoff {
			delete(p.indexes, key)
			removed++
		}
	}
	if removed > 0 {
		p.log.Debug().Int("removed", removed).Msg("Stale index bars evicted")
	}
}
