// Package news provides day-bounded news context from RSS feeds: headlines
// for prompts, plus the hot code and hot sector lists that seed candidate
// preloading. Everything degrades to empty results on upstream failure so a
// dead feed can never block a trading day.
package news

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/utils"
)

// lookbackDays bounds how far behind the trade date headlines are kept.
// Older items add prompt noise without information.
const lookbackDays = 7

var codePattern = regexp.MustCompile(`\b([0-9]{6})\b`)

// Service fetches and caches feed items per trading day.
type Service struct {
	feeds          []string
	sectorKeywords []string
	timeout        time.Duration
	parser         *gofeed.Parser
	log            zerolog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	byDay map[string][]domain.NewsItem
}

// New creates the news service. An empty feed list is valid and yields empty
// results everywhere.
func New(feeds, sectorKeywords []string, timeout time.Duration, log zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		feeds:          feeds,
		sectorKeywords: sectorKeywords,
		timeout:        timeout,
		parser:         gofeed.NewParser(),
		log:            log.With().Str("component", "news").Logger(),
		byDay:          make(map[string][]domain.NewsItem),
	}
}

// MarketNews returns the day's headlines, newest first.
func (s *Service) MarketNews(ctx context.Context, date string, limit int) ([]domain.NewsItem, error) {
	items := s.dayItems(ctx, date)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// StockNews returns headlines mentioning the stock's six-digit code.
func (s *Service) StockNews(ctx context.Context, code, date string, limit int) ([]domain.NewsItem, error) {
	digits := bareDigits(code)
	if digits == "" {
		return nil, nil
	}

	var matched []domain.NewsItem
	for _, item := range s.dayItems(ctx, date) {
		if strings.Contains(item.Title, digits) || strings.Contains(item.Summary, digits) {
			matched = append(matched, item)
			if limit > 0 && len(matched) >= limit {
				break
			}
		}
	}
	return matched, nil
}

// HotCodes extracts stock codes from the day's headlines, most-mentioned
// first. Codes are returned in canonical exchange-prefixed form.
func (s *Service) HotCodes(ctx context.Context, date string, limit int) ([]string, error) {
	type mention struct {
		code  string
		count int
		first int
	}
	counts := make(map[string]*mention)
	order := 0

	for _, item := range s.dayItems(ctx, date) {
		text := item.Title + " " + item.Summary
		for _, digits := range codePattern.FindAllString(text, -1) {
			code := inferHotCode(digits)
			if code == "" {
				continue
			}
			m, ok := counts[code]
			if !ok {
				m = &mention{code: code, first: order}
				counts[code] = m
				order++
			}
			m.count++
		}
	}

	ranked := make([]*mention, 0, len(counts))
	for _, m := range counts {
		ranked = append(ranked, m)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].first < ranked[j].first
	})

	codes := make([]string, 0, len(ranked))
	for _, m := range ranked {
		codes = append(codes, m.code)
		if limit > 0 && len(codes) >= limit {
			break
		}
	}
	return codes, nil
}

// HotSectors ranks the configured sector keywords by how often the day's
// headlines mention them.
func (s *Service) HotSectors(ctx context.Context, date string, limit int) ([]string, error) {
	items := s.dayItems(ctx, date)
	if len(items) == 0 || len(s.sectorKeywords) == 0 {
		return nil, nil
	}

	var corpus strings.Builder
	for _, item := range items {
		corpus.WriteString(item.Title)
		corpus.WriteString(" ")
		corpus.WriteString(item.Summary)
		corpus.WriteString(" ")
	}
	text := corpus.String()

	type sectorCount struct {
		name  string
		count int
		index int
	}
	var ranked []sectorCount
	for i, keyword := range s.sectorKeywords {
		if n := strings.Count(text, keyword); n > 0 {
			ranked = append(ranked, sectorCount{name: keyword, count: n, index: i})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].index < ranked[j].index
	})

	sectors := make([]string, 0, len(ranked))
	for _, sc := range ranked {
		sectors = append(sectors, sc.name)
		if limit > 0 && len(sectors) >= limit {
			break
		}
	}
	return sectors, nil
}

// dayItems returns the cached item set for a trading day, fetching all feeds
// once per day. Concurrent callers share one fetch.
func (s *Service) dayItems(ctx context.Context, date string) []domain.NewsItem {
	normalized, err := utils.NormalizeDate(date)
	if err != nil {
		return nil
	}

	s.mu.RLock()
	items, ok := s.byDay[normalized]
	s.mu.RUnlock()
	if ok {
		return items
	}

	shared := context.WithoutCancel(ctx)
	v, _, _ := s.group.Do("day:"+normalized, func() (any, error) {
		s.mu.RLock()
		cached, ok := s.byDay[normalized]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}
		return s.fetchDay(shared, normalized), nil
	})
	items, _ = v.([]domain.NewsItem)
	return items
}

// fetchDay pulls every feed within the news budget and keeps items published
// inside (D-lookback, end of D]. Items without a parseable publication time
// are dropped: without a timestamp there is no lookahead guarantee.
func (s *Service) fetchDay(ctx context.Context, date string) []domain.NewsItem {
	day, err := utils.ParseDate(date)
	if err != nil {
		return nil
	}
	dayEnd := day.Add(24 * time.Hour)
	windowStart := dayEnd.AddDate(0, 0, -(lookbackDays + 1))

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type stamped struct {
		item domain.NewsItem
		at   time.Time
	}

	var collectMu sync.Mutex
	var collected []stamped

	g, gctx := errgroup.WithContext(fetchCtx)
	for _, feedURL := range s.feeds {
		feedURL := feedURL
		g.Go(func() error {
			feed, err := s.parser.ParseURLWithContext(feedURL, gctx)
			if err != nil {
				s.log.Warn().Err(err).Str("feed", feedURL).Str("date", date).Msg("Feed fetch failed")
				return nil
			}

			items := make([]stamped, 0, len(feed.Items))
			for _, item := range feed.Items {
				if item.PublishedParsed == nil {
					continue
				}
				published := *item.PublishedParsed
				if !published.Before(dayEnd) || published.Before(windowStart) {
					continue
				}
				items = append(items, stamped{
					item: domain.NewsItem{
						Title:       strings.TrimSpace(item.Title),
						Summary:     cleanHTML(item.Description),
						Source:      feed.Title,
						PublishedAt: published.Format(time.RFC3339),
						Link:        item.Link,
					},
					at: published,
				})
			}

			collectMu.Lock()
			collected = append(collected, items...)
			collectMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(collected, func(i, j int) bool {
		return collected[i].at.After(collected[j].at)
	})
	result := make([]domain.NewsItem, len(collected))
	for i, st := range collected {
		result[i] = st.item
	}

	s.mu.Lock()
	s.byDay[date] = result
	s.mu.Unlock()

	s.log.Info().
		Str("date", date).
		Int("items", len(result)).
		Int("feeds", len(s.feeds)).
		Msg("News fetched")
	return result
}

// inferHotCode maps bare digits to a canonical code. Beijing exchange codes
// (8xxxxx) are skipped because the tradable whitelist cannot contain them.
func inferHotCode(digits string) string {
	switch digits[0] {
	case '6', '9':
		return "sh." + digits
	case '0', '3':
		return "sz." + digits
	}
	return ""
}

func bareDigits(code string) string {
	for _, part := range strings.Split(strings.ToLower(strings.TrimSpace(code)), ".") {
		if len(part) == 6 && allDigits(part) {
			return part
		}
	}
	return ""
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// cleanHTML strips markup from feed descriptions.
func cleanHTML(s string) string {
	if s == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + s + "</body>"))
	if err != nil {
		return s
	}
	return strings.TrimSpace(doc.Text())
}
