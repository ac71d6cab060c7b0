package di

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/lharena/arena/internal/arena"
	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/modules/agent"
	"github.com/lharena/arena/internal/modules/backup"
	"github.com/lharena/arena/internal/modules/llm"
	"github.com/lharena/arena/internal/modules/market"
	"github.com/lharena/arena/internal/modules/news"
	"github.com/lharena/arena/internal/scheduler"
)

func (c *Container) buildServices() error {
	cfg := c.Config

	c.QuoteSource = market.NewHTTPQuoteSource(
		cfg.Market.BaseURL,
		time.Duration(cfg.Market.QuoteTimeoutSec)*time.Second,
		c.Log,
	)
	if len(cfg.News.Feeds) > 0 {
		c.News = news.New(
			cfg.News.Feeds,
			cfg.News.SectorKeywords,
			time.Duration(cfg.News.TimeoutSec)*time.Second,
			c.Log,
		)
	}
	c.Market = market.NewProvider(c.QuoteSource, c.newsSource(), c.MarketCache, market.Options{
		BatchSize:   cfg.Market.PreloadBatchSize,
		Parallelism: cfg.Market.PreloadParallel,
	}, c.Log)

	c.Invokers = make(map[string]*llm.Invoker)
	for _, m := range cfg.Arena.Models {
		if !m.Enabled {
			continue
		}
		client, err := llm.NewClient(m.APIKey, c.Log,
			llm.WithBaseURL(m.BaseURL),
			llm.WithModel(m.Model),
			llm.WithTemperature(cfg.LLM.Temperature),
			llm.WithMaxTokens(cfg.LLM.MaxTokens),
		)
		if err != nil {
			return fmt.Errorf("build llm client for %s: %w", m.Name, err)
		}
		c.Invokers[m.Name] = llm.NewInvoker(client, c.Log,
			llm.WithAttempts(cfg.LLM.MaxRetries),
			llm.WithBackoffBase(time.Duration(cfg.LLM.BackoffBaseSec)*time.Second),
			llm.WithCallTimeout(time.Duration(cfg.LLM.TimeoutSec)*time.Second),
		)
	}

	if cfg.Storage.Backup.Enabled {
		svc, err := backup.NewService(
			c.ArenaDB.Path(),
			filepath.Join(cfg.Storage.DataDir, "backups"),
			cfg.Storage.Backup,
			c.Log,
		)
		if err != nil {
			return fmt.Errorf("build backup service: %w", err)
		}
		c.Backups = svc

		c.Scheduler = scheduler.New(c.Log)
		if err := c.Scheduler.AddJob(cfg.Storage.Backup.Schedule, svc); err != nil {
			return fmt.Errorf("schedule backups: %w", err)
		}
	}
	return nil
}

// newsSource returns the news service as the interface the consumers take,
// keeping a disabled service a true nil rather than a typed-nil interface.
func (c *Container) newsSource() domain.NewsSource {
	if c.News == nil {
		return nil
	}
	return c.News
}

// NewArenaManager builds the competition manager with one agent per enabled
// model, all bound to sessionID. Called per run so resumed sessions get
// agents carrying the right session.
func (c *Container) NewArenaManager(sessionID string) *arena.Manager {
	deps := agent.Deps{
		ArenaDB:     c.ArenaDB.Conn(),
		Market:      c.Market,
		News:        c.newsSource(),
		Trades:      c.Trades,
		DailyAssets: c.DailyAssets,
		Holdings:    c.Holdings,
		Reflections: c.Reflections,
		AILogs:      c.AILogs,
		ModelState:  c.ModelStates,
	}

	var entrants []arena.Entrant
	for _, m := range c.Config.Arena.Models {
		if !m.Enabled {
			continue
		}
		agentDeps := deps
		agentDeps.Invoker = c.Invokers[m.Name]
		rotation := m.ResolveRotationOffset(len(entrants))
		entrants = append(entrants, arena.Entrant{
			Model: m,
			Agent: agent.New(m, rotation, sessionID, c.Config.Trading, agentDeps, c.Log),
		})
	}
	return arena.NewManager(c.Config, c.Market, c.Sessions, entrants, c.Log)
}
