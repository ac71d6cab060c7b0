// Package di wires configuration, databases, repositories and services into
// the running application.
package di

import (
	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/config"
	"github.com/lharena/arena/internal/database"
	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/modules/backup"
	"github.com/lharena/arena/internal/modules/ledger"
	"github.com/lharena/arena/internal/modules/llm"
	"github.com/lharena/arena/internal/modules/market"
	"github.com/lharena/arena/internal/modules/memory"
	"github.com/lharena/arena/internal/modules/news"
	"github.com/lharena/arena/internal/modules/session"
	"github.com/lharena/arena/internal/scheduler"
)

// Container holds every wired dependency. Built once at startup by Wire.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	// Databases. ArenaDB is the durable competition ledger, CacheDB the
	// rebuildable market-data cache.
	ArenaDB *database.DB
	CacheDB *database.DB

	// Repositories over ArenaDB.
	Sessions    *session.SessionRepository
	ModelStates *session.ModelStateRepository
	AILogs      *session.AILogRepository
	Trades      *ledger.TradeRepository
	DailyAssets *ledger.DailyAssetRepository
	Holdings    *ledger.HoldingRepository
	Reflections *memory.ReflectionRepository

	// Repositories over CacheDB.
	MarketCache *market.CacheRepository

	// Services.
	QuoteSource domain.QuoteSource
	News        *news.Service
	Market      *market.Provider
	Invokers    map[string]*llm.Invoker

	Backups   *backup.Service
	Scheduler *scheduler.Scheduler
}

// Close releases held resources, newest first.
func (c *Container) Close() {
	if c.CacheDB != nil {
		if err := c.CacheDB.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close cache database")
		}
	}
	if c.ArenaDB != nil {
		if err := c.ArenaDB.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close arena database")
		}
	}
}
