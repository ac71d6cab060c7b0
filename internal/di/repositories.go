package di

import (
	"github.com/lharena/arena/internal/modules/ledger"
	"github.com/lharena/arena/internal/modules/market"
	"github.com/lharena/arena/internal/modules/memory"
	"github.com/lharena/arena/internal/modules/session"
)

func (c *Container) buildRepositories() {
	arenaConn := c.ArenaDB.Conn()
	c.Sessions = session.NewSessionRepository(arenaConn, c.Log)
	c.ModelStates = session.NewModelStateRepository(arenaConn, c.Log)
	c.AILogs = session.NewAILogRepository(arenaConn, c.Log)
	c.Trades = ledger.NewTradeRepository(arenaConn, c.Log)
	c.DailyAssets = ledger.NewDailyAssetRepository(arenaConn, c.Log)
	c.Holdings = ledger.NewHoldingRepository(arenaConn, c.Log)
	c.Reflections = memory.NewReflectionRepository(arenaConn, c.Log)

	c.MarketCache = market.NewCacheRepository(c.CacheDB.Conn(), c.Log)
}
