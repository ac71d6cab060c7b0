package di

import (
	"fmt"
	"path/filepath"

	"github.com/lharena/arena/internal/database"
)

// openDatabases opens and migrates the two database files under the data
// directory. The ledger profile trades speed for durability; the cache
// profile does the opposite because every row can be refetched.
func (c *Container) openDatabases() error {
	dataDir := c.Config.Storage.DataDir

	arenaDB, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, "arena.db"),
		Profile: database.ProfileLedger,
		Name:    "arena",
	})
	if err != nil {
		return fmt.Errorf("open arena database: %w", err)
	}
	if err := arenaDB.Migrate(); err != nil {
		arenaDB.Close()
		return fmt.Errorf("migrate arena database: %w", err)
	}
	c.ArenaDB = arenaDB

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		return fmt.Errorf("open cache database: %w", err)
	}
	if err := cacheDB.Migrate(); err != nil {
		cacheDB.Close()
		return fmt.Errorf("migrate cache database: %w", err)
	}
	c.CacheDB = cacheDB
	return nil
}
