package di

import (
	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/config"
)

// Wire builds the full container from configuration. On error everything
// already opened is closed before returning.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Log:    log,
	}

	if err := c.openDatabases(); err != nil {
		c.Close()
		return nil, err
	}
	c.buildRepositories()
	if err := c.buildServices(); err != nil {
		c.Close()
		return nil, err
	}

	log.Info().
		Str("data_dir", cfg.Storage.DataDir).
		Int("models", len(c.Invokers)).
		Bool("backups", c.Backups != nil).
		Msg("Container wired")
	return c, nil
}
