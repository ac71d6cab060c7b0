package market

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lharena/arena/internal/domain"
)

// CacheRepository persists fetched bars and candidate pools in the cache
// database so restarts do not replay the whole tape against the upstream.
// Payloads are msgpack blobs; the cache is fully refetchable, so writes are
// best-effort.
type CacheRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCacheRepository creates a new market cache repository
func NewCacheRepository(db *sql.DB, log zerolog.Logger) *CacheRepository {
	return &CacheRepository{
		db:  db,
		log: log.With().Str("repo", "market_cache").Logger(),
	}
}

// Quote returns the cached bar for (code, date), or (nil, nil) on a miss.
func (r *CacheRepository) Quote(code, date string) (*domain.Quote, error) {
	var payload []byte
	err := r.db.QueryRow(
		"SELECT payload FROM quote_cache WHERE code = ? AND trade_date = ?",
		code, date,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quote cache: %w", err)
	}

	var quote domain.Quote
	if err := msgpack.Unmarshal(payload, &quote); err != nil {
		return nil, fmt.Errorf("failed to decode cached quote: %w", err)
	}
	return &quote, nil
}

// SaveQuote stores one bar, replacing any previous payload for the key.
func (r *CacheRepository) SaveQuote(quote *domain.Quote) error {
	payload, err := msgpack.Marshal(quote)
	if err != nil {
		return fmt.Errorf("failed to encode quote: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO quote_cache (code, trade_date, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, quote.Code, quote.TradeDate, payload, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to write quote cache: %w", err)
	}
	return nil
}

// Pool returns the cached candidate pool for a date, or (nil, nil) on a miss.
func (r *CacheRepository) Pool(date string) (*domain.CandidatePool, error) {
	var payload []byte
	err := r.db.QueryRow(
		"SELECT payload FROM candidate_pools WHERE trade_date = ?",
		date,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pool cache: %w", err)
	}

	var pool domain.CandidatePool
	if err := msgpack.Unmarshal(payload, &pool); err != nil {
		return nil, fmt.Errorf("failed to decode cached pool: %w", err)
	}
	return &pool, nil
}

// SavePool stores one candidate pool keyed by trade date.
func (r *CacheRepository) SavePool(pool *domain.CandidatePool) error {
	payload, err := msgpack.Marshal(pool)
	if err != nil {
		return fmt.Errorf("failed to encode pool: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO candidate_pools (trade_date, payload, created_at)
		VALUES (?, ?, ?)
	`, pool.TradeDate, payload, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to write pool cache: %w", err)
	}
	return nil
}
