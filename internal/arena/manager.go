// Package arena advances all competing agents through the trade-date
// sequence in lockstep. Within a date every agent runs on its own goroutine;
// a barrier with a primary and a grace timeout keeps the equity curves the
// same length no matter which agent fails or stalls.
package arena

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/config"
	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/modules/agent"
	"github.com/lharena/arena/internal/modules/market"
	"github.com/lharena/arena/internal/modules/session"
	"github.com/lharena/arena/internal/utils"
)

// Barrier waits. An agent missing the grace window has its day cancelled and
// is re-attempted on the next date.
const (
	defaultPrimaryWait = 10 * time.Minute
	defaultGraceWait   = 5 * time.Minute
)

// Entrant pairs a roster entry with its live agent.
type Entrant struct {
	Model config.ModelConfig
	Agent *agent.Agent
}

// Update is the per-agent delta pushed to the update callback after each
// barrier.
type Update struct {
	ModelName   string                   `json:"model_name"`
	ModelColor  string                   `json:"model_color"`
	Date        string                   `json:"date"`
	Cash        float64                  `json:"cash"`
	TotalAssets float64                  `json:"total_assets"`
	ProfitPct   float64                  `json:"profit_pct"`
	Holdings    []domain.Holding         `json:"holdings"`
	DailyAssets []domain.DailyAssetPoint `json:"daily_assets"`
	Trades      []domain.Trade           `json:"trade_history"`
	Error       string                   `json:"error,omitempty"`
}

// Result is one agent's final standing after a run.
type Result struct {
	TotalAssets float64 `json:"total_assets"`
	ProfitPct   float64 `json:"profit_pct"`
	TradeCount  int     `json:"trade_count"`
	Error       string  `json:"error,omitempty"`
}

// Progress describes how far the current run has advanced.
type Progress struct {
	Running    bool   `json:"running"`
	CurrentDay int    `json:"current_day"`
	TotalDays  int    `json:"total_days"`
	Date       string `json:"date"`
}

// Manager owns the day loop. Portfolios are only read at barrier boundaries,
// when no agent goroutine is running, so the ranking snapshot taken there is
// what concurrent HTTP readers see.
type Manager struct {
	cfg      *config.Config
	provider *market.Provider
	sessions *session.SessionRepository
	entrants []Entrant
	log      zerolog.Logger

	primaryWait time.Duration
	graceWait   time.Duration

	onProgress func(model string, current, total int, message string)
	onUpdate   func(model string, update Update)
	shouldStop func() bool

	mu       sync.RWMutex
	rankings []agent.RankingEntry
	progress Progress
}

// NewManager creates the arena over an already-constructed roster.
func NewManager(cfg *config.Config, provider *market.Provider, sessions *session.SessionRepository, entrants []Entrant, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		provider:    provider,
		sessions:    sessions,
		entrants:    entrants,
		log:         log.With().Str("component", "arena").Logger(),
		primaryWait: defaultPrimaryWait,
		graceWait:   defaultGraceWait,
	}
}

// SetCallbacks wires the progress feed, the per-agent update feed and the
// cooperative stop check. Call before RunArena.
func (m *Manager) SetCallbacks(onProgress func(model string, current, total int, message string), onUpdate func(model string, update Update), shouldStop func() bool) {
	m.onProgress = onProgress
	m.onUpdate = onUpdate
	m.shouldStop = shouldStop
}

func (m *Manager) stopRequested() bool {
	return m.shouldStop != nil && m.shouldStop()
}

// Entrants returns the roster in declaration order.
func (m *Manager) Entrants() []Entrant { return m.entrants }

type dayResult struct {
	name string
	err  error
}

// RunArena drives every agent through [start, end] one trade date at a time.
// Dates at or before the session's current_date were already completed by an
// earlier process and are skipped. The returned map carries each agent's
// final standing; the error covers run-level failures only, individual agent
// failures are isolated per date.
func (m *Manager) RunArena(ctx context.Context, sessionID, start, end string) (map[string]Result, error) {
	start, err := utils.NormalizeDate(start)
	if err != nil {
		return nil, fmt.Errorf("arena: invalid start date: %w", err)
	}
	end, err = utils.NormalizeDate(end)
	if err != nil {
		return nil, fmt.Errorf("arena: invalid end date: %w", err)
	}

	if err := m.provider.EnsureBasics(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Stock basics unavailable, candidate pools will degrade")
	}
	if err := m.provider.PreloadIndexData(ctx, start, end); err != nil {
		m.log.Warn().Err(err).Msg("Index preload failed")
	}

	dates, err := m.provider.TradeDates(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("arena: load trade dates: %w", err)
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("arena: no trade dates in [%s, %s]", start, end)
	}

	completedThrough, err := m.repairAgents(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	total := len(dates)
	m.refreshRankings()
	m.log.Info().
		Str("session", sessionID).
		Str("start", start).
		Str("end", end).
		Int("days", total).
		Int("agents", len(m.entrants)).
		Msg("Arena run starting")

	for idx, date := range dates {
		if ctx.Err() != nil || m.stopRequested() {
			m.log.Info().Str("date", date).Msg("Arena stopped before barrier")
			break
		}
		if completedThrough != "" {
			if cmp, err := utils.CompareDates(date, completedThrough); err == nil && cmp <= 0 {
				continue
			}
		}

		m.setProgress(Progress{Running: true, CurrentDay: idx + 1, TotalDays: total, Date: date})
		m.emitProgress(idx+1, total, fmt.Sprintf("📅 Day %d/%d: %s", idx+1, total, utils.DashedDate(date)))

		if _, err := m.provider.PreloadDay(ctx, date); err != nil {
			m.log.Warn().Err(err).Str("date", date).Msg("Preload failed, using degraded candidates")
		}

		errsByAgent := m.runBarrierDay(ctx, date, idx+1, total)
		if ctx.Err() != nil || m.stopRequested() {
			// Stopped mid-day: the date did not complete the barrier.
			// Agents that had not finished restored their books and will
			// replay the date on resume.
			m.log.Info().Str("date", date).Msg("Arena stopped during barrier")
			break
		}
		m.finishDay(sessionID, date, errsByAgent)
	}

	m.setProgress(Progress{Running: false, TotalDays: total})

	results := make(map[string]Result, len(m.entrants))
	for _, e := range m.entrants {
		book := e.Agent.Portfolio()
		results[e.Model.Name] = Result{
			TotalAssets: book.TotalAssets(),
			ProfitPct:   book.ProfitPct(),
			TradeCount:  len(book.TradeHistory),
		}
	}
	m.logFinalRankings()
	return results, nil
}

// repairAgents is the startup integrity pass: every agent loads its state
// and rolls back past gaps and corruption. A failed rollback degrades to a
// full reset of that one agent. Returns the barrier watermark: the latest
// date every agent's equity curve has reached, empty when any agent starts
// fresh. Dates at or before the watermark are already complete.
func (m *Manager) repairAgents(ctx context.Context, sessionID string) (string, error) {
	rolledBack := false
	for _, e := range m.entrants {
		target, err := e.Agent.CheckAndRepair(ctx)
		if err != nil {
			m.log.Error().Err(err).Str("model", e.Model.Name).Msg("Repair failed, resetting agent")
			if err := e.Agent.Reset(ctx); err != nil {
				return "", fmt.Errorf("arena: reset %s: %w", e.Model.Name, err)
			}
			rolledBack = true
			continue
		}
		if target != "" {
			m.log.Warn().Str("model", e.Model.Name).Str("target", target).Msg("Agent state rolled back")
			rolledBack = true
		}
	}

	watermark := ""
	for _, e := range m.entrants {
		curve := e.Agent.Portfolio().DailyAssets
		if len(curve) == 0 {
			watermark = ""
			break
		}
		last := curve[len(curve)-1].TradeDate
		if watermark == "" {
			watermark = last
		} else if cmp, err := utils.CompareDates(last, watermark); err == nil && cmp < 0 {
			watermark = last
		}
	}

	// A rollback moved at least one agent behind the session's display
	// anchor; pull current_date back so readers see the true position.
	if rolledBack && watermark != "" {
		if err := m.sessions.UpdateCurrentDate(sessionID, watermark); err != nil {
			m.log.Warn().Err(err).Msg("Failed to rewind session current_date")
		}
	}
	return watermark, nil
}

// runBarrierDay fans one date out to every agent that has not recorded it
// yet and joins at the barrier. An agent whose curve already covers the date
// completed it in an earlier process and sits this one out, which is how a
// rolled-back competitor replays its gap while the others wait.
// Returns the per-agent day errors; an absent key means a clean day.
func (m *Manager) runBarrierDay(ctx context.Context, date string, currentDay, totalDays int) map[string]error {
	var pending []Entrant
	for _, e := range m.entrants {
		if curveReached(e.Agent.Portfolio().DailyAssets, date) {
			continue
		}
		pending = append(pending, e)
	}
	errs := make(map[string]error, len(pending))
	if len(pending) == 0 {
		return errs
	}

	dayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	contexts := make(map[string]*agent.RankingContext, len(pending))
	for _, e := range pending {
		contexts[e.Model.Name] = m.RankingContextFor(e.Model.Name, currentDay, totalDays)
	}

	results := make(chan dayResult, len(pending))
	for _, e := range pending {
		go func(e Entrant) {
			err := e.Agent.RunDay(dayCtx, date, contexts[e.Model.Name])
			results <- dayResult{name: e.Model.Name, err: err}
		}(e)
	}

	collected := 0
	timer := time.NewTimer(m.primaryWait)
	defer timer.Stop()
	inGrace := false

	drain := func() {
		for collected < len(pending) {
			r := <-results
			collected++
			if r.err != nil {
				errs[r.name] = r.err
			}
		}
	}

	for collected < len(pending) {
		select {
		case r := <-results:
			collected++
			if r.err != nil {
				errs[r.name] = r.err
			}
		case <-timer.C:
			if !inGrace {
				inGrace = true
				m.log.Warn().
					Str("date", date).
					Int("outstanding", len(pending)-collected).
					Msg("Barrier primary timeout, entering grace wait")
				timer.Reset(m.graceWait)
				continue
			}
			// Severe timeout: cancel the stragglers' day. RunDay observes
			// the context between nodes and inside every blocking call, so
			// the drain completes promptly.
			m.log.Error().
				Str("date", date).
				Int("outstanding", len(pending)-collected).
				Msg("Barrier grace timeout, cancelling outstanding agents")
			cancel()
			drain()
		case <-ctx.Done():
			cancel()
			drain()
		}
	}
	return errs
}

// curveReached reports whether the equity curve already extends to date.
func curveReached(curve []domain.DailyAssetPoint, date string) bool {
	if len(curve) == 0 {
		return false
	}
	last := curve[len(curve)-1].TradeDate
	cmp, err := utils.CompareDates(last, date)
	return err == nil && cmp >= 0
}

// finishDay runs after the barrier: continuity points for failed agents, the
// per-agent update feed, the refreshed leaderboard, and the session
// watermark.
func (m *Manager) finishDay(sessionID, date string, errsByAgent map[string]error) {
	for _, e := range m.entrants {
		dayErr := errsByAgent[e.Model.Name]
		if dayErr != nil {
			m.log.Error().Err(dayErr).Str("model", e.Model.Name).Str("date", date).Msg("Agent day failed")
			if err := e.Agent.RecordFailedDay(date); err != nil {
				m.log.Error().Err(err).Str("model", e.Model.Name).Msg("Failed to record continuity point")
			}
		}
		m.emitUpdate(e, date, dayErr)
	}

	rankings := m.refreshRankings()
	for _, entry := range rankings {
		label := entry.Medal
		if label == "" {
			label = fmt.Sprintf("%d.", entry.Rank)
		}
		m.log.Info().
			Str("date", date).
			Str("model", entry.Name).
			Float64("assets", entry.TotalAssets).
			Float64("profit_pct", entry.ProfitPct).
			Msgf("%s day ranking", label)
	}

	if err := m.sessions.UpdateCurrentDate(sessionID, date); err != nil {
		m.log.Warn().Err(err).Str("date", date).Msg("Failed to advance session watermark")
	}
}

func (m *Manager) emitUpdate(e Entrant, date string, dayErr error) {
	if m.onUpdate == nil {
		return
	}
	book := e.Agent.Portfolio()
	update := Update{
		ModelName:   e.Model.Name,
		ModelColor:  e.Model.Color,
		Date:        date,
		Cash:        book.Cash,
		TotalAssets: book.TotalAssets(),
		ProfitPct:   book.ProfitPct(),
		Holdings:    book.HoldingsSorted(),
		DailyAssets: append([]domain.DailyAssetPoint(nil), book.DailyAssets...),
		Trades:      append([]domain.Trade(nil), book.TradeHistory...),
	}
	if dayErr != nil {
		update.Error = dayErr.Error()
	}
	m.onUpdate(e.Model.Name, update)
}

func (m *Manager) emitProgress(current, total int, message string) {
	if m.onProgress == nil || len(m.entrants) == 0 {
		return
	}
	m.onProgress(m.entrants[0].Model.Name, current, total, message)
}

func (m *Manager) setProgress(p Progress) {
	m.mu.Lock()
	m.progress = p
	m.mu.Unlock()
}

// CurrentProgress returns the last barrier's progress marker.
func (m *Manager) CurrentProgress() Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progress
}

func (m *Manager) logFinalRankings() {
	for _, entry := range m.CurrentRankings() {
		label := entry.Medal
		if label == "" {
			label = fmt.Sprintf("%d.", entry.Rank)
		}
		m.log.Info().
			Str("model", entry.Name).
			Float64("assets", entry.TotalAssets).
			Float64("profit_pct", entry.ProfitPct).
			Msgf("%s final ranking", label)
	}
}
