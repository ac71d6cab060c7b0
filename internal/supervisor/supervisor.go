// Package supervisor owns the arena run lifecycle: resuming or creating a
// session, hydrating the live store from the database, launching the run
// goroutine and handling cooperative stop, reset and restore.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/arena"
	"github.com/lharena/arena/internal/config"
	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/modules/agent"
	"github.com/lharena/arena/internal/modules/backup"
	"github.com/lharena/arena/internal/modules/ledger"
	"github.com/lharena/arena/internal/modules/session"
	"github.com/lharena/arena/internal/store"
)

var (
	// ErrRunning is returned by operations that require a stopped arena.
	ErrRunning = errors.New("arena is running")
	// ErrNotFound is returned when a named session does not exist.
	ErrNotFound = errors.New("session not found")
)

// Deps collects the supervisor's collaborators. NewManager builds the arena
// over a fresh roster of agents bound to the given session; a new manager is
// built per run so resumed sessions get agents with the right session ID.
type Deps struct {
	Config     *config.Config
	NewManager func(sessionID string) *arena.Manager
	Store      *store.Store
	Sessions   *session.SessionRepository
	States     *session.ModelStateRepository
	Trades     *ledger.TradeRepository
	Curve      *ledger.DailyAssetRepository
	Holdings   *ledger.HoldingRepository
	Logs       *session.AILogRepository
	Backups    *backup.Service
}

// Supervisor serializes run lifecycle transitions. At most one run goroutine
// exists at a time.
type Supervisor struct {
	deps Deps
	log  zerolog.Logger

	mu      sync.Mutex
	running bool
	manager *arena.Manager
	cancel  context.CancelFunc
	done    chan struct{}

	stopFlag atomic.Bool
}

// New creates a supervisor. Nothing starts until Start is called.
func New(deps Deps, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		deps: deps,
		log:  log.With().Str("component", "supervisor").Logger(),
	}
}

// Running reports whether a run goroutine is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start resumes the latest unfinished session or creates a new one, hydrates
// the store and launches the run goroutine. Empty dates fall back to the
// configured range. Returns ErrRunning when a run is already active.
func (s *Supervisor) Start(startDate, endDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}

	if startDate == "" {
		startDate = s.deps.Config.Trading.StartDate
	}
	if endDate == "" {
		endDate = s.deps.Config.Trading.EndDate
	}

	sess, err := s.resumeOrCreate(startDate, endDate)
	if err != nil {
		return err
	}

	// Restore point before the integrity pass touches anything.
	if s.deps.Backups != nil {
		if _, err := s.deps.Backups.Create(context.Background()); err != nil {
			s.log.Warn().Err(err).Msg("Startup backup failed")
		}
	}

	if err := s.hydrateStore(*sess); err != nil {
		s.log.Warn().Err(err).Msg("Store hydration incomplete")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.manager = s.deps.NewManager(sess.ID)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stopFlag.Store(false)
	s.running = true
	go s.run(ctx, *sess, s.manager)
	return nil
}

// Rankings returns the current run's leaderboard, empty before the first
// Start.
func (s *Supervisor) Rankings() []agent.RankingEntry {
	s.mu.Lock()
	m := s.manager
	s.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.CurrentRankings()
}

// Stop requests a cooperative stop. The run finishes its current barrier day
// and exits; unfinished dates replay on the next Start.
func (s *Supervisor) Stop() {
	s.stopFlag.Store(true)
	s.log.Info().Msg("Stop requested")
}

// Shutdown stops the run and waits for the goroutine to exit or the context
// to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopFlag.Store(true)
	s.mu.Lock()
	running, cancel, done := s.running, s.cancel, s.done
	s.mu.Unlock()
	if !running {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset purges the latest session's rows and clears the store. Only valid
// while stopped.
func (s *Supervisor) Reset() error {
	if s.Running() {
		return ErrRunning
	}
	latest, err := s.deps.Sessions.GetLatest()
	if err != nil {
		return fmt.Errorf("supervisor: reset: %w", err)
	}
	if latest != nil {
		if err := s.deps.Sessions.Purge(latest.ID); err != nil {
			return fmt.Errorf("supervisor: reset: %w", err)
		}
		s.log.Info().Str("session", latest.ID).Msg("Session purged")
	}
	s.deps.Store.Clear()
	return nil
}

// RestoreBackup swaps the database file for a backup. Only valid while
// stopped; open connections keep serving the old file until the process
// restarts, so callers should restart promptly.
func (s *Supervisor) RestoreBackup(filename string) error {
	if s.Running() {
		return ErrRunning
	}
	if s.deps.Backups == nil {
		return errors.New("supervisor: backups not configured")
	}
	return s.deps.Backups.Restore(filename)
}

// LoadSession hydrates the store from a stored session without starting a
// run. Used to browse historical sessions.
func (s *Supervisor) LoadSession(sessionID string) error {
	if s.Running() {
		return ErrRunning
	}
	sess, err := s.deps.Sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("supervisor: %w: %s", ErrNotFound, sessionID)
	}
	return s.hydrateStore(*sess)
}

func (s *Supervisor) resumeOrCreate(startDate, endDate string) (*domain.Session, error) {
	sess, err := s.deps.Sessions.GetLatestUnfinished()
	if err != nil {
		return nil, fmt.Errorf("supervisor: find session: %w", err)
	}
	if sess != nil {
		s.log.Info().
			Str("session", sess.ID).
			Str("current_date", sess.CurrentDate).
			Msg("Resuming unfinished session")
		return sess, nil
	}

	cfgSnapshot, err := json.Marshal(map[string]any{
		"start_date":      startDate,
		"end_date":        endDate,
		"initial_capital": s.deps.Config.Trading.InitialCapital,
		"models":          enabledModelIDs(s.deps.Config.Arena.Models),
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: snapshot config: %w", err)
	}
	sess, err = s.deps.Sessions.Create(startDate, endDate, s.deps.Config.Trading.InitialCapital, string(cfgSnapshot))
	if err != nil {
		return nil, fmt.Errorf("supervisor: create session: %w", err)
	}
	return sess, nil
}

// hydrateStore rebuilds the live store from persisted rows. The store drops
// rows dated after the session's current_date; those days will be replayed.
func (s *Supervisor) hydrateStore(sess domain.Session) error {
	states, err := s.deps.States.ListBySession(sess.ID)
	if err != nil {
		return fmt.Errorf("supervisor: load model states: %w", err)
	}
	stateByName := make(map[string]session.ModelState, len(states))
	for _, st := range states {
		stateByName[st.ModelName] = st
	}

	var hydrations []store.Hydration
	for _, model := range s.deps.Config.Arena.Models {
		if !model.Enabled {
			continue
		}
		name := model.Name
		h := store.Hydration{
			Name:  name,
			Color: model.Color,
			Cash:  s.deps.Config.Trading.InitialCapital,
		}
		if st, ok := stateByName[name]; ok {
			h.Cash = st.Cash
			h.TotalAssets = st.TotalAssets
			h.ProfitPct = st.ProfitPct
		}
		if holdings, err := s.deps.Holdings.ListByModel(sess.ID, name); err == nil {
			h.Holdings = holdings
		} else {
			s.log.Warn().Err(err).Str("model", name).Msg("Failed to load holdings")
		}
		if curve, err := s.deps.Curve.Curve(sess.ID, name); err == nil {
			h.Curve = curve
		} else {
			s.log.Warn().Err(err).Str("model", name).Msg("Failed to load equity curve")
		}
		if trades, err := s.deps.Trades.ListByModel(sess.ID, name); err == nil {
			h.Trades = trades
		} else {
			s.log.Warn().Err(err).Str("model", name).Msg("Failed to load trades")
		}
		if logs, err := s.deps.Logs.Recent(sess.ID, name, 1000); err == nil {
			h.Logs = reverseLogs(logs)
		} else {
			s.log.Warn().Err(err).Str("model", name).Msg("Failed to load logs")
		}
		hydrations = append(hydrations, h)
	}

	s.deps.Store.LoadSession(sess, hydrations)
	return nil
}

// run is the single run goroutine.
func (s *Supervisor) run(ctx context.Context, sess domain.Session, m *arena.Manager) {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	st := s.deps.Store

	for _, e := range m.Entrants() {
		e.Agent.SetCallbacks(st.AppendLog, s.stopFlag.Load)
	}
	m.SetCallbacks(
		func(model string, current, total int, message string) {
			st.SetProgress(m.CurrentProgress())
		},
		func(model string, u arena.Update) {
			st.ApplyUpdate(u)
		},
		s.stopFlag.Load,
	)

	st.PublishStatus(true, fmt.Sprintf("Arena running: %s to %s", sess.StartDate, sess.EndDate))

	results, err := m.RunArena(ctx, sess.ID, sess.StartDate, sess.EndDate)
	st.SetProgress(m.CurrentProgress())
	switch {
	case err != nil:
		s.log.Error().Err(err).Str("session", sess.ID).Msg("Arena run failed")
		if uerr := s.deps.Sessions.UpdateStatus(sess.ID, domain.SessionAborted); uerr != nil {
			s.log.Warn().Err(uerr).Msg("Failed to mark session aborted")
		}
		st.PublishStatus(false, "Arena run failed: "+err.Error())
	case s.stopFlag.Load() || ctx.Err() != nil:
		// Stopped mid-run: leave the session unfinished so the next Start
		// resumes it.
		s.log.Info().Str("session", sess.ID).Msg("Arena run stopped")
		st.PublishStatus(false, "Arena stopped")
	default:
		s.log.Info().Str("session", sess.ID).Int("agents", len(results)).Msg("Arena run completed")
		if uerr := s.deps.Sessions.UpdateStatus(sess.ID, domain.SessionCompleted); uerr != nil {
			s.log.Warn().Err(uerr).Msg("Failed to mark session completed")
		}
		st.PublishStatus(false, "Arena completed")
	}
}

func enabledModelIDs(models []config.ModelConfig) []string {
	ids := make([]string, 0, len(models))
	for _, m := range models {
		if m.Enabled {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func reverseLogs(logs []domain.AILog) []domain.AILog {
	out := make([]domain.AILog, len(logs))
	for i, entry := range logs {
		out[len(logs)-1-i] = entry
	}
	return out
}
