// Package store keeps the live, in-memory mirror of the competition that the
// HTTP API reads and the websocket feed streams. The database stays the
// source of truth; the store is rebuilt from it on resume and refreshed from
// arena updates at every barrier.
package store

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/arena"
	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/events"
	"github.com/lharena/arena/internal/utils"
)

const (
	// maxLogEntries caps each model's activity ring. Older entries fall off
	// the front; the database keeps the full history.
	maxLogEntries = 1000
	// subscriberBuffer is the per-subscriber channel depth. A subscriber
	// that falls further behind loses events rather than stalling mutators.
	subscriberBuffer = 64
)

// ModelData is the live view of one competitor. Chart points are unique per
// date; a re-run day replaces its point instead of appending a duplicate.
type ModelData struct {
	Name        string                   `json:"name"`
	Color       string                   `json:"color"`
	Cash        float64                  `json:"cash"`
	TotalAssets float64                  `json:"total_assets"`
	ProfitPct   float64                  `json:"profit_pct"`
	Holdings    []domain.Holding         `json:"holdings"`
	ChartData   []domain.DailyAssetPoint `json:"chart_data"`
	Trades      []domain.Trade           `json:"trade_history"`
	LastError   string                   `json:"last_error,omitempty"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// Hydration is one model's persisted rows, used to rebuild the live view
// when a session resumes.
type Hydration struct {
	Name        string
	Color       string
	Cash        float64
	TotalAssets float64
	ProfitPct   float64
	Holdings    []domain.Holding
	Curve       []domain.DailyAssetPoint
	Trades      []domain.Trade
	Logs        []domain.AILog
}

// Store is the RWMutex-guarded live state. Mutators publish one event per
// change; sends to subscribers never block.
type Store struct {
	mu       sync.RWMutex
	session  *domain.Session
	models   map[string]*ModelData
	order    []string
	logs     map[string][]domain.AILog
	progress arena.Progress

	subMu   sync.Mutex
	subs    map[int]chan events.Event
	nextSub int

	log zerolog.Logger
}

// New creates an empty store.
func New(log zerolog.Logger) *Store {
	return &Store{
		models: make(map[string]*ModelData),
		logs:   make(map[string][]domain.AILog),
		subs:   make(map[int]chan events.Event),
		log:    log.With().Str("component", "store").Logger(),
	}
}

// RegisterModel adds a competitor to the roster in declaration order.
// Registering an existing name only refreshes its color.
func (s *Store) RegisterModel(name, color string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureModel(name, color)
}

func (s *Store) ensureModel(name, color string) *ModelData {
	if m, ok := s.models[name]; ok {
		if color != "" {
			m.Color = color
		}
		return m
	}
	m := &ModelData{Name: name, Color: color}
	s.models[name] = m
	s.order = append(s.order, name)
	return m
}

// SetSession replaces the active session.
func (s *Store) SetSession(sess domain.Session) {
	s.mu.Lock()
	copied := sess
	s.session = &copied
	s.mu.Unlock()
	s.publish(events.New(events.TypeSessionChanged, "", copied))
}

// Session returns the active session, if any.
func (s *Store) Session() (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return domain.Session{}, false
	}
	return *s.session, true
}

// ApplyUpdate merges one barrier update into the model's live view.
func (s *Store) ApplyUpdate(u arena.Update) {
	s.mu.Lock()
	m := s.ensureModel(u.ModelName, u.ModelColor)
	m.Cash = u.Cash
	m.TotalAssets = u.TotalAssets
	m.ProfitPct = u.ProfitPct
	m.Holdings = append([]domain.Holding(nil), u.Holdings...)
	m.ChartData = dedupeCurve(u.DailyAssets)
	m.Trades = append([]domain.Trade(nil), u.Trades...)
	m.LastError = u.Error
	m.UpdatedAt = time.Now().UTC()
	copied := copyModel(m)
	s.mu.Unlock()
	s.publish(events.New(events.TypeModelUpdated, u.ModelName, copied))
}

// AppendLog adds one activity-feed entry, dropping the oldest past the ring
// cap.
func (s *Store) AppendLog(entry domain.AILog) {
	s.mu.Lock()
	ring := append(s.logs[entry.ModelName], entry)
	if len(ring) > maxLogEntries {
		ring = ring[len(ring)-maxLogEntries:]
	}
	s.logs[entry.ModelName] = ring
	s.mu.Unlock()
	s.publish(events.New(events.TypeAILog, entry.ModelName, entry))
}

// Logs returns up to limit most recent entries for a model, oldest first.
// A non-positive limit returns the whole ring.
func (s *Store) Logs(model string, limit int) []domain.AILog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.logs[model]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	return append([]domain.AILog(nil), ring...)
}

// SetProgress records the run position.
func (s *Store) SetProgress(p arena.Progress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
	s.publish(events.New(events.TypeProgress, "", p))
}

// Progress returns the last recorded run position.
func (s *Store) Progress() arena.Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// PublishStatus announces a run lifecycle change to the feed.
func (s *Store) PublishStatus(running bool, message string) {
	s.publish(events.New(events.TypeArenaStatus, "", events.StatusPayload{
		Running: running,
		Message: message,
	}))
}

// LoadSession rebuilds the store from persisted rows when a session resumes.
// Rows dated after the session's current_date belong to days the barrier has
// not completed and are not loaded; the arena will replay those days and
// push them back through ApplyUpdate.
func (s *Store) LoadSession(sess domain.Session, models []Hydration) {
	s.mu.Lock()
	copied := sess
	s.session = &copied
	s.models = make(map[string]*ModelData, len(models))
	s.order = s.order[:0]
	s.logs = make(map[string][]domain.AILog, len(models))

	for _, h := range models {
		m := s.ensureModel(h.Name, h.Color)
		m.Cash = h.Cash
		m.TotalAssets = h.TotalAssets
		m.ProfitPct = h.ProfitPct
		m.Holdings = append([]domain.Holding(nil), h.Holdings...)
		m.ChartData = dedupeCurve(s.onOrBeforeCurve(h.Curve, sess.CurrentDate))
		m.Trades = s.onOrBeforeTrades(h.Trades, sess.CurrentDate)
		m.UpdatedAt = time.Now().UTC()

		logs := h.Logs
		if len(logs) > maxLogEntries {
			logs = logs[len(logs)-maxLogEntries:]
		}
		s.logs[h.Name] = append([]domain.AILog(nil), logs...)
	}
	s.mu.Unlock()
	s.publish(events.New(events.TypeSessionChanged, "", copied))
}

func (s *Store) onOrBeforeCurve(points []domain.DailyAssetPoint, cutoff string) []domain.DailyAssetPoint {
	kept := make([]domain.DailyAssetPoint, 0, len(points))
	for _, pt := range points {
		if s.afterCutoff(pt.TradeDate, cutoff) {
			continue
		}
		kept = append(kept, pt)
	}
	return kept
}

func (s *Store) onOrBeforeTrades(trades []domain.Trade, cutoff string) []domain.Trade {
	kept := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		if s.afterCutoff(t.TradeDate, cutoff) {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

func (s *Store) afterCutoff(date, cutoff string) bool {
	if cutoff == "" {
		return false
	}
	cmp, err := utils.CompareDates(date, cutoff)
	if err != nil {
		s.log.Warn().Str("date", date).Msg("Dropping row with unparseable date")
		return true
	}
	return cmp > 0
}

// Clear drops the session and all live model data, keeping subscribers.
func (s *Store) Clear() {
	s.mu.Lock()
	s.session = nil
	s.models = make(map[string]*ModelData)
	s.order = s.order[:0]
	s.logs = make(map[string][]domain.AILog)
	s.progress = arena.Progress{}
	s.mu.Unlock()
	s.publish(events.New(events.TypeArenaStatus, "", events.StatusPayload{Message: "reset"}))
}

// Snapshot returns deep copies of every model's live view in roster order.
func (s *Store) Snapshot() []ModelData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModelData, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, copyModel(s.models[name]))
	}
	return out
}

// Model returns a deep copy of one model's live view.
func (s *Store) Model(name string) (ModelData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[name]
	if !ok {
		return ModelData{}, false
	}
	return copyModel(m), true
}

// Subscribe registers a live-feed listener. The returned channel is never
// closed by mutators; call Unsubscribe when done.
func (s *Store) Subscribe() (int, <-chan events.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan events.Event, subscriberBuffer)
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (s *Store) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Store) publish(e events.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.log.Debug().Int("subscriber", id).Str("type", string(e.Type)).Msg("Subscriber full, dropping event")
		}
	}
}

// dedupeCurve keeps one point per date, the last one seen, preserving the
// order of first appearance.
func dedupeCurve(points []domain.DailyAssetPoint) []domain.DailyAssetPoint {
	out := make([]domain.DailyAssetPoint, 0, len(points))
	index := make(map[string]int, len(points))
	for _, pt := range points {
		if i, ok := index[pt.TradeDate]; ok {
			out[i] = pt
			continue
		}
		index[pt.TradeDate] = len(out)
		out = append(out, pt)
	}
	return out
}

func copyModel(m *ModelData) ModelData {
	copied := *m
	copied.Holdings = append([]domain.Holding(nil), m.Holdings...)
	copied.ChartData = append([]domain.DailyAssetPoint(nil), m.ChartData...)
	copied.Trades = append([]domain.Trade(nil), m.Trades...)
	return copied
}
