package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/config"
	"github.com/lharena/arena/internal/modules/backup"
	"github.com/lharena/arena/internal/modules/ledger"
	"github.com/lharena/arena/internal/modules/session"
	"github.com/lharena/arena/internal/store"
	"github.com/lharena/arena/internal/supervisor"
)

const defaultLogLimit = 50

// ArenaHandlers serves the competition read API and the control endpoints.
type ArenaHandlers struct {
	cfg        *config.Config
	store      *store.Store
	supervisor *supervisor.Supervisor
	sessions   *session.SessionRepository
	trades     *ledger.TradeRepository
	curve      *ledger.DailyAssetRepository
	backups    *backup.Service
	log        zerolog.Logger
}

// NewArenaHandlers creates the arena handler set.
func NewArenaHandlers(
	cfg *config.Config,
	st *store.Store,
	sup *supervisor.Supervisor,
	sessions *session.SessionRepository,
	trades *ledger.TradeRepository,
	curve *ledger.DailyAssetRepository,
	backups *backup.Service,
	log zerolog.Logger,
) *ArenaHandlers {
	return &ArenaHandlers{
		cfg:        cfg,
		store:      st,
		supervisor: sup,
		sessions:   sessions,
		trades:     trades,
		curve:      curve,
		backups:    backups,
		log:        log.With().Str("component", "arena_handlers").Logger(),
	}
}

// RegisterRoutes mounts the arena API.
func (h *ArenaHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/api/arena", func(r chi.Router) {
		r.Get("/config", h.handleConfig)
		r.Get("/data", h.handleData)
		r.Get("/rankings", h.handleRankings)
		r.Get("/progress", h.handleProgress)
		r.Get("/models/{name}", h.handleModel)
		r.Get("/logs/{name}", h.handleLogs)

		r.Get("/sessions", h.handleSessions)
		r.Get("/sessions/latest", h.handleLatestSession)
		r.Get("/sessions/{id}", h.handleSession)
		r.Post("/sessions/{id}/load", h.handleLoadSession)
		r.Get("/current_session", h.handleCurrentSession)

		r.Post("/start", h.handleStart)
		r.Post("/stop", h.handleStop)
		r.Post("/reset", h.handleReset)

		r.Get("/backups", h.handleBackups)
		r.Post("/restore", h.handleRestore)
	})
}

type modelInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Logo  string `json:"logo,omitempty"`
	Index int    `json:"index"`
}

func (h *ArenaHandlers) handleConfig(w http.ResponseWriter, r *http.Request) {
	models := make([]modelInfo, 0, len(h.cfg.Arena.Models))
	for _, m := range h.cfg.Arena.Models {
		if !m.Enabled {
			continue
		}
		models = append(models, modelInfo{
			ID:    m.ID,
			Name:  m.Name,
			Color: m.Color,
			Logo:  m.Logo,
			Index: len(models),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"models":          models,
		"start_date":      h.cfg.Trading.StartDate,
		"end_date":        h.cfg.Trading.EndDate,
		"initial_capital": h.cfg.Trading.InitialCapital,
	})
}

// handleData returns the full per-model view. The store holds rows up to the
// barrier watermark; the database may hold rows past it (written by a day
// that later failed, or from a session being browsed), and clients want the
// complete picture, so chart and trade histories come from the database when
// a session is active.
func (h *ArenaHandlers) handleData(w http.ResponseWriter, r *http.Request) {
	models := h.store.Snapshot()
	if sess, ok := h.store.Session(); ok {
		for i := range models {
			if curve, err := h.curve.Curve(sess.ID, models[i].Name); err == nil && len(curve) > 0 {
				models[i].ChartData = curve
			}
			if trades, err := h.trades.ListByModel(sess.ID, models[i].Name); err == nil && len(trades) > 0 {
				models[i].Trades = trades
			}
		}
	}

	resp := map[string]any{
		"models":   models,
		"progress": h.store.Progress(),
		"rankings": h.supervisor.Rankings(),
	}
	if sess, ok := h.store.Session(); ok {
		resp["session"] = sess
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *ArenaHandlers) handleRankings(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"rankings": h.supervisor.Rankings()})
}

func (h *ArenaHandlers) handleProgress(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.store.Progress())
}

func (h *ArenaHandlers) handleModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, ok := h.store.Model(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown model: "+name)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *ArenaHandlers) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"model": name,
		"logs":  h.store.Logs(name, limit),
	})
}

func (h *ArenaHandlers) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := h.sessions.List(limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *ArenaHandlers) handleLatestSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.GetLatest()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		h.writeError(w, http.StatusNotFound, "no sessions")
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *ArenaHandlers) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.sessions.Get(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		h.writeError(w, http.StatusNotFound, "unknown session: "+id)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *ArenaHandlers) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.supervisor.LoadSession(id)
	switch {
	case errors.Is(err, supervisor.ErrRunning):
		h.writeError(w, http.StatusConflict, "arena is running")
	case errors.Is(err, supervisor.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "unknown session: "+id)
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "session_id": id})
	}
}

func (h *ArenaHandlers) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.store.Session()
	if !ok {
		h.writeError(w, http.StatusNotFound, "no active session")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"running": h.supervisor.Running(),
	})
}

type startRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (h *ArenaHandlers) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	err := h.supervisor.Start(req.StartDate, req.EndDate)
	switch {
	case errors.Is(err, supervisor.ErrRunning):
		h.writeError(w, http.StatusConflict, "arena is already running")
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	}
}

func (h *ArenaHandlers) handleStop(w http.ResponseWriter, r *http.Request) {
	h.supervisor.Stop()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (h *ArenaHandlers) handleReset(w http.ResponseWriter, r *http.Request) {
	err := h.supervisor.Reset()
	switch {
	case errors.Is(err, supervisor.ErrRunning):
		h.writeError(w, http.StatusConflict, "stop the arena before resetting")
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func (h *ArenaHandlers) handleBackups(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"backups": []backup.Info{}})
		return
	}
	infos, err := h.backups.List()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"backups": infos})
}

type restoreRequest struct {
	BackupFilename string `json:"backup_filename"`
}

func (h *ArenaHandlers) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BackupFilename == "" {
		h.writeError(w, http.StatusBadRequest, "backup_filename required")
		return
	}
	err := h.supervisor.RestoreBackup(req.BackupFilename)
	switch {
	case errors.Is(err, supervisor.ErrRunning):
		h.writeError(w, http.StatusConflict, "stop the arena before restoring")
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "restored", "backup": req.BackupFilename})
	}
}

func (h *ArenaHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(h.log, w, status, v)
}

func (h *ArenaHandlers) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(h.log, w, status, map[string]string{"error": message})
}

func writeJSON(log zerolog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write JSON response")
	}
}
