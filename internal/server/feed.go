package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lharena/arena/internal/store"
)

// writeTimeout bounds one websocket write; a client this slow is dropped.
const writeTimeout = 5 * time.Second

// FeedHandler streams store events to websocket clients. Each client gets
// its own store subscription; a client that stops reading loses events
// instead of stalling the arena.
type FeedHandler struct {
	store *store.Store
	log   zerolog.Logger
}

// NewFeedHandler creates the websocket feed.
func NewFeedHandler(st *store.Store, log zerolog.Logger) *FeedHandler {
	return &FeedHandler{
		store: st,
		log:   log.With().Str("component", "feed").Logger(),
	}
}

func (h *FeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The read API is open cross-origin; the feed follows suit.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	clientID := uuid.NewString()
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	subID, events := h.store.Subscribe()
	defer h.store.Unsubscribe(subID)

	h.log.Info().Str("client", clientID).Msg("Feed client connected")

	// Reads are discarded but drive close detection; when the client goes
	// away the context below is cancelled.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Str("client", clientID).Msg("Feed client disconnected")
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeEvent(ctx, conn, e); err != nil {
				h.log.Debug().Err(err).Str("client", clientID).Msg("Feed write failed")
				return
			}
		}
	}
}

func (h *FeedHandler) writeEvent(ctx context.Context, conn *websocket.Conn, e any) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, e)
}
