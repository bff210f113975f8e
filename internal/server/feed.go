package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jonathan/vidscan/internal/progress"
	"github.com/jonathan/vidscan/internal/server/middleware"
	"github.com/jonathan/vidscan/internal/types"
)

const (
	feedHeartbeat = 25 * time.Second
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
)

// feedMessage is the WebSocket frame for a progress event.
type feedMessage struct {
	Type string `json:"type"`
	types.ProgressEvent
}

// feedFilter scopes a subscription. An authenticated caller on a feed that
// requires auth only sees their own videos.
type feedFilter struct {
	videoID uuid.UUID
	ownerID uuid.UUID
}

func (f feedFilter) match(ev types.ProgressEvent) bool {
	return f.ownerID == uuid.Nil || ev.OwnerID == f.ownerID
}

// parseFeedFilter reads ?video_id= and, when auth is enforced, the caller's identity.
func (s *Server) parseFeedFilter(r *http.Request) (feedFilter, error) {
	var f feedFilter
	if raw := r.URL.Query().Get("video_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, &types.ErrValidation{Code: types.CodeInvalidField, Field: "video_id", Message: "must be a UUID"}
		}
		f.videoID = id
	}
	if s.cfg.FeedRequireAuth {
		ownerID, err := middleware.GetOwnerID(r)
		if err != nil {
			return f, types.ErrUnauthorized
		}
		f.ownerID = ownerID
	}
	return f, nil
}

// handleEvents streams progress events as Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseFeedFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sub := s.feed.Subscribe(filter.videoID)
	defer s.feed.Unsubscribe(sub)

	w.WriteHeader(http.StatusOK)
	if err := sse.WriteComment("connected"); err != nil {
		return
	}

	heartbeat := time.NewTicker(feedHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-heartbeat.C:
			if err := sse.WriteComment("ping"); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				sse.WriteError("subscription closed")
				return
			}
			if !filter.match(ev) {
				continue
			}
			if err := sse.WriteEvent("progress", ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
}

// handleWebSocket pushes progress events over a WebSocket connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseFeedFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.feed.Subscribe(filter.videoID)
	defer s.feed.Unsubscribe(sub)

	// The read loop only handles control frames and notices disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.pumpWebSocket(conn, sub, filter, closed)
}

func (s *Server) pumpWebSocket(conn *websocket.Conn, sub *progress.Subscription, filter feedFilter, closed <-chan struct{}) {
	ping := time.NewTicker(feedHeartbeat)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if !filter.match(ev) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(feedMessage{Type: "progress", ProgressEvent: ev}); err != nil {
				s.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
