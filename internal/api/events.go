package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer     = 128
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is meant for local dashboards and scripts; no origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams bus events as JSON text frames. ?source=a,b keeps
// only the named sources.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	filter := sourceFilter(r.URL.Query().Get("source"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(streamBuffer)
	defer s.bus.Unsubscribe(ch)

	log := s.logger.With("remote", r.RemoteAddr)
	log.Info("event stream opened", "sources", r.URL.Query().Get("source"))

	// The read loop only handles control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("event stream read ended", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case <-r.Context().Done():
			return
		case <-closed:
			log.Info("event stream closed")
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				log.Debug("event stream ping failed", "error", err)
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !filter.allows(e.Source) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				log.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

type sources map[string]bool

func sourceFilter(raw string) sources {
	if raw == "" {
		return nil
	}
	f := sources{}
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			f[s] = true
		}
	}
	return f
}

// allows reports whether source passes; an empty filter passes all.
func (f sources) allows(source string) bool {
	return len(f) == 0 || f[source]
}
