package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/VenkatGGG/runner-fleet/internal/events"
	"github.com/VenkatGGG/runner-fleet/pkg/httpx"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		httpx.WriteError(w, http.StatusNotImplemented, "unsupported_operation", "event log is not configured")
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	nodeID, ok := optionalNodeID(w, r)
	if !ok {
		return
	}

	var (
		items []events.Event
		err   error
	)
	if nodeID > 0 {
		items, err = s.events.ListByNode(r.Context(), nodeID, limit)
	} else {
		items, err = s.events.ListRecent(r.Context(), limit)
	}
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	if items == nil {
		items = []events.Event{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": items})
}

// handleEventStream pushes live lifecycle events as JSON text frames.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		httpx.WriteError(w, http.StatusNotImplemented, "unsupported_operation", "event stream is not configured")
		return
	}
	nodeID, ok := optionalNodeID(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("admin api stream accept failed: err=%v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	feed, cancel := s.stream.Subscribe()
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, open := <-feed:
			if !open {
				conn.Close(websocket.StatusGoingAway, "stream ended")
				return
			}
			if nodeID > 0 && evt.NodeID != nodeID {
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultEventLimit, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return 0, false
	}
	if parsed > maxEventLimit {
		parsed = maxEventLimit
	}
	return parsed, true
}

func optionalNodeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("node_id"))
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_node_id", "node_id must be a positive integer")
		return 0, false
	}
	return id, true
}
