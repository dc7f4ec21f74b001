package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/devpilot/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon listens on loopback and serves local tooling of any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

var knownKinds = map[events.Kind]bool{
	events.KindLog:        true,
	events.KindStatus:     true,
	events.KindExit:       true,
	events.KindSpawnError: true,
	events.KindWorkspace:  true,
	events.KindPorts:      true,
	events.KindTruncated:  true,
}

func parseFilter(c *gin.Context) (events.Filter, error) {
	f := events.Filter{
		RunID:       c.Query("run_id"),
		WorkspaceID: c.Query("workspace_id"),
		Replay:      c.Query("replay") == "1",
	}
	for _, k := range strings.Split(c.Query("kinds"), ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if !knownKinds[events.Kind(k)] {
			return f, &badKindError{kind: k}
		}
		f.Kinds = append(f.Kinds, events.Kind(k))
	}
	return f, nil
}

type badKindError struct{ kind string }

func (e *badKindError) Error() string { return "unknown event kind " + e.kind }

// handleEvents streams broadcaster events as JSON text frames until the client
// goes away or the broadcaster closes.
func (r *Router) handleEvents(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	conn, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Debug("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	sub := r.deps.Events.Subscribe(f)
	defer sub.Unsubscribe()

	gone := make(chan struct{})
	go readPump(conn, gone)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				r.log.Debug("websocket write", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// readPump discards client frames and closes gone once the peer disconnects.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
