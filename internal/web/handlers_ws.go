package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbranner/sessiond/internal/session"
)

// wsEventMessage is the wire form of one lifecycle event. Token values never
// cross the websocket; consumers that need the token fetch it in-process.
type wsEventMessage struct {
	Type             string    `json:"type"`
	Time             time.Time `json:"time"`
	State            string    `json:"state,omitempty"`
	PrevState        string    `json:"prevState,omitempty"`
	RemainingSeconds int       `json:"remainingSeconds,omitempty"`
	TaskID           string    `json:"taskId,omitempty"`
	TaskType         string    `json:"taskType,omitempty"`
	TaskStatus       string    `json:"taskStatus,omitempty"`
	Progress         int       `json:"progress,omitempty"`
	Message          string    `json:"message,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// eventWire converts a session event to its wire form.
func eventWire(ev session.Event) wsEventMessage {
	msg := wsEventMessage{Time: time.Now().UTC()}
	switch e := ev.(type) {
	case session.StateChangedEvent:
		msg.Type = "stateChanged"
		msg.State = string(e.New)
		msg.PrevState = string(e.Old)
	case session.WarningEvent:
		msg.Type = "sessionWarning"
		msg.RemainingSeconds = int(e.Remaining / time.Second)
	case session.TokenRefreshedEvent:
		msg.Type = "tokenRefreshed"
	case session.TokenExpiredEvent:
		msg.Type = "tokenExpired"
	case session.TaskStartedEvent:
		msg.Type = "taskStarted"
		msg.TaskID = e.Task.ID
		msg.TaskType = e.Task.Type
	case session.TaskCompletedEvent:
		msg.Type = "taskCompleted"
		msg.TaskID = e.ID
	case session.AllTasksCompletedEvent:
		msg.Type = "allTasksCompleted"
	case session.TaskStatusChangedEvent:
		msg.Type = "taskStatusChanged"
		msg.TaskID = e.Update.ID
		msg.TaskStatus = string(e.Update.Status)
		msg.Progress = e.Update.Progress
		msg.Message = e.Update.Message
	default:
		msg.Type = "unknown"
	}
	return msg
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Buffered so the coordinator's emit path never blocks on a slow client;
	// a client that falls a full buffer behind loses events.
	events := make(chan wsEventMessage, 64)
	remove := s.coord.Subscribe(func(ev session.Event) {
		select {
		case events <- eventWire(ev):
		default:
			webLog.Warn("ws_event_dropped", slog.String("remote", r.RemoteAddr))
		}
	})
	defer remove()

	// Reader goroutine: its only job is detecting client disconnect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(wsEventMessage{
		Type:  "connected",
		Time:  time.Now().UTC(),
		State: string(s.coord.State()),
	}); err != nil {
		return
	}

	for {
		select {
		case <-s.baseCtx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-closed:
			return
		case msg := <-events:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
