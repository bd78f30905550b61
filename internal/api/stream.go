package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/events"
)

const (
	streamKeepAlive = 15 * time.Second

	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// sessionWatch is a live view of one session: the state at subscription
// time followed by hub events.
type sessionWatch struct {
	session *domain.ExecutionSession
	backlog []*domain.ExecutionLog
	events  <-chan events.Event
	cancel  func()
	lastSeq int
}

// watchSession subscribes before reading the stored state, so nothing
// published in between is lost. Events already covered by the backlog are
// dropped by next.
func (h *Handler) watchSession(ctx context.Context, sess *domain.ExecutionSession, after int) (*sessionWatch, error) {
	ch, cancel := h.hub.Subscribe(events.SessionTopic(sess.ID))

	current, err := h.repo.GetSession(ctx, sess.ID)
	if err != nil {
		cancel()
		return nil, err
	}
	logs, err := h.repo.ListLogs(ctx, sess.ID, after)
	if err != nil {
		cancel()
		return nil, err
	}

	watch := &sessionWatch{session: current, backlog: logs, events: ch, cancel: cancel, lastSeq: after}
	if n := len(logs); n > 0 {
		watch.lastSeq = logs[n-1].Seq
	}
	return watch, nil
}

// skip reports whether ev duplicates a log already sent.
func (sw *sessionWatch) skip(ev events.Event) bool {
	l, ok := ev.Data.(domain.ExecutionLog)
	if !ok {
		return false
	}
	if l.Seq <= sw.lastSeq {
		return true
	}
	sw.lastSeq = l.Seq
	return false
}

// terminalStatus returns the status carried by a final session event.
func terminalStatus(ev events.Event) (domain.SessionStatus, bool) {
	s, ok := ev.Data.(domain.ExecutionSession)
	if !ok || !s.Status.Terminal() {
		return "", false
	}
	return s.Status, true
}

// afterParam reads ?after, falling back to the SSE Last-Event-ID header.
func afterParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("after")
	if v == "" {
		v = r.Header.Get("Last-Event-ID")
	}
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "after must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// StreamExecution serves session progress as Server-Sent Events. Log events
// carry their seq as the event id. The stream ends with a close event once
// the session is terminal.
func (h *Handler) StreamExecution(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	after, ok := afterParam(w, r)
	if !ok {
		return
	}
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "Live updates are not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "Streaming unsupported")
		return
	}

	ctx := r.Context()
	watch, err := h.watchSession(ctx, sess, after)
	if err != nil {
		h.fail(w, r, err, "Session")
		return
	}
	defer watch.cancel()

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, l := range watch.backlog {
		writeSSE(w, events.TypeLog, strconv.Itoa(l.Seq), l)
	}
	writeSSE(w, events.TypeSession, "", watch.session)
	flusher.Flush()
	if watch.session.Status.Terminal() {
		fmt.Fprintf(w, "event: close\ndata: {}\n\n")
		flusher.Flush()
		return
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprintf(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-watch.events:
			if !ok {
				fmt.Fprintf(w, "event: close\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if watch.skip(ev) {
				continue
			}
			id := ""
			if l, isLog := ev.Data.(domain.ExecutionLog); isLog {
				id = strconv.Itoa(l.Seq)
			}
			writeSSE(w, ev.Type, id, ev.Data)
			flusher.Flush()

			if _, done := terminalStatus(ev); done {
				fmt.Fprintf(w, "event: close\ndata: {}\n\n")
				flusher.Flush()
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, typ, id string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, payload)
}

// ExecutionWebSocket serves session progress over a websocket. Every message
// is an events.Event; the server closes the connection normally once the
// session is terminal. Inbound messages are ignored.
func (h *Handler) ExecutionWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	after, ok := afterParam(w, r)
	if !ok {
		return
	}
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "Live updates are not enabled")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	watch, err := h.watchSession(ctx, sess, after)
	if err != nil {
		h.fail(w, r, err, "Session")
		return
	}
	defer watch.cancel()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	log := h.log.With(zap.String("session", sess.ID.String()))

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		log.Warn("ws set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Reader: only control frames matter; a read error means the peer left.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(ev events.Event) bool {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return false
		}
		return conn.WriteJSON(ev) == nil
	}
	closeWith := func(reason string) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	topic := events.SessionTopic(sess.ID)
	for _, l := range watch.backlog {
		if !send(events.Event{Topic: topic, Type: events.TypeLog, Data: l, Time: l.CreatedAt}) {
			return
		}
	}
	if !send(events.Event{Topic: topic, Type: events.TypeSession, Data: watch.session, Time: watch.session.UpdatedAt}) {
		return
	}
	if watch.session.Status.Terminal() {
		closeWith(string(watch.session.Status))
		return
	}

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-watch.events:
			if !ok {
				closeWith("shutting down")
				return
			}
			if watch.skip(ev) {
				continue
			}
			if !send(ev) {
				return
			}
			if status, done := terminalStatus(ev); done {
				closeWith(string(status))
				return
			}
		}
	}
}
