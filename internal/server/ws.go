package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/studymate/internal/answer"
	"github.com/MrWong99/studymate/internal/observe"
)

// Websocket event types sent to the client.
const (
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

// wsReadLimit caps one client message.
const wsReadLimit = 64 << 10

// wsWriteTimeout bounds a single event write.
const wsWriteTimeout = 10 * time.Second

// wsEvent is one server-to-client message on /ws/ask.
type wsEvent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Source   string `json:"source,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleWSAsk handles GET /ws/ask. Each client message {"question": "..."}
// is answered with zero or more delta events followed by exactly one done
// or error event. The connection stays open for further questions.
func (s *Server) handleWSAsk(w http.ResponseWriter, r *http.Request) {
	// Streams outlive the HTTP timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.origins),
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx := r.Context()
	log := observe.Logger(ctx)
	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(ctx, -1)

	for {
		var req askRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if !errors.Is(err, context.Canceled) {
					log.Debug("websocket read ended", "err", err)
				}
			}
			return
		}
		if err := s.streamAnswer(ctx, conn, req.Question); err != nil {
			log.Debug("websocket write failed", "err", err)
			return
		}
	}
}

// streamAnswer answers one question on conn. It returns an error only when
// the connection can no longer be written to.
func (s *Server) streamAnswer(ctx context.Context, conn *websocket.Conn, question string) error {
	send := func(ev wsEvent) error {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, ev)
	}

	if strings.TrimSpace(question) == "" {
		s.metrics.RecordQuestion(ctx, "ws", "invalid")
		return send(wsEvent{Type: EventError, Error: msgEmptyQuestion})
	}

	res, err := s.asker.AskStream(ctx, question, func(delta string) error {
		return send(wsEvent{Type: EventDelta, Text: delta})
	})
	switch {
	case errors.Is(err, answer.ErrEmptyQuestion):
		s.metrics.RecordQuestion(ctx, "ws", "invalid")
		return send(wsEvent{Type: EventError, Error: msgEmptyQuestion})
	case err != nil:
		s.metrics.RecordQuestion(ctx, "ws", observe.StatusError)
		return send(wsEvent{Type: EventError, Error: msgServicePrefix + err.Error()})
	case res.Answer == "":
		s.metrics.RecordQuestion(ctx, "ws", observe.StatusError)
		return send(wsEvent{Type: EventError, Error: msgNoAnswer})
	}

	s.metrics.RecordQuestion(ctx, "ws", observe.StatusOK)
	ev := wsEvent{
		Type:     EventDone,
		Answer:   res.Answer,
		Source:   string(res.Source),
		Fallback: res.Fallback,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return send(ev)
}

// originPatterns turns allowed origins into the host patterns
// websocket.Accept matches against.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}
