package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shivuat/vzstt/internal/observability"
	"github.com/shivuat/vzstt/internal/protocol"
	"github.com/shivuat/vzstt/internal/session"
)

const (
	// readLimit caps a single inbound frame.
	readLimit  = 4 << 20
	pongWait   = 120 * time.Second
	pingPeriod = pongWait * 9 / 10

	defaultReplyTimeout = 5 * time.Minute
)

var errStreamClosed = errors.New("stream closed")

// stream is one websocket connection carrying one session. Only writeLoop
// writes to the socket; everything else queues on out.
type stream struct {
	conn    *websocket.Conn
	metrics *observability.Metrics

	out        chan []byte
	writerDone chan struct{}

	// replies takes the single live delivery for the session.
	replies chan []byte
	// gone closes when the client side of the socket is finished.
	gone     chan struct{}
	goneOnce sync.Once

	aborted   chan struct{}
	abortOnce sync.Once
}

func newStream(conn *websocket.Conn, metrics *observability.Metrics) *stream {
	return &stream{
		conn:       conn,
		metrics:    metrics,
		out:        make(chan []byte, 16),
		writerDone: make(chan struct{}),
		replies:    make(chan []byte, 1),
		gone:       make(chan struct{}),
		aborted:    make(chan struct{}),
	}
}

// Deliver hands the session's result to the connection writer.
func (st *stream) Deliver(ctx context.Context, payload []byte) error {
	select {
	case st.replies <- payload:
		return nil
	case <-st.gone:
		return errStreamClosed
	case <-st.aborted:
		return errStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *stream) abort() {
	st.abortOnce.Do(func() {
		close(st.aborted)
		_ = st.conn.SetReadDeadline(time.Now())
	})
}

func (st *stream) isAborted() bool {
	select {
	case <-st.aborted:
		return true
	default:
		return false
	}
}

func (st *stream) markGone() {
	st.goneOnce.Do(func() { close(st.gone) })
}

func (st *stream) writeLoop() {
	defer close(st.writerDone)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-st.out:
			_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = st.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := st.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				st.observeOutbound("write_error")
				// Keep consuming so the handler never blocks on a dead socket.
				for range st.out {
				}
				return
			}
		case <-ticker.C:
			if err := st.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				for range st.out {
				}
				return
			}
		}
	}
}

func (st *stream) send(msgType protocol.MessageType, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	st.sendRaw(msgType, b)
}

func (st *stream) sendRaw(msgType protocol.MessageType, b []byte) {
	st.out <- b
	st.observeOutbound(string(msgType))
}

// close flushes queued messages, sends a close frame and waits for the
// writer to stop.
func (st *stream) close() {
	close(st.out)
	<-st.writerDone
}

func (st *stream) observeOutbound(t string) {
	if st.metrics != nil {
		st.metrics.WSMessages.WithLabelValues("outbound", t).Inc()
	}
}

func (st *stream) observeInbound(t string) {
	if st.metrics != nil {
		st.metrics.WSMessages.WithLabelValues("inbound", t).Inc()
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Draining() {
		respondError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	st := newStream(conn, s.metrics)
	if !s.track(st) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server draining"),
			time.Now().Add(writeWait))
		return
	}
	defer s.untrack(st)
	go st.writeLoop()

	sess := s.sessions.Open()
	log := s.log.With().Str("session_id", sess.ID).Str("remote", r.RemoteAddr).Logger()
	st.send(protocol.TypeSessionStarted, protocol.SessionStarted{
		Type:      protocol.TypeSessionStarted,
		SessionID: sess.ID,
		Variant:   s.variant,
	})

	if !s.collect(st, sess, log) {
		// The client is gone; the outcome goes to the outbox only.
		if _, err := s.sessions.Finish(sess); err != nil {
			log.Warn().Err(err).Msg("finish after disconnect")
		}
		st.markGone()
		st.close()
		return
	}

	if s.live != nil {
		detach := s.live.Attach(sess.ID, st)
		defer detach()
	}
	state, err := s.sessions.Finish(sess)
	if err != nil {
		log.Warn().Err(err).Str("state", string(state)).Msg("finish after end message")
	}

	go func() {
		// Only control frames or a close are expected after end.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				st.markGone()
				return
			}
		}
	}()

	if s.live == nil {
		st.close()
		return
	}

	timeout := s.cfg.ReplyTimeout
	if timeout <= 0 {
		timeout = defaultReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-st.replies:
		st.sendRaw(replyType(payload), payload)
	case <-st.gone:
		log.Debug().Msg("client left before result, result kept in outbox")
	case <-timer.C:
		log.Warn().Dur("timeout", timeout).Msg("result not ready in time, result kept in outbox")
	case <-st.aborted:
		log.Info().Msg("stream closed by drain, result kept in outbox")
	}
	st.close()
}

// collect reads frames into sess until the client sends end (true) or the
// connection ends (false).
func (s *Server) collect(st *stream, sess *session.Session, log zerolog.Logger) bool {
	conn := st.conn
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Msg("connection ended")
			}
			return false
		}
		if st.isAborted() {
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.BinaryMessage:
			if err := sess.Append(data); err != nil {
				log.Warn().Err(err).Msg("frame rejected")
				return false
			}
			st.observeInbound("audio")
			if s.metrics != nil {
				s.metrics.FramesReceived.Inc()
				s.metrics.BytesReceived.Add(float64(len(data)))
			}
			log.Debug().Int("bytes", len(data)).Msg("frame received")
		case websocket.TextMessage:
			msg, err := protocol.ParseClientMessage(data)
			if err != nil {
				st.observeInbound("invalid")
				st.send(protocol.TypeProtocolError, protocol.ProtocolError{
					Type:      protocol.TypeProtocolError,
					SessionID: sess.ID,
					Code:      "invalid_client_message",
					Detail:    err.Error(),
				})
				continue
			}
			st.observeInbound(string(msg.Type))
			if msg.Type == protocol.TypeEnd {
				return true
			}
		}
	}
}

func replyType(payload []byte) protocol.MessageType {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Type == "" {
		return protocol.TypeSessionResult
	}
	return env.Type
}
