package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxswitch/voxswitch/internal/pipeline"
	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// maxClientFrame bounds a single inbound client frame. Audio chunks are
// base64-encoded JSON strings, so frames run large.
const maxClientFrame = 16 << 20

// downstreamWriteTimeout bounds one provider→client frame write. A client
// that stops reading for this long is considered gone.
const downstreamWriteTimeout = 10 * time.Second

// serveSession is the WebSocket entry point: authenticate, upgrade, run the
// pipeline, pump client frames until either side hangs up.
func (s *Server) serveSession(w http.ResponseWriter, r *http.Request) {
	h, herr := s.parseHandshake(r)
	if herr != nil {
		reason := "params"
		if herr.status == http.StatusForbidden {
			reason = "auth"
		}
		s.metrics.RecordAuthFailure(r.Context(), reason)
		http.Error(w, herr.msg, herr.status)
		return
	}

	log := s.log.With("account_id", h.AccountID, "session_id", h.SessionID,
		"style", h.Style, "provider", h.Provider)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("accepting websocket", "error", err)
		return
	}
	conn.SetReadLimit(maxClientFrame)

	backend, err := s.sessionBackend()
	if err != nil {
		log.Error("opening session persistence", "error", err)
		conn.Close(websocket.StatusInternalError, "persistence unavailable")
		return
	}
	deps, err := s.pipelineDeps(backend)
	if err != nil {
		log.Error("building pipeline config", "error", err)
		conn.Close(websocket.StatusInternalError, "misconfigured upstream")
		return
	}

	var pipeRef atomic.Pointer[pipeline.Pipeline]
	downstream := s.downstreamNode(conn, h, &pipeRef)

	pipe, err := pipeline.New(r.Context(), h.Style, h.Provider, h.AccountID, h.SessionID, downstream, deps)
	if err != nil {
		log.Error("starting session pipeline", "error", err)
		s.metrics.RecordProviderError(r.Context(), h.Provider.String(), "connect")
		conn.Close(websocket.StatusInternalError, "upstream unavailable")
		return
	}
	pipeRef.Store(pipe)

	as := &activeSession{pipe: pipe, conn: conn, accountID: h.AccountID}
	if !s.register(h.SessionID, as) {
		pipe.Cleanup()
		conn.Close(websocket.StatusTryAgainLater, "session unavailable")
		return
	}
	s.metrics.RecordSessionStart(r.Context(), h.Style.String(), h.Provider.String())
	log.Info("client session started")

	s.readClient(r.Context(), conn, pipe, log)

	s.unregister(h.SessionID)
	pipe.Cleanup()
	conn.Close(websocket.StatusNormalClosure, "")
	s.metrics.RecordSessionEnd(context.Background())
	log.Info("client session ended")
}

// readClient pumps inbound frames into the pipeline until the socket closes.
// Malformed JSON is a client bug; the frame is dropped and the session
// continues.
func (s *Server) readClient(ctx context.Context, conn *websocket.Conn, pipe *pipeline.Pipeline, log *slog.Logger) {
	for {
		var raw map[string]any
		err := wsjson.Read(ctx, conn, &raw)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				return
			}
			if status != -1 {
				log.Debug("client closed", "status", status)
				return
			}
			log.Error("reading client frame", "error", err)
			return
		}
		if raw == nil {
			continue
		}
		pipe.ReceiveEvent(raw)
	}
}

// downstreamNode writes provider events back to the client socket and
// records token usage reported in turn boundaries against the provider
// currently serving the session. Events arrive tagged with the client's
// style, so the provider is read from the pipeline, not the event. The node
// runs inside the session's serialised event context, so the usage insert is
// detached.
func (s *Server) downstreamNode(conn *websocket.Conn, h *handshake, pipe *atomic.Pointer[pipeline.Pipeline]) rtevent.Node {
	accountID, sessionID := h.AccountID, h.SessionID
	style, provider := h.Style, h.Provider
	return rtevent.NodeFunc(func(ev rtevent.Event) error {
		if tokens, ok := usageTokens(style, ev.Payload); ok {
			serving := provider
			if p := pipe.Load(); p != nil {
				serving = p.CurrentProvider()
			}
			go s.accounts.RecordUsage(context.Background(), accountID, sessionID,
				serving.String(), tokens)
		}

		ctx, cancel := context.WithTimeout(context.Background(), downstreamWriteTimeout)
		defer cancel()
		return wsjson.Write(ctx, conn, ev.Payload)
	})
}

// usageTokens pulls the total token count out of a turn-boundary payload,
// if the event carries one. Style A reports usage inside response.done;
// style B attaches usageMetadata to server messages.
func usageTokens(style rtevent.Vendor, payload map[string]any) (int64, bool) {
	switch style {
	case rtevent.VendorOpenAI:
		if rtevent.StringField(payload, "type") != "response.done" {
			return 0, false
		}
		v, ok := rtevent.Field(payload, "response", "usage", "total_tokens")
		if !ok {
			return 0, false
		}
		return asInt64(v)
	case rtevent.VendorGemini:
		v, ok := rtevent.Field(payload, "usageMetadata", "totalTokenCount")
		if !ok {
			return 0, false
		}
		return asInt64(v)
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}
