package intake

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketHandler accepts a stream of readings over a WebSocket connection.
// Each text or binary frame is one reading. Accepted frames get no reply;
// a rejected frame is answered with a JSON Response and the connection stays open.
type WebSocketHandler struct {
	ingest      IngestFunc
	maxBodySize int64
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	closed   bool
	handlers sync.WaitGroup
}

// NewWebSocketHandler creates a WebSocketHandler. Frames larger than
// maxBodySize close the connection with a "message too big" status.
func NewWebSocketHandler(ingest IngestFunc, maxBodySize int64, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		ingest:      ingest,
		maxBodySize: maxBodySize,
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:      logger.With().Str("component", "WebSocketIntake").Logger(),
		conns:       make(map[*websocket.Conn]struct{}),
	}
}

// Register mounts the handler on mux.
func (h *WebSocketHandler) Register(mux *http.ServeMux) {
	mux.Handle(ReadingsWebSocketPath, h)
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source := r.Header.Get(sourceHeader)
	if source == "" {
		source = r.URL.Query().Get("source")
	}
	metadata := metadataFromHeaders(r.Header)
	metadata["transport"] = "websocket"

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed.")
		return
	}
	if !h.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)

	conn.SetReadLimit(h.maxBodySize + 1)
	logger := h.logger.With().Str("remote_addr", r.RemoteAddr).Str("source", source).Logger()
	logger.Info().Msg("WebSocket intake connection opened.")

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("WebSocket intake connection closed unexpectedly.")
			} else {
				logger.Info().Msg("WebSocket intake connection closed.")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		frameMeta := make(map[string]string, len(metadata))
		for k, v := range metadata {
			frameMeta[k] = v
		}
		if err := h.ingest(source, payload, frameMeta); err != nil {
			_, resp := responseFor(err)
			if writeErr := conn.WriteJSON(resp); writeErr != nil {
				logger.Warn().Err(writeErr).Msg("Failed to write rejection frame.")
				return
			}
		}
	}
}

// CloseAll closes every open connection, refuses new ones and waits for the
// connection handlers to return, including any frame still being ingested.
// Hijacked connections are not closed by http.Server.Shutdown.
func (h *WebSocketHandler) CloseAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		_ = c.Close()
	}
	h.handlers.Wait()
	if len(conns) > 0 {
		h.logger.Info().Int("connections", len(conns)).Msg("Closed WebSocket intake connections.")
	}
}

func (h *WebSocketHandler) track(c *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.handlers.Add(1)
	return true
}

func (h *WebSocketHandler) untrack(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	_ = c.Close()
	h.handlers.Done()
}
