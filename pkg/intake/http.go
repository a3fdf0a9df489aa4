package intake

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/illmade-knight/go-edgegateway/pkg/intakequeue"
	"github.com/illmade-knight/go-edgegateway/pkg/transform"
	"github.com/rs/zerolog"
)

const (
	// ReadingsPath accepts one reading per POST.
	ReadingsPath = "/api/v1/readings"
	// ReadingsWebSocketPath accepts one reading per frame.
	ReadingsWebSocketPath = "/api/v1/readings/ws"

	sourceHeader   = "X-Source"
	metadataPrefix = "X-Meta-"
)

// Response is the JSON body returned for every intake request or frame.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HTTPHandler accepts readings over plain HTTP.
type HTTPHandler struct {
	ingest      IngestFunc
	maxBodySize int64
	logger      zerolog.Logger
}

// NewHTTPHandler creates an HTTPHandler. Bodies larger than maxBodySize are not read past the limit.
func NewHTTPHandler(ingest IngestFunc, maxBodySize int64, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		ingest:      ingest,
		maxBodySize: maxBodySize,
		logger:      logger.With().Str("component", "HTTPIntake").Logger(),
	}
}

// Register mounts the handler on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.Handle(ReadingsPath, h)
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeResponse(w, http.StatusMethodNotAllowed, Response{Status: "error", Error: "method not allowed"})
		return
	}

	source := r.Header.Get(sourceHeader)
	if source == "" {
		source = r.URL.Query().Get("source")
	}

	// Read one byte past the limit so oversize bodies still reach validation.
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to read request body.")
		writeResponse(w, http.StatusBadRequest, Response{Status: "error", Error: "unreadable body"})
		return
	}

	err = h.ingest(source, body, metadataFromHeaders(r.Header))
	status, resp := responseFor(err)
	writeResponse(w, status, resp)
}

// metadataFromHeaders collects X-Meta-* headers, keyed by the lower-cased suffix.
func metadataFromHeaders(header http.Header) map[string]string {
	metadata := make(map[string]string)
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canonical, metadataPrefix) || len(values) == 0 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(canonical, metadataPrefix))
		if key != "" {
			metadata[key] = values[0]
		}
	}
	return metadata
}

// responseFor maps an ingest result to a status code and body.
func responseFor(err error) (int, Response) {
	switch {
	case err == nil:
		return http.StatusAccepted, Response{Status: "accepted"}
	case transform.IsValidationError(err):
		return http.StatusBadRequest, Response{Status: "rejected", Error: err.Error()}
	case errors.Is(err, intakequeue.ErrAdmissionRejected), errors.Is(err, intakequeue.ErrQueueClosed):
		return http.StatusServiceUnavailable, Response{Status: "rejected", Error: err.Error()}
	default:
		return http.StatusInternalServerError, Response{Status: "error", Error: err.Error()}
	}
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
