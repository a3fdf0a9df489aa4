package intake_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/illmade-knight/go-edgegateway/pkg/intake"
	"github.com/illmade-knight/go-edgegateway/pkg/intakequeue"
	"github.com/illmade-knight/go-edgegateway/pkg/transform"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestCall struct {
	source   string
	payload  string
	metadata map[string]string
}

// fakeIngest records calls and returns err for each of them.
type fakeIngest struct {
	mu    sync.Mutex
	calls []ingestCall
	err   error
}

func (f *fakeIngest) ingest(source string, payload []byte, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ingestCall{source: source, payload: string(payload), metadata: metadata})
	return f.err
}

func (f *fakeIngest) getCalls() []ingestCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ingestCall(nil), f.calls...)
}

func newHTTPIntakeServer(t *testing.T, f *fakeIngest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	intake.NewHTTPHandler(f.ingest, 1024, zerolog.Nop()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postReading(t *testing.T, url, body string, headers map[string]string) (*http.Response, intake.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded intake.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHTTPHandler_Accepted(t *testing.T) {
	f := &fakeIngest{}
	srv := newHTTPIntakeServer(t, f)

	resp, body := postReading(t, srv.URL+intake.ReadingsPath, `{"temp":21.5}`, map[string]string{
		"X-Source":      "sensor-7",
		"X-Meta-Region": "north",
		"X-Other":       "ignored",
	})

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", body.Status)

	calls := f.getCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sensor-7", calls[0].source)
	assert.Equal(t, `{"temp":21.5}`, calls[0].payload)
	assert.Equal(t, map[string]string{"region": "north"}, calls[0].metadata)
}

func TestHTTPHandler_SourceFromQuery(t *testing.T) {
	f := &fakeIngest{}
	srv := newHTTPIntakeServer(t, f)

	resp, _ := postReading(t, srv.URL+intake.ReadingsPath+"?source=plc-1", `1`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "plc-1", f.getCalls()[0].source)
}

func TestHTTPHandler_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", &transform.ValidationError{ItemID: "x", Reason: "empty payload"}, http.StatusBadRequest},
		{"queue full", intakequeue.ErrAdmissionRejected, http.StatusServiceUnavailable},
		{"shutting down", fmt.Errorf("ingest: %w", intakequeue.ErrQueueClosed), http.StatusServiceUnavailable},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newHTTPIntakeServer(t, &fakeIngest{err: tc.err})
			resp, body := postReading(t, srv.URL+intake.ReadingsPath, `{}`, map[string]string{"X-Source": "s"})
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestHTTPHandler_MethodNotAllowed(t *testing.T) {
	srv := newHTTPIntakeServer(t, &fakeIngest{})

	resp, err := http.Get(srv.URL + intake.ReadingsPath)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHTTPHandler_OversizeBodyReachesValidation(t *testing.T) {
	f := &fakeIngest{}
	srv := newHTTPIntakeServer(t, f)

	postReading(t, srv.URL+intake.ReadingsPath, strings.Repeat("x", 5000), map[string]string{"X-Source": "s"})

	calls := f.getCalls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].payload, 1025, "the body is truncated one byte past the limit")
}
