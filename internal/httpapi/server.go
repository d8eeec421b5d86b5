// Package httpapi is the RPC service and dispatcher: it translates the
// JSON/HTTP transport into work-state operations and is the only package
// allowed to talk both JSON and workqueue.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/JeanOUINA/vite-work-server/internal/metrics"
	"github.com/JeanOUINA/vite-work-server/internal/workqueue"
)

// Server is the HTTP/1.1 transport: POST only, on any path, JSON request
// and response bodies.
type Server struct {
	state *workqueue.State
	log   log.Logger
	met   *metrics.Set
}

// New constructs a Server over the given work state.
func New(state *workqueue.State, met *metrics.Set) *Server {
	return &Server{state: state, log: log.New("component", "httpapi"), met: met}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		// A marshal failure here means we built an unserializable response
		// ourselves; that is a programming error, not a client-visible one.
		body = []byte(`{"error":"internal error"}`)
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// ServeHTTP implements the transport rules: non-POST -> 405, unparseable
// body -> 400, otherwise dispatch to the parsed command.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Can only POST requests"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Failed to deserialize JSON"})
		return
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Failed to deserialize JSON"})
		return
	}

	s.met.RequestsTotal.Mark(1)
	start := time.Now()
	defer func() { s.met.RequestLatency.UpdateSince(start) }()

	status, resp := s.dispatch(raw)
	writeJSON(w, status, resp)
}
