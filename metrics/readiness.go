package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReadinessSource reports whether one component can serve traffic.
type ReadinessSource interface {
	Ready() bool
}

// ReadyServer serves HTTP 200 once every registered component reports ready.
// Intended for k8s readiness checks.
type ReadyServer struct {
	mu         sync.RWMutex
	components map[string]ReadinessSource
	log        *zerolog.Logger
}

// NewReadyServer initializes a ReadyServer with no components. It answers 503
// until the first component is registered.
func NewReadyServer(log *zerolog.Logger) *ReadyServer {
	return &ReadyServer{
		components: make(map[string]ReadinessSource),
		log:        log,
	}
}

// Register adds a named component to the readiness checks. Registering a name
// again replaces the previous source.
func (rs *ReadyServer) Register(name string, source ReadinessSource) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.components[name] = source
}

type readyBody struct {
	Status  int      `json:"status"`
	Ready   []string `json:"ready"`
	Waiting []string `json:"waiting"`
}

// ServeHTTP responds with HTTP 200 if every component is ready to serve.
func (rs *ReadyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	statusCode, ready, waiting := rs.makeResponse()
	w.WriteHeader(statusCode)
	body := readyBody{
		Status:  statusCode,
		Ready:   ready,
		Waiting: waiting,
	}
	msg, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintf(w, `{"error": "%s"}`, err)
		return
	}
	if _, err := w.Write(msg); err != nil {
		rs.log.Error().Err(err).Msg("failed to write readiness response")
	}
}

// This is the bulk of the logic for ServeHTTP, broken into its own pure
// function to make unit testing easy.
func (rs *ReadyServer) makeResponse() (statusCode int, ready, waiting []string) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	statusCode = http.StatusOK
	if len(rs.components) == 0 {
		statusCode = http.StatusServiceUnavailable
	}
	for name, source := range rs.components {
		if source.Ready() {
			ready = append(ready, name)
		} else {
			waiting = append(waiting, name)
			statusCode = http.StatusServiceUnavailable
		}
	}
	sort.Strings(ready)
	sort.Strings(waiting)
	return statusCode, ready, waiting
}
