// Package httpapi implements the admin HTTP surface (§4.K): a small
// read-only interface separate from the data plane, exposing liveness,
// Prometheus metrics, and a plugin-registry dump for operators. It is
// only mounted when admin_listen is configured; the daemon otherwise
// runs with no listening socket at all.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hindsightlabs/hindsight/internal/registry"
	"github.com/hindsightlabs/hindsight/pkg/log"
)

// Deps bundles the collaborators the admin surface reads from. Every
// field is read-only from this package's perspective.
type Deps struct {
	InputRegistry    *registry.Registry
	AnalysisRegistry *registry.Registry
	OutputRegistry   *registry.Registry

	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer

	Version string
}

func (d *Deps) setDefaults() {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
}

// Server is the admin HTTP surface. It is intentionally unauthenticated:
// operators are expected to bind admin_listen to a loopback or
// management-network address, same as the teacher's gops_listen.
type Server struct {
	deps   Deps
	log    *log.Logger
	router *mux.Router
	srv    *http.Server
}

// New builds a Server. Call Run to start listening; Run blocks until ctx
// is canceled.
func New(addr string, deps Deps) *Server {
	deps.setDefaults()
	s := &Server{deps: deps, log: log.Named("httpapi")}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/debug/plugins", s.handleDebugPlugins).Methods(http.MethodGet)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	r.Use(requestIDMiddleware)
	s.router = r

	logged := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		s.log.Debugf("%s %s (%d, %dms)",
			params.Request.Method, params.URL.RequestURI(), params.StatusCode,
			time.Since(params.TimeStamp).Milliseconds())
	})

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      logged,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run listens on the configured address until ctx is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.log.Infof("admin surface listening at %s", s.srv.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

const requestIDHeader = "X-Request-Id"

// requestIDMiddleware stamps every admin request with a fresh request
// id, so a log line for a slow /debug/plugins call can be correlated
// with the client's own logs without the admin surface needing any
// session or auth state.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		rw.Header().Set(requestIDHeader, id)
		next.ServeHTTP(rw, r)
	})
}

func (s *Server) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
}

type pluginStatus struct {
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	State         string  `json:"state"`
	ProcessCount  int64   `json:"process_count"`
	ProcessFailed int64   `json:"process_failed"`
	InjectCount   int64   `json:"inject_count"`
	InjectBytes   int64   `json:"inject_bytes"`
	CurrentMemory int64   `json:"current_memory"`
	MaxMemory     int64   `json:"max_memory"`
	LastError     string  `json:"last_error,omitempty"`
	ProcessMeanNs float64 `json:"process_mean_ns"`
}

func (s *Server) handleDebugPlugins(rw http.ResponseWriter, r *http.Request) {
	var out []pluginStatus
	for _, reg := range []*registry.Registry{s.deps.InputRegistry, s.deps.AnalysisRegistry, s.deps.OutputRegistry} {
		if reg == nil {
			continue
		}
		for _, p := range reg.Snapshot() {
			st := p.StatsSnapshot()
			mean, _ := st.ProcessMeanStddev()
			errMsg := ""
			if err := p.LastError(); err != nil {
				errMsg = err.Error()
			}
			out = append(out, pluginStatus{
				Name:          p.Name,
				Type:          strings.ToLower(string(p.Type)),
				State:         p.State().String(),
				ProcessCount:  st.ProcessCount,
				ProcessFailed: st.ProcessFailed,
				InjectCount:   st.InjectCount,
				InjectBytes:   st.InjectBytes,
				CurrentMemory: st.CurrentMemory,
				MaxMemory:     st.MaxMemory,
				LastError:     errMsg,
				ProcessMeanNs: mean,
			})
		}
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(out)
}
