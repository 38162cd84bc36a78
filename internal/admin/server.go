// Package admin exposes the fabric daemon's read-only introspection
// surface over plain net/http + JSON (spec.md §4.7 cluster status,
// §4.8 queue depth, §4.5 route tables) in place of the teacher's
// ConnectRPC admin service, whose generated wire types are not
// reproducible without protobuf code generation (see DESIGN.md).
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lilltek-go/fabric/pkg/cluster"
	"github.com/lilltek-go/fabric/pkg/queue"
	"github.com/lilltek-go/fabric/pkg/route"
	"github.com/lilltek-go/fabric/pkg/router"
	"github.com/lilltek-go/fabric/pkg/session"
)

// ErrPanicRecovered indicates a handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in admin handler")

// Router is the subset of *router.Router the admin surface reads from.
type Router interface {
	State() router.State
	Routes() *route.Table
}

// SessionManager is the subset of *session.Manager the admin surface
// reads from.
type SessionManager interface {
	Snapshot() []session.PendingSummary
}

// ClusterManager is the subset of *cluster.Manager the admin surface
// reads from.
type ClusterManager interface {
	State() cluster.State
	Snapshot() cluster.Status
}

// QueueManager is the subset of *queue.Manager the admin surface reads
// from.
type QueueManager interface {
	Queues() []*queue.Queue
}

// Server wires the introspection endpoints and /metrics onto one
// http.Handler. All fields are optional: a nil component yields an
// empty, well-formed response rather than a panic, so the admin
// surface stays usable on partially-constructed builds (e.g. fabricd
// run without clustering enabled).
type Server struct {
	Logger   *slog.Logger
	Router   Router
	Sessions SessionManager
	Cluster  ClusterManager
	Queues   QueueManager

	mux http.Handler
}

// Handler lazily builds and returns the composed http.Handler, wrapping
// every route with logging and panic-recovery middleware in the
// teacher's LoggingInterceptor/RecoveryInterceptor spirit.
func (s *Server) Handler() http.Handler {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/cluster", s.handleCluster)
	mux.HandleFunc("/queues", s.handleQueues)
	mux.Handle("/metrics", promhttp.Handler())

	s.mux = s.recovery(s.logging(mux))
	return s.mux
}

// ListenAndServe starts an *http.Server bound to addr and blocks until
// ctx is cancelled, at which point it shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.Logger != nil {
			s.Logger.Info("admin request",
				slog.String("path", r.URL.Path),
				slog.Duration("duration", time.Since(start)),
			)
		}
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				if s.Logger != nil {
					s.Logger.Error("panic recovered in admin handler",
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec),
						slog.String("stack", string(buf[:n])),
					)
				}
				writeJSONError(w, http.StatusInternalServerError, ErrPanicRecovered)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type statusResponse struct {
	RouterState string `json:"router_state"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{RouterState: "unknown"}
	if s.Router != nil {
		resp.RouterState = s.Router.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	if s.Router == nil {
		writeJSON(w, http.StatusOK, route.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.Router.Routes().Snapshot())
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	if s.Sessions == nil {
		writeJSON(w, http.StatusOK, []session.PendingSummary{})
		return
	}
	writeJSON(w, http.StatusOK, s.Sessions.Snapshot())
}

type clusterResponse struct {
	State  string         `json:"state"`
	Status cluster.Status `json:"status"`
}

func (s *Server) handleCluster(w http.ResponseWriter, _ *http.Request) {
	if s.Cluster == nil {
		writeJSON(w, http.StatusOK, clusterResponse{State: "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, clusterResponse{
		State:  s.Cluster.State().String(),
		Status: s.Cluster.Snapshot(),
	})
}

type queueSummary struct {
	EP              string         `json:"ep"`
	Depth           int            `json:"depth"`
	DepthByPriority map[string]int `json:"depth_by_priority"`
}

func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request) {
	if s.Queues == nil {
		writeJSON(w, http.StatusOK, []queueSummary{})
		return
	}

	queues := s.Queues.Queues()
	out := make([]queueSummary, 0, len(queues))
	for _, q := range queues {
		byPriority := make(map[string]int)
		for p, n := range q.DepthByPriority() {
			byPriority[p.String()] = n
		}
		out = append(out, queueSummary{EP: q.EP(), Depth: q.Depth(), DepthByPriority: byPriority})
	}
	writeJSON(w, http.StatusOK, out)
}
