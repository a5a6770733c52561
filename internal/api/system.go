package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fingerprint-core/internal/session"
)

const healthCheckTimeout = 3 * time.Second

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Module        string            `json:"module"`
	Version       string            `json:"version"`
	Mode          string            `json:"mode"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// StateResponse is returned by GET /state.
type StateResponse struct {
	State  map[string]any      `json:"state"`
	Raw    session.DeviceState `json:"raw"`
	Names  map[string]string   `json:"names"`
	Stats  session.Stats       `json:"stats"`
	Ticket *session.Ticket     `json:"in_flight,omitempty"`
}

// handleHealth runs every registered check concurrently. Any failure
// answers 503 with status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(s.checks))
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range s.checks {
		g.Go(func() error {
			result := "ok"
			if err := check.HealthCheck(gctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // checks report through results

	resp := HealthResponse{
		Status:        "ok",
		Module:        s.module.ID,
		Version:       s.version,
		Mode:          s.mode,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Checks:        results,
	}
	status := http.StatusOK
	for _, result := range results {
		if result != "ok" {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, resp)
}

// handleNodes returns the object model: state variables, capabilities
// and properties.
func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"module":       s.module.ID,
		"name":         s.module.Name,
		"state":        stateValues(s.session.Snapshot()),
		"capabilities": s.nodes.Capabilities.Map(),
		"properties":   s.nodes.Properties.Map(),
	})
}

// handleState returns the current DeviceState with readable enum names.
func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	snap := s.session.Snapshot()
	resp := StateResponse{
		State: stateValues(snap),
		Raw:   snap,
		Names: map[string]string{
			string(session.FieldRunState):    snap.RunState.String(),
			string(session.FieldResultState): snap.ResultState.String(),
			string(session.FieldErrorType):   snap.ErrorType.String(),
			string(session.FieldAssetState):  snap.AssetState.String(),
		},
		Stats: s.session.Stats(),
	}
	if inflight, ok := s.session.(interface {
		InFlight() (session.Ticket, bool)
	}); ok {
		if t, running := inflight.InFlight(); running {
			resp.Ticket = &t
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func stateValues(st session.DeviceState) map[string]any {
	out := make(map[string]any, len(session.Fields))
	for _, f := range session.Fields {
		out[string(f)] = st.Value(f)
	}
	return out
}
