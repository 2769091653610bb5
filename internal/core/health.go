package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds all probes together. A probe still running when
// it passes is reported as timed out.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency the API cannot serve without.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently and answers 200 when all pass,
// 503 otherwise.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy", Version: s.Config.Build.Version}
	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(s.HealthProbes))
	)
	for _, p := range s.HealthProbes {
		wg.Go(func() {
			err := runProbe(ctx, p)
			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	for _, p := range s.HealthProbes {
		err, finished := results[p.Name()]
		switch {
		case !finished:
			resp.Components[p.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			resp.Components[p.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			resp.Components[p.Name()] = componentStatus{Status: "healthy"}
			continue
		}
		resp.Status = "unhealthy"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}

func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("probe panicked: %v", rvr)
		}
	}()
	return p.Check(ctx)
}
