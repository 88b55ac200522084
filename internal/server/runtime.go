// Package server exposes the workspace session over a local HTTP and
// websocket surface for the board UI client.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agentboard/internal/session"
)

type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = ":3040"
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	return options
}

type Runtime struct {
	opts      Options
	core      session.Core
	startedAt time.Time
	server    *http.Server
}

func NewRuntime(core session.Core, options Options) *Runtime {
	options = normalizeOptions(options)
	runtime := &Runtime{
		opts:      options,
		core:      core,
		startedAt: time.Now().UTC(),
	}
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)
	runtime.server = &http.Server{
		Addr:    options.Addr,
		Handler: mux,
	}
	return runtime
}

// Handler exposes the route mux for tests.
func (r *Runtime) Handler() http.Handler {
	return r.server.Handler
}

func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			r.core.Shutdown()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		r.core.Shutdown()
		return err
	}
	r.core.Shutdown()
	return nil
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	StartedAt time.Time              `json:"started_at"`
	Now       time.Time              `json:"now"`
	Session   session.HealthSnapshot `json:"session"`
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snapshot := r.core.Health()
	response := HealthResponse{
		Status:    "ok",
		StartedAt: r.startedAt,
		Now:       time.Now().UTC(),
		Session:   snapshot,
	}
	statusCode := http.StatusOK
	if snapshot.Reconciler.LastError != "" {
		response.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func decodeJSON(req *http.Request, out any) error {
	defer req.Body.Close()
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func pathSegment(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}
