package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/vnmchuo/llm-proxy/config"
	"github.com/vnmchuo/llm-proxy/internal/proxyerr"
)

const maxBodyBytes = 10 << 20

// Handler is the HTTP entry point. The longest matching route path prefix
// selects the route.
type Handler struct {
	pipeline *Pipeline
	routes   *config.Routes
}

func NewHandler(pipeline *Pipeline, routes *config.Routes) *Handler {
	return &Handler{pipeline: pipeline, routes: routes}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := h.routes.FindRoute(r.URL.Path)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"kind": "not_found", "message": "no route for " + r.URL.Path},
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, proxyerr.Malformed("failed to read request body: %v", err))
		return
	}

	resp, err := h.pipeline.Handle(r.Context(), route.Name, body)
	if err != nil {
		slog.Info("request failed", "route", route.Name, "error", err)
		writeError(w, err)
		return
	}

	if resp.Stream == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Payload)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := resp.Stream.Relay(r.Context(), w); err != nil {
		slog.Info("stream ended with error", "route", route.Name, "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	e, ok := proxyerr.As(err)
	if !ok {
		e = &proxyerr.Error{Kind: "internal_error", Err: err}
	}
	writeJSON(w, e.HTTPStatus(), errorBody(e))
}

func errorBody(e *proxyerr.Error) map[string]any {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	detail := map[string]string{"kind": string(e.Kind), "message": msg}
	if e.Stage != "" {
		detail["stage"] = e.Stage
	}
	return map[string]any{"error": detail}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
