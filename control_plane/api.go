package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/idempotency"
	"github.com/itskum47/neuralhub/control_plane/middleware"
	"github.com/itskum47/neuralhub/control_plane/observability"
	"github.com/itskum47/neuralhub/control_plane/registry"
	"github.com/itskum47/neuralhub/control_plane/workflow"
)

// IdempotencyHeader lets a publisher retry without publishing twice.
const IdempotencyHeader = "X-Idempotency-Key"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Routes builds the HTTP surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	requireToken := middleware.AuthMiddleware(s.cfg.ProductionMode)
	mux.Handle("GET /ws", requireToken(http.HandlerFunc(s.transport.ServeWS)))

	api := http.NewServeMux()
	s.handle(api, "POST /products/register", s.handleRegisterProduct)
	s.handle(api, "GET /products", s.handleListProducts)
	s.handle(api, "POST /products/{id}/heartbeat",
		middleware.RateLimit(s.heartbeats, "product_heartbeat", func(r *http.Request) string {
			return "product:" + r.PathValue("id")
		})(s.handleProductHeartbeat))

	s.handle(api, "POST /events/publish", s.withIdempotency(s.handlePublish))
	s.handle(api, "GET /events/{id}", s.handleGetEvent)

	s.handle(api, "GET /workflows", s.handleListWorkflows)
	s.handle(api, "GET /workflows/{id}", s.handleGetWorkflow)
	s.handle(api, "PUT /workflows/{id}", s.handlePutWorkflow)
	s.handle(api, "POST /workflows/execute", s.handleExecuteWorkflow)
	s.handle(api, "GET /workflows/runs/{runId}/timeline", s.handleRunTimeline)

	s.handle(api, "POST /ai/command", s.handleAICommand)
	s.handle(api, "GET /dashboard", s.handleGetDashboard)

	s.agentRoutes(api)

	authed := requireToken(middleware.OrganizationMiddleware(api))
	mux.Handle("/", authed)

	return middleware.CORSMiddleware(mux)
}

// handle registers h and counts responses by route pattern.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		h(rec, r)
		observability.HTTPRequests.WithLabelValues(pattern, strconv.Itoa(rec.statusCode)).Inc()
	})
}

// responseRecorder captures the status and body written by a handler.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the first response recorded for a repeated key.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}

		resp, found, err := s.idempotency.Get(r.Context(), key)
		if err != nil {
			log.Printf("[API] Idempotency lookup for %s failed: %v", key, err)
		}
		if found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		// Failures are not remembered so the caller can retry
		if rec.statusCode >= 500 {
			return
		}
		if err := s.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    map[string][]string{"Content-Type": rec.Header().Values("Content-Type")},
		}); err != nil {
			log.Printf("[API] Failed to record idempotent response for %s: %v", key, err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= 500 {
		log.Printf("[API] Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errs.Validation("body", fmt.Sprintf("invalid JSON: %v", err))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.clock.Now().UTC(),
		"products":  s.products.Count(),
		"workflows": s.workflows.Count(),
		"uptime":    s.clock.Since(s.started).Seconds(),
	})
}

func (s *Server) handleRegisterProduct(w http.ResponseWriter, r *http.Request) {
	var reg registry.ProductRegistration
	if err := decodeBody(r, &reg); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.products.Register(r.Context(), reg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "productId": p.ID})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.products.List())
}

func (s *Server) handleProductHeartbeat(w http.ResponseWriter, r *http.Request) {
	if _, err := s.products.Heartbeat(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var p events.Partial
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	ev, err := s.Publish(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "eventId": ev.ID})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.backbone.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.workflows.List())
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if err := decodeBody(r, &wf); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if wf.ID != "" && wf.ID != id {
		writeError(w, errs.Validation("id", "does not match the path"))
		return
	}
	wf.ID = id
	if err := s.workflows.Put(wf); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("[WORKFLOW] Definition %s provisioned (%d steps)", wf.ID, len(wf.Steps))
	writeJSON(w, http.StatusOK, wf)
}

type executeRequest struct {
	WorkflowID string         `json:"workflowId"`
	Trigger    any            `json:"trigger"`
	Context    map[string]any `json:"context"`
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkflowID == "" {
		writeError(w, errs.Validation("workflowId", "is required"))
		return
	}
	run, err := s.engine.Execute(r.Context(), req.WorkflowID, req.Trigger, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunTimeline(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	stages := s.timeline.Events(runID)
	if len(stages) == 0 {
		writeError(w, errs.NotFound("run", runID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": runID, "stages": stages})
}

type commandRequest struct {
	Command string         `json:"command"`
	Context map[string]any `json:"context"`
}

func (s *Server) handleAICommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.engine.ExecuteCommand(r.Context(), req.Command, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errs.Validation("limit", "must be a non-negative integer")
	}
	return n, nil
}
