package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/liamcoop/botevents/engine"
	"github.com/liamcoop/botevents/identity"
	"github.com/liamcoop/botevents/internal/logger"
	"github.com/liamcoop/botevents/internal/metrics"
	"github.com/liamcoop/botevents/overlay"
	"github.com/liamcoop/botevents/rules"
	"github.com/liamcoop/botevents/variables"
)

const slowRequestThreshold = time.Second

type Server struct {
	engine    *engine.Engine
	variables variables.Store
	overlay   *overlay.Hub
	metrics   *metrics.Metrics
	newID     func() string
	router    *chi.Mux
}

// NewServer builds the admin API. vars and hub may be nil.
func NewServer(eng *engine.Engine, vars variables.Store, hub *overlay.Hub, m *metrics.Metrics) *Server {
	s := &Server{
		engine:    eng,
		variables: vars,
		overlay:   hub,
		metrics:   m,
		newID:     uuid.NewString,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(statusCounter)

	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	if s.overlay != nil {
		r.Get("/overlay/ws", s.overlay.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health", s.handleHealth)
		r.Get("/operations", s.handleListOperations)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleListEvents)
			r.Post("/{eventName}/fire", s.handleFire)
			r.Post("/{eventName}/reset", s.handleReset)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)

			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)
				r.Post("/test", s.handleTestRule)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// statusCounter feeds response classes and slow requests into the logger
// counters.
func statusCounter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
			logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status,
				"request_id", middleware.GetReqID(r.Context()))
		case status >= 400:
			logger.WarnHttp4xx(status)
		}
		if elapsed := time.Since(start); elapsed > slowRequestThreshold {
			logger.WarnSlowRequest()
			logger.Warn("slow request", "method", r.Method, "path", r.URL.Path, "duration", elapsed)
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	if s.overlay != nil {
		resp.OverlayClients = s.overlay.Clients()
	}
	if err := s.engine.Store().Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, EventsListResponse{Events: s.engine.Events().List()})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, OperationsListResponse{Operations: s.engine.Operations().List()})
}

func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	eventName := chi.URLParam(r, "eventName")
	if _, ok := s.engine.Events().Lookup(eventName); !ok {
		respondError(w, http.StatusNotFound, "unsupported event", nil)
		return
	}

	var req FireRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	err := s.engine.Fire(r.Context(), eventName, engine.Attributes(req.Attributes))
	switch {
	case errors.Is(err, identity.ErrUnresolvableUser):
		respondError(w, http.StatusUnprocessableEntity, "user cannot be resolved", err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "event failed", err)
		return
	}
	respondJSON(w, http.StatusOK, FireResponse{Event: eventName, Status: "fired"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	eventName := chi.URLParam(r, "eventName")
	if _, ok := s.engine.Events().Lookup(eventName); !ok {
		respondError(w, http.StatusNotFound, "unsupported event", nil)
		return
	}
	if err := s.engine.Reset(r.Context(), eventName); err != nil {
		respondError(w, http.StatusInternalServerError, "reset failed", err)
		return
	}
	respondJSON(w, http.StatusOK, FireResponse{Event: eventName, Status: "reset"})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.Store().List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	resp := RulesListResponse{Rules: make([]RuleResponse, 0, len(list))}
	for _, rule := range list {
		resp.Rules = append(resp.Rules, toRuleResponse(rule))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.Store().Get(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondStoreError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req SaveRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, ok := s.prepare(w, r, req, s.newID())
	if !ok {
		return
	}
	if err := s.engine.Store().Add(r.Context(), rule); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create rule", err)
		return
	}
	s.engine.Filter().InvalidateCache()

	logger.Info("rule created", "rule_id", rule.ID, "event", rule.EventName)
	respondJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req SaveRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, ok := s.prepare(w, r, req, ruleID)
	if !ok {
		return
	}
	if err := s.engine.Store().Update(r.Context(), rule); err != nil {
		respondStoreError(w, "failed to update rule", err)
		return
	}
	s.engine.Filter().InvalidateCache()

	saved, err := s.engine.Store().Get(r.Context(), ruleID)
	if err != nil {
		respondStoreError(w, "failed to reload rule", err)
		return
	}
	logger.Info("rule updated", "rule_id", ruleID, "event", saved.EventName)
	respondJSON(w, http.StatusOK, toRuleResponse(saved))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	if err := s.engine.Store().Delete(r.Context(), ruleID); err != nil {
		respondStoreError(w, "failed to delete rule", err)
		return
	}
	s.engine.Filter().InvalidateCache()

	logger.Info("rule deleted", "rule_id", ruleID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req FireRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	// Operations outlive the request.
	n, err := s.engine.TestFire(context.WithoutCancel(r.Context()), ruleID, engine.Attributes(req.Attributes))
	if err != nil {
		respondStoreError(w, "failed to test rule", err)
		return
	}
	respondJSON(w, http.StatusAccepted, TestResponse{RuleID: ruleID, Operations: n})
}

// prepare converts and validates a save request, writing the error response
// itself when the rule is rejected.
func (s *Server) prepare(w http.ResponseWriter, r *http.Request, req SaveRuleRequest, id string) (*rules.EventRule, bool) {
	rule := req.toRule(id, s.newID)
	engine.PrepareRule(rule)

	names, err := s.customNames(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load custom variables", err)
		return nil, false
	}
	if err := s.engine.ValidateRule(rule, names); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return nil, false
	}
	return rule, true
}

func (s *Server) customNames(ctx context.Context) ([]string, error) {
	if s.variables == nil {
		return nil, nil
	}
	all, err := s.variables.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// decodeOptionalBody accepts an empty body as the zero value.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

func respondStoreError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, rules.ErrRuleNotFound) {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	respondError(w, http.StatusInternalServerError, message, err)
}
