package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stewardai/governor/internal/auth"
	"github.com/stewardai/governor/internal/budget"
	"github.com/stewardai/governor/internal/holdqueue"
	"github.com/stewardai/governor/internal/models"
	"github.com/stewardai/governor/internal/policy"
	"github.com/stewardai/governor/internal/service"
	"github.com/stewardai/governor/internal/store"
)

type Server struct {
	service   *service.Service
	evaluator *policy.Evaluator
	queue     *holdqueue.Queue
	ledger    *budget.Ledger
	store     store.Store
	verifier  *auth.Verifier
}

func New(svc *service.Service, eval *policy.Evaluator, queue *holdqueue.Queue, ledger *budget.Ledger, st store.Store, verifier *auth.Verifier) *Server {
	return &Server{
		service:   svc,
		evaluator: eval,
		queue:     queue,
		ledger:    ledger,
		store:     st,
		verifier:  verifier,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/governance", func(r chi.Router) {
		r.Post("/evaluate", s.handleEvaluate)
		r.Get("/capabilities", s.handleCapabilities)
		r.Get("/budget", s.handleBudgetStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Post("/propose", s.handlePropose)
			r.Post("/actions", s.handleCreateAction)
			r.Get("/actions", s.handleListActions)
			r.Get("/actions/{id}", s.handleGetAction)
			r.Post("/actions/{id}/approve", s.handleApprove)
			r.Post("/actions/{id}/cancel", s.handleCancel)
			r.Post("/release", s.handleRelease)
			r.Post("/budget/spend", s.handleRecordSpend)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type evaluateRequest struct {
	ToolName string                  `json:"toolName"`
	Mode     models.AutonomyMode     `json:"mode"`
	Context  models.ExecutionContext `json:"context"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := s.service.Evaluate(req.ToolName, req.Mode, req.Context)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	mode := models.AutonomyMode(r.URL.Query().Get("mode"))
	caps, err := s.evaluator.DescribeCapabilities(mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, caps)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req service.ProposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.service.Propose(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type createActionRequest struct {
	ProjectID   string          `json:"projectId"`
	ActionType  string          `json:"actionType"`
	Payload     json.RawMessage `json:"payload"`
	HoldMinutes int             `json:"holdMinutes"`
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var req createActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	action, err := s.queue.Create(r.Context(), req.ProjectID, req.ActionType, req.Payload, req.HoldMinutes)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, action)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	filter := store.HeldActionFilter{
		ProjectID: r.URL.Query().Get("projectId"),
		Status:    models.HeldActionStatus(r.URL.Query().Get("status")),
	}
	actions, err := s.queue.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if actions == nil {
		actions = []models.HeldAction{}
	}
	respondJSON(w, http.StatusOK, actions)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	action, err := s.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, holdqueue.ErrNotFound) {
			respondError(w, http.StatusNotFound, "held action not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, action)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	action, err := s.queue.Approve(r.Context(), id, actorSubject(r))
	if err != nil {
		if errors.Is(err, holdqueue.ErrNotFound) {
			respondError(w, http.StatusNotFound, "held action not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if action == nil {
		s.respondAlreadyDecided(w, r, id)
		return
	}
	respondJSON(w, http.StatusOK, action)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	action, err := s.queue.Cancel(r.Context(), id, req.Reason, actorSubject(r))
	if err != nil {
		if errors.Is(err, holdqueue.ErrNotFound) {
			respondError(w, http.StatusNotFound, "held action not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if action == nil {
		s.respondAlreadyDecided(w, r, id)
		return
	}
	respondJSON(w, http.StatusOK, action)
}

// respondAlreadyDecided reports a lost race as "no longer pending" with the
// record in its decided state, so clients can refresh instead of showing a
// generic error.
func (s *Server) respondAlreadyDecided(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	current, err := s.queue.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusConflict, "action no longer pending")
		return
	}
	respondJSON(w, http.StatusConflict, map[string]interface{}{
		"error":  "action no longer pending",
		"action": current,
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	result, err := s.queue.ReleaseDue(r.Context(), time.Now().UTC())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type spendRequest struct {
	AmountUsd float64 `json:"amountUsd"`
}

func (s *Server) handleRecordSpend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := s.ledger.RecordSpend(r.Context(), req.AmountUsd)
	if err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			respondJSON(w, http.StatusPaymentRequired, map[string]string{"error": exceeded.Error()})
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ledger.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func actorSubject(r *http.Request) string {
	if actor := auth.FromContext(r.Context()); actor != nil {
		return actor.Subject
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
