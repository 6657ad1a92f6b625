// Package api exposes the analysis, policy and remediation engines over a
// small JSON facade: analyze a source tree, evaluate policies against a
// target, open a remediation workflow and decide its approval gates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/approval"
	"github.com/pipewright/pipewright/internal/assembler"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/metrics"
	"github.com/pipewright/pipewright/internal/policy"
	"github.com/pipewright/pipewright/internal/policy/store"
	"github.com/pipewright/pipewright/internal/remediation"
	"github.com/pipewright/pipewright/internal/workflow"
)

// Services groups the engines the facade serves. Metrics may be nil; the
// /metrics route is then not registered.
type Services struct {
	Analyzer  *assembler.Analyzer
	Policies  *store.Store
	Engine    *policy.Engine
	Planner   *remediation.Planner
	Runtime   *workflow.Runtime
	Approvals *approval.Service
	Metrics   *metrics.Metrics
}

// Server is the HTTP facade. It owns no engine state; everything it does is
// delegation plus input validation and error mapping.
type Server struct {
	router     *mux.Router
	httpServer *http.Server

	addr     string
	services Services
	validate *validator.Validate
	log      logger.Logger
}

// NewServer builds the facade with its routes registered. addr is the
// host:port the server binds when Start is called.
func NewServer(addr string, services Services) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		addr:     addr,
		services: services,
		validate: validator.New(),
		log:      logger.New("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/analyze", s.handleAnalyze).Methods("POST")
	api.HandleFunc("/policies/evaluate", s.handleEvaluatePolicies).Methods("POST")
	api.HandleFunc("/remediate", s.handleRemediate).Methods("POST")
	api.HandleFunc("/approvals/{id}/approve", s.handleApprove).Methods("POST")
	api.HandleFunc("/approvals/{id}/reject", s.handleReject).Methods("POST")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.services.Metrics != nil {
		s.router.Handle("/metrics", s.services.Metrics.Handler()).Methods("GET")
	}
}

// Handler returns the routing tree, for tests and for embedding the facade
// into a larger server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP on the configured address until the listener fails or
// Stop is called.
func (s *Server) Start() error {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("api server listening", logger.String("addr", s.addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler implementations

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"services": map[string]bool{
			"analyzer":    s.services.Analyzer != nil,
			"policies":    s.services.Policies != nil,
			"remediation": s.services.Planner != nil,
			"workflows":   s.services.Runtime != nil,
			"approvals":   s.services.Approvals != nil,
		},
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req assembler.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid analysis request: %v", err))
		return
	}

	result, err := s.services.Analyzer.Analyze(r.Context(), req)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvaluatePolicies(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PolicyIDs []string               `json:"policy_ids,omitempty"`
		Target    map[string]interface{} `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Target) == 0 {
		s.respondError(w, http.StatusBadRequest, "target is required")
		return
	}

	var policies []*policy.Policy
	if len(req.PolicyIDs) == 0 {
		policies = s.services.Policies.Active()
	} else {
		for _, id := range req.PolicyIDs {
			p, err := s.services.Policies.Get(id)
			if err != nil {
				s.respondAppError(w, err)
				return
			}
			policies = append(policies, p)
		}
	}

	s.respondJSON(w, http.StatusOK, s.services.Engine.EvaluateAll(policies, req.Target))
}

func (s *Server) handleRemediate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo             string                      `json:"repo" validate:"required"`
		SHA              string                      `json:"sha" validate:"required"`
		Vulnerabilities  []remediation.Vulnerability `json:"vulnerabilities" validate:"required,min=1,dive"`
		AutoApply        bool                        `json:"auto_apply"`
		RequiresApproval bool                        `json:"requires_approval"`
		ApprovalRoles    []string                    `json:"approval_roles,omitempty"`
		Metadata         map[string]interface{}      `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid remediation request: %v", err))
		return
	}

	plan, err := s.services.Planner.CreatePlan(r.Context(), remediation.Request{
		Repo:            req.Repo,
		SHA:             req.SHA,
		Vulnerabilities: req.Vulnerabilities,
		AutoApply:       req.AutoApply,
		Metadata:        req.Metadata,
	})
	if err != nil {
		s.respondAppError(w, err)
		return
	}

	wf, err := s.services.Runtime.GenerateWorkflow(r.Context(), plan, workflow.Gate{
		RequiresApproval: req.RequiresApproval,
		ApprovalRoles:    req.ApprovalRoles,
	})
	if err != nil {
		s.respondAppError(w, err)
		return
	}

	// Auto-apply runs the workflow to its first approval gate or to the
	// end; without it the caller drives execution.
	if req.AutoApply && !wf.Terminal() {
		if wf, err = s.services.Runtime.ExecuteWorkflow(r.Context(), wf.ID); err != nil {
			s.respondAppError(w, err)
			return
		}
		if refreshed, err := s.services.Planner.GetPlan(r.Context(), plan.ID); err == nil {
			plan = refreshed
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"plan":     plan,
		"workflow": wf,
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, false)
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, approved bool) {
	id := mux.Vars(r)["id"]

	var req struct {
		Approver string `json:"approver" validate:"required"`
		Comments string `json:"comments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "approver is required")
		return
	}

	var (
		request *approval.Request
		err     error
	)
	if approved {
		request, err = s.services.Approvals.Approve(r.Context(), id, req.Approver, req.Comments)
	} else {
		request, err = s.services.Approvals.Reject(r.Context(), id, req.Approver, req.Comments)
	}
	if err != nil {
		s.respondAppError(w, err)
		return
	}

	wf, err := s.services.Runtime.HandleApprovalResult(r.Context(),
		request.WorkflowID, request.StepID, approved, req.Approver, req.Comments)
	if err != nil {
		s.respondAppError(w, err)
		return
	}

	// An approved gate unblocks one step; keep going to the next gate or
	// to the end so the caller sees where the workflow settled.
	if approved && wf.Status == workflow.StatusRunning && !wf.Waiting() {
		if wf, err = s.services.Runtime.ExecuteWorkflow(r.Context(), wf.ID); err != nil {
			s.respondAppError(w, err)
			return
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"request":  request,
		"workflow": wf,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondAppError maps the error taxonomy onto HTTP statuses: input 400,
// resource 404, state 409, timeout 504, everything else 500.
func (s *Server) respondAppError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, statusForKind(appErr.Kind), map[string]interface{}{
		"error": appErr.Message,
		"code":  appErr.Code,
		"kind":  appErr.Kind,
	})
}

func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindInput:
		return http.StatusBadRequest
	case apperrors.KindResource:
		return http.StatusNotFound
	case apperrors.KindState:
		return http.StatusConflict
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
