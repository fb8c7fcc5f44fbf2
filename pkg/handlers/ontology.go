package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/config"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
	"github.com/ekaya-inc/ontology-engine/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// CandidateResponse is a relation candidate with its derived status.
type CandidateResponse struct {
	*models.RelationCandidate
	Status models.RelationCandidateStatus `json:"status"`
}

// CandidateListResponse for GET /api/ontology/candidates
type CandidateListResponse struct {
	Candidates []CandidateResponse `json:"candidates"`
	Total      int                 `json:"total"`
}

// DecisionRequest for POST /api/ontology/candidates/{relationID}/decision
type DecisionRequest struct {
	Decision models.ManualIntervention `json:"decision"`
}

// ============================================================================
// Handler
// ============================================================================

// OntologyHandler exposes the discovery engine's entry points over HTTP.
type OntologyHandler struct {
	orchestrator services.OntologyOrchestrator
	thresholds   config.OntologyConfig
	logger       *zap.Logger
}

// NewOntologyHandler creates a new ontology handler. thresholds is used to derive
// candidate status in responses.
func NewOntologyHandler(orchestrator services.OntologyOrchestrator, thresholds config.OntologyConfig, logger *zap.Logger) *OntologyHandler {
	return &OntologyHandler{
		orchestrator: orchestrator,
		thresholds:   thresholds,
		logger:       logger.Named("ontology-handler"),
	}
}

// RegisterRoutes registers the ontology handler's routes on the given mux.
func (h *OntologyHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/ontology"

	mux.HandleFunc("POST "+base+"/cycle", h.RunCycle)
	mux.HandleFunc("GET "+base+"/status", h.GetStatus)
	mux.HandleFunc("GET "+base+"/candidates", h.ListCandidates)
	mux.HandleFunc("POST "+base+"/candidates/{relationID}/evaluate", h.EvaluateCandidate)
	mux.HandleFunc("POST "+base+"/candidates/{relationID}/decision", h.DecideCandidate)
	mux.HandleFunc("POST "+base+"/entities/{entityType}/{primaryKey}/process", h.ProcessEntity)
}

// RunCycle handles POST /api/ontology/cycle. The cycle runs in the background and
// the response is 202 with the status at start; ?wait=true blocks until the cycle
// finishes and returns its final status.
func (h *OntologyHandler) RunCycle(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		status, err := h.orchestrator.ProcessAndEvaluateAll(r.Context())
		switch {
		case err != nil && status == nil:
			writeServiceError(w, h.logger, "run discovery cycle", err)
		case err != nil:
			h.logger.Error("Discovery cycle failed", zap.String("version", status.Version), zap.Error(err))
			if err := WriteJSON(w, http.StatusInternalServerError, ApiResponse{Success: false, Data: status, Error: "cycle_failed", Message: status.Error}); err != nil {
				h.logger.Error("Failed to write response", zap.Error(err))
			}
		default:
			h.writeOK(w, http.StatusOK, status)
		}
		return
	}

	status, err := h.orchestrator.StartCycle(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "run discovery cycle", err)
		return
	}
	h.writeOK(w, http.StatusAccepted, status)
}

// GetStatus handles GET /api/ontology/status
func (h *OntologyHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeOK(w, http.StatusOK, h.orchestrator.Status())
}

// ListCandidates handles GET /api/ontology/candidates with optional status,
// from_type and to_type filters.
func (h *OntologyHandler) ListCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wantStatus := models.RelationCandidateStatus(q.Get("status"))
	switch wantStatus {
	case "", models.RelCandidateStatusAccepted, models.RelCandidateStatusRejected, models.RelCandidateStatusPending:
	default:
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_status", "status must be accepted, rejected or pending"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	candidates, err := h.orchestrator.ListCandidates(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "list relation candidates", err)
		return
	}

	resp := CandidateListResponse{Candidates: make([]CandidateResponse, 0, len(candidates))}
	for _, c := range candidates {
		if from := q.Get("from_type"); from != "" && c.Heuristic.EntityAType != from {
			continue
		}
		if to := q.Get("to_type"); to != "" && c.Heuristic.EntityBType != to {
			continue
		}
		cr := h.toCandidateResponse(c)
		if wantStatus != "" && cr.Status != wantStatus {
			continue
		}
		resp.Candidates = append(resp.Candidates, cr)
	}
	resp.Total = len(resp.Candidates)
	h.writeOK(w, http.StatusOK, resp)
}

// EvaluateCandidate handles POST /api/ontology/candidates/{relationID}/evaluate
func (h *OntologyHandler) EvaluateCandidate(w http.ResponseWriter, r *http.Request) {
	relationID := r.PathValue("relationID")
	candidate, err := h.orchestrator.EvaluateRelation(r.Context(), relationID)
	if err != nil {
		writeServiceError(w, h.logger, "evaluate relation candidate", err, zap.String("relation_id", relationID))
		return
	}
	h.writeOK(w, http.StatusOK, h.toCandidateResponse(candidate))
}

// DecideCandidate handles POST /api/ontology/candidates/{relationID}/decision
func (h *OntologyHandler) DecideCandidate(w http.ResponseWriter, r *http.Request) {
	relationID := r.PathValue("relationID")

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if !models.IsValidManualIntervention(req.Decision) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_decision", "decision must be accepted or rejected"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	candidate, err := h.orchestrator.DecideRelation(r.Context(), relationID, req.Decision)
	if err != nil {
		writeServiceError(w, h.logger, "record relation decision", err,
			zap.String("relation_id", relationID), zap.String("decision", string(req.Decision)))
		return
	}
	h.logger.Info("Recorded manual relation decision",
		zap.String("relation_id", relationID),
		zap.String("decision", string(req.Decision)))
	h.writeOK(w, http.StatusOK, h.toCandidateResponse(candidate))
}

// ProcessEntity handles POST /api/ontology/entities/{entityType}/{primaryKey}/process
func (h *OntologyHandler) ProcessEntity(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")
	primaryKey := r.PathValue("primaryKey")

	result, err := h.orchestrator.ProcessEntity(r.Context(), entityType, primaryKey)
	if err != nil {
		writeServiceError(w, h.logger, "process entity", err,
			zap.String("entity_type", entityType), zap.String("primary_key", primaryKey))
		return
	}
	h.writeOK(w, http.StatusOK, result)
}

// ============================================================================
// Helpers
// ============================================================================

func (h *OntologyHandler) toCandidateResponse(c *models.RelationCandidate) CandidateResponse {
	return CandidateResponse{
		RelationCandidate: c,
		Status:            c.Status(h.thresholds.AcceptanceThreshold, h.thresholds.RejectionThreshold),
	}
}

func (h *OntologyHandler) writeOK(w http.ResponseWriter, status int, data any) {
	if err := WriteJSON(w, status, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
