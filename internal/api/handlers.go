package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/auth"
	"github.com/nexasec/shadowbot/internal/models"
	"github.com/nexasec/shadowbot/internal/store"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	tokens, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	tokens, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired refresh token")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		_ = s.authService.LogoutAll(r.Context(), claims.UserID)
	} else {
		_ = s.authService.Logout(r.Context(), claims.UserID, req.RefreshToken)
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":         claims.UserID,
		"organization_id": claims.OrganizationID,
		"email":           claims.Email,
		"role":            claims.Role,
	})
}

// orgFromRequest parses the {orgID} path parameter and enforces that the
// caller's token belongs to that organization.
func (s *Server) orgFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	orgID, err := uuid.Parse(chi.URLParam(r, "orgID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid organization ID")
		return uuid.Nil, false
	}

	if err := auth.AuthorizeOrg(r.Context(), orgID); err != nil {
		respondError(w, http.StatusForbidden, "forbidden", "Organization not accessible")
		return uuid.Nil, false
	}

	return orgID, true
}

func (s *Server) triggerDiscovery(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgFromRequest(w, r)
	if !ok {
		return
	}

	claims, _ := auth.GetUserFromContext(r.Context())

	run, started, err := s.orchestrator.TriggerRun(r.Context(), orgID, claims.Email)
	if err != nil {
		s.logger.Error("failed to trigger discovery", "organization_id", orgID, "error", err)
		respondError(w, http.StatusInternalServerError, "trigger_failed", "Failed to trigger discovery run")
		return
	}

	status := http.StatusAccepted
	if !started {
		// Coalesced onto the run already in flight.
		status = http.StatusOK
	}

	respondJSON(w, status, map[string]interface{}{
		"run":     run,
		"started": started,
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid run ID")
		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query_failed", "Failed to fetch run")
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
		return
	}

	if err := auth.AuthorizeOrg(r.Context(), run.OrganizationID); err != nil {
		respondError(w, http.StatusForbidden, "forbidden", "Organization not accessible")
		return
	}

	response := map[string]interface{}{"run": run}
	if progress, err := s.tracker.GetProgress(r.Context(), runID); err == nil && progress != nil {
		response["progress"] = progress
	}

	respondJSON(w, http.StatusOK, response)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgFromRequest(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := s.store.ListRuns(r.Context(), orgID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query_failed", "Failed to list runs")
		return
	}

	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgFromRequest(w, r)
	if !ok {
		return
	}

	var status *models.ConnectionStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.ConnectionStatus(v)
		status = &st
	}

	conns, err := s.store.ListConnections(r.Context(), orgID, status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query_failed", "Failed to list connections")
		return
	}

	respondJSON(w, http.StatusOK, conns)
}

func (s *Server) listAutomations(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgFromRequest(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filters := store.ListAutomationFilters{
		AITaggedOnly: q.Get("ai_tagged") == "true",
	}
	if v := q.Get("platform"); v != "" {
		platform := models.Platform(v)
		filters.Platform = &platform
	}
	if v := q.Get("type"); v != "" {
		autoType := models.AutomationType(v)
		filters.Type = &autoType
	}
	if v := q.Get("creator_id"); v != "" {
		filters.CreatorID = &v
	}
	if v := q.Get("dormant"); v != "" {
		dormant := v == "true"
		filters.Dormant = &dormant
	}
	filters.Limit, _ = strconv.Atoi(q.Get("limit"))
	filters.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filters.Limit <= 0 || filters.Limit > 500 {
		filters.Limit = 100
	}

	records, total, err := s.store.ListAutomations(r.Context(), orgID, filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query_failed", "Failed to list automations")
		return
	}

	latest, err := s.store.LatestAssessments(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query_failed", "Failed to load assessments")
		return
	}

	level := models.RiskLevel(q.Get("risk_level"))
	items := joinLatestAssessments(records, latest, level)
	if level != "" {
		// The level filter applies to the joined view, so the total does too.
		total = len(items)
	}

	respondJSONWithMeta(w, http.StatusOK, items, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

type automationListItem struct {
	models.AutomationRecord
	LatestAssessment *models.RiskAssessment `json:"latest_assessment,omitempty"`
}

// joinLatestAssessments pairs each record with its newest assessment and,
// when a level is given, keeps only records whose latest assessment sits at
// that level. Unassessed records never match a level filter.
func joinLatestAssessments(records []models.AutomationRecord, latest map[uuid.UUID]*models.RiskAssessment, level models.RiskLevel) []automationListItem {
	items := make([]automationListItem, 0, len(records))
	for _, record := range records {
		item := automationListItem{
			AutomationRecord: record,
			LatestAssessment: latest[record.ID],
		}
		if level != "" && (item.LatestAssessment == nil || item.LatestAssessment.Level != level) {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (s *Server) listChains(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgFromRequest(w, r)
	if !ok {
		return
	}

	chains, err := s.store.ListChains(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query_failed", "Failed to list chains")
		return
	}

	respondJSON(w, http.StatusOK, chains)
}

// automationFromRequest loads the automation and enforces the caller's
// organization boundary.
func (s *Server) automationFromRequest(w http.ResponseWriter, r *http.Request) (*models.AutomationRecord, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "automationID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid automation ID")
		return nil, false
	}

	record, err := s.store.GetAutomation(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query_failed", "Failed to fetch automation")
		return nil, false
	}
	if record == nil {
		respondError(w, http.StatusNotFound, "not_found", "Automation not found")
		return nil, false
	}

	if err := auth.AuthorizeOrg(r.Context(), record.OrganizationID); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			// Do not leak existence across the tenancy boundary.
			respondError(w, http.StatusNotFound, "not_found", "Automation not found")
			return nil, false
		}
		respondError(w, http.StatusForbidden, "forbidden", "Organization not accessible")
		return nil, false
	}

	return record, true
}

func (s *Server) getAutomation(w http.ResponseWriter, r *http.Request) {
	record, ok := s.automationFromRequest(w, r)
	if !ok {
		return
	}

	response := map[string]interface{}{"automation": record}
	if latest, err := s.store.LatestAssessment(r.Context(), record.ID); err == nil && latest != nil {
		response["latest_assessment"] = latest
	}

	respondJSON(w, http.StatusOK, response)
}

func (s *Server) listAssessments(w http.ResponseWriter, r *http.Request) {
	record, ok := s.automationFromRequest(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := s.store.ListAssessmentHistory(r.Context(), record.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query_failed", "Failed to list assessments")
		return
	}

	respondJSON(w, http.StatusOK, history)
}

func (s *Server) getLinkedAutomations(w http.ResponseWriter, r *http.Request) {
	record, ok := s.automationFromRequest(w, r)
	if !ok {
		return
	}

	if s.graph == nil {
		respondError(w, http.StatusNotImplemented, "graph_disabled", "Graph mirror is not enabled")
		return
	}

	maxHops, _ := strconv.Atoi(r.URL.Query().Get("max_hops"))

	linked, err := s.graph.FindLinked(r.Context(), record.ID, maxHops)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query_failed", "Failed to query linked automations")
		return
	}

	respondJSON(w, http.StatusOK, linked)
}
