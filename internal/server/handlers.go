package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/headline-goat/contentloop/internal/pipeline"
	"github.com/headline-goat/contentloop/internal/promptpolicy"
	"github.com/headline-goat/contentloop/internal/store"
)

type HealthResponse struct {
	Status             string `json:"status"`
	RunningExperiments int    `json:"running_experiments"`
	DBSizeBytes        int64  `json:"db_size_bytes"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, status, message string) {
	writeJSON(w, code, ErrorResponse{Status: status, Message: message})
}

// writeStoreError maps err to a response. Invariant violations get their
// own status so operators can tell them apart.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case pipeline.IsInvariantViolation(err):
		s.log.WithError(err).Error("Invariant violation, manual intervention required")
		writeError(w, http.StatusInternalServerError, "invariant_violation", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "error", "not found")
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "error", err.Error())
	default:
		s.log.WithError(err).Error("Request failed")
		writeError(w, http.StatusInternalServerError, "error", "internal server error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	running, err := s.store.ListExperiments(r.Context(), store.ExperimentRunning, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error", "database unavailable")
		return
	}

	var dbSize int64
	if dbs, ok := s.store.(interface{ DB() *sql.DB }); ok {
		row := dbs.DB().QueryRowContext(r.Context(), "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
		if err := row.Scan(&dbSize); err != nil {
			dbSize = 0
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:             "ok",
		RunningExperiments: len(running),
		DBSizeBytes:        dbSize,
		UptimeSeconds:      int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleRunExperiments(w http.ResponseWriter, r *http.Request) {
	s.handleRun(w, r, s.runner.RunExperiments)
}

func (s *Server) handleRunTopics(w http.ResponseWriter, r *http.Request) {
	s.handleRun(w, r, s.runner.RunTopicExperiments)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, run func(context.Context) (*pipeline.RunSummary, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.runMu.TryLock() {
		writeError(w, http.StatusConflict, "error", "a run is already in progress")
		return
	}
	defer s.runMu.Unlock()

	sum, err := run(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	format := "json"
	if r.URL.Query().Get("format") == "csv" || strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		format = "csv"
	}
	samples, err := pipeline.ReadSamples(http.MaxBytesReader(w, r.Body, 10<<20), format)
	if err != nil {
		writeError(w, http.StatusBadRequest, "error", err.Error())
		return
	}

	res, err := pipeline.Ingest(r.Context(), s.store, samples, s.profile)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	code := http.StatusOK
	if res.Upserted == 0 && res.Rejected > 0 {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, res)
}

// TopicExperimentRequest creates a topic experiment and its arm members.
type TopicExperimentRequest struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Arms          []string `json:"arms"`
	PrimaryMetric string   `json:"primary_metric"`
	DurationDays  int      `json:"duration_days"`
	Status        string   `json:"status"`
	PromptVersion string   `json:"prompt_version"`
	Members       []struct {
		Arm       string `json:"arm"`
		ContentID string `json:"content_id"`
		Variant   string `json:"variant"`
	} `json:"members"`
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TopicExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "error", "invalid JSON")
		return
	}
	if req.Name == "" || len(req.Arms) < 2 {
		writeError(w, http.StatusBadRequest, "error", "name and at least 2 arms are required")
		return
	}
	if req.PrimaryMetric == "" {
		req.PrimaryMetric = string(store.MetricEngagement)
	}
	metric, err := store.ParseMetric(req.PrimaryMetric)
	if err != nil {
		writeError(w, http.StatusBadRequest, "error", err.Error())
		return
	}
	if req.DurationDays == 0 {
		req.DurationDays = 14
	}
	status := store.TopicDraft
	if req.Status != "" {
		if status, err = store.ParseTopicStatus(req.Status); err != nil {
			writeError(w, http.StatusBadRequest, "error", err.Error())
			return
		}
	}

	te := &store.TopicExperiment{
		Name:          req.Name,
		Description:   req.Description,
		PromptVersion: req.PromptVersion,
		Arms:          req.Arms,
		PrimaryMetric: metric,
		DurationDays:  req.DurationDays,
		Status:        status,
	}
	if err := s.store.CreateTopicExperiment(r.Context(), te); err != nil {
		writeError(w, http.StatusBadRequest, "error", err.Error())
		return
	}

	for _, m := range req.Members {
		tag, err := store.ParseVariantTag(m.Variant)
		if err == nil {
			err = s.store.AddArmMember(r.Context(), te.ID, m.Arm, m.ContentID, tag)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "error", err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":  "success",
		"id":      te.ID,
		"state":   te.Status,
		"members": len(req.Members),
	})
}

// handleTopicAction serves POST /api/topic-experiments/{id}/start|cancel.
func (s *Server) handleTopicAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/topic-experiments/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id, action := parts[0], parts[1]

	var err error
	switch action {
	case "start":
		err = s.store.StartTopicExperiment(r.Context(), id, time.Now())
	case "cancel":
		err = s.store.CancelTopicExperiment(r.Context(), id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	te, err := s.store.GetTopicExperiment(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "id": te.ID, "state": te.Status})
}

type PromptResponse struct {
	Version           string   `json:"version"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	SystemPrompt      string   `json:"system_prompt"`
	UserTemplate      string   `json:"user_template"`
	AppliedPatternIDs []string `json:"applied_pattern_ids"`
}

func (s *Server) handleActivePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	v, err := promptpolicy.Active(r.Context(), s.store)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	applied := v.AppliedPatternIDs
	if applied == nil {
		applied = []string{}
	}
	writeJSON(w, http.StatusOK, PromptResponse{
		Version:           v.Version,
		Name:              v.Name,
		Description:       v.Description,
		SystemPrompt:      v.SystemPrompt,
		UserTemplate:      v.UserTemplate,
		AppliedPatternIDs: applied,
	})
}

type PatternResponse struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Category          string   `json:"category"`
	TopicPatternType  string   `json:"topic_pattern_type,omitempty"`
	Description       string   `json:"description"`
	PromptInstruction string   `json:"prompt_instruction"`
	TestCount         int      `json:"test_count"`
	WinCount          int      `json:"win_count"`
	WinRate           float64  `json:"win_rate"`
	AvgLift           float64  `json:"avg_lift"`
	Tier              string   `json:"confidence_tier"`
	SourceExperiments []string `json:"source_experiments"`
	Active            bool     `json:"is_active"`
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	activeOnly := r.URL.Query().Get("all") != "true"
	pats, err := s.store.ListPatterns(r.Context(), activeOnly)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	response := []PatternResponse{}
	for _, p := range pats {
		response = append(response, PatternResponse{
			ID:                p.ID,
			Name:              p.Name,
			Category:          string(p.Category),
			TopicPatternType:  p.TopicPatternType,
			Description:       p.Description,
			PromptInstruction: p.PromptInstruction,
			TestCount:         p.TestCount,
			WinCount:          p.WinCount,
			WinRate:           p.WinRate,
			AvgLift:           p.AvgLift,
			Tier:              string(p.Tier),
			SourceExperiments: p.SourceExperiments,
			Active:            p.Active,
		})
	}
	writeJSON(w, http.StatusOK, response)
}
