package control

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailbatch/internal/batch"
	"github.com/foxzi/mailbatch/internal/history"
	"github.com/foxzi/mailbatch/internal/notify"
	"github.com/foxzi/mailbatch/internal/quota"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string      `json:"status"`
	Version string      `json:"version"`
	Uptime  string      `json:"uptime"`
	State   batch.State `json:"state"`
}

// StopResponse is the response for POST /api/v1/stop
type StopResponse struct {
	Stopping bool           `json:"stopping"`
	Progress batch.Progress `json:"progress"`
}

// NoticesResponse is the response for GET /api/v1/notices
type NoticesResponse struct {
	Current *notify.Notice  `json:"current,omitempty"`
	Recent  []notify.Notice `json:"recent"`
}

// HistoryResponse is the response for GET /api/v1/history
type HistoryResponse struct {
	Stats *history.Stats `json:"stats"`
	Runs  []*history.Run `json:"runs"`
}

// TemplateInfo describes one loaded template
type TemplateInfo struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Subject     string `json:"subject"`
	Attachments int    `json:"attachments"`
}

// QuotaResponse is the response for GET /api/v1/quota
type QuotaResponse struct {
	Global *quota.Stats `json:"global"`
	Domain *quota.Stats `json:"domain,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.opts.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		State:   s.opts.Batch.Status().State,
	})
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.opts.Batch.Status())
}

// handleStop handles POST /api/v1/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Batch.Stop() {
		s.sendError(w, http.StatusConflict, "no batch is sending")
		return
	}

	st := s.opts.Batch.Status()
	s.logger.Info("batch stop requested", "index", st.Progress.Index, "total", st.Progress.Total)
	s.sendJSON(w, http.StatusAccepted, StopResponse{Stopping: true, Progress: st.Progress})
}

// handleNotices handles GET /api/v1/notices
func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	resp := NoticesResponse{Recent: []notify.Notice{}}
	if s.opts.Notices != nil {
		if current, ok := s.opts.Notices.Current(); ok {
			resp.Current = &current
		}
		if recent := s.opts.Notices.Recent(); recent != nil {
			resp.Recent = recent
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleHistory handles GET /api/v1/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter := history.ListFilter{
		Template: r.URL.Query().Get("template"),
		Limit:    100,
	}

	if v := r.URL.Query().Get("mock"); v != "" {
		mock, err := strconv.ParseBool(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid mock parameter")
			return
		}
		filter.MockOnly = mock
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.sendError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "invalid offset parameter")
			return
		}
		filter.Offset = n
	}

	runs, err := s.opts.History.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	stats, err := s.opts.History.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get history stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to get history stats")
		return
	}

	if runs == nil {
		runs = []*history.Run{}
	}
	s.sendJSON(w, http.StatusOK, HistoryResponse{Stats: stats, Runs: runs})
}

// handleRun handles GET /api/v1/history/{id}
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.opts.History.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get run", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		s.sendError(w, http.StatusNotFound, "run not found")
		return
	}

	s.sendJSON(w, http.StatusOK, run)
}

// handleTemplates handles GET /api/v1/templates
func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	all := s.opts.Templates.All()
	infos := make([]TemplateInfo, 0, len(all))
	for _, t := range all {
		infos = append(infos, TemplateInfo{
			Name:        t.Name,
			Label:       t.DisplayName(),
			Subject:     t.Subject,
			Attachments: len(t.Attachments),
		})
	}
	s.sendJSON(w, http.StatusOK, infos)
}

// handleQuota handles GET /api/v1/quota
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	var resp QuotaResponse
	var err error

	resp.Global, err = s.opts.Quota.GetStats(r.Context(), quota.LevelGlobal, "global")
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to get quota stats")
		return
	}

	if domain := r.URL.Query().Get("domain"); domain != "" {
		resp.Domain, err = s.opts.Quota.GetStats(r.Context(), quota.LevelRecipientDomain, quota.RecipientDomain("x@"+domain))
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "failed to get quota stats")
			return
		}
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to encode response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
