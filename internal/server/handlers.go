package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/snuconnectome/viberank-connectomelab/pkg/reconcile"
	"github.com/snuconnectome/viberank-connectomelab/pkg/storage"
	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

type submitRequest struct {
	usage.IdentityKey
	Report      usage.Report `json:"report"`
	MergePolicy string       `json:"merge_policy,omitempty"`
}

type reviewRequest struct {
	Flagged bool   `json:"flagged"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.allow(r) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := s.engine.Submit(r.Context(), req.IdentityKey, &req.Report, usage.MergePolicy(req.MergePolicy))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleCanonical(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sub, err := s.engine.GetCanonical(r.Context(), q.Get("username"), q.Get("machine_id"), usage.Source(q.Get("source")))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.engine.Leaderboard(r.Context(), reconcile.LeaderboardQuery{
		Metric:         storage.SortMetric(q.Get("metric")),
		Page:           intParam(q.Get("page")),
		PageSize:       intParam(q.Get("page_size")),
		IncludeFlagged: q.Get("include_flagged") == "true",
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleLeaderboardRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.engine.LeaderboardByDateRange(r.Context(),
		q.Get("from"), q.Get("to"), storage.SortMetric(q.Get("metric")), intParam(q.Get("limit")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	recent, err := s.engine.ActivityTimeline(r.Context(), intParam(r.URL.Query().Get("limit")))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": recent})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.engine.GetProfile(r.Context(), r.PathValue("username"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleDepartmentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.DepartmentStats(r.Context(), r.PathValue("department"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLabStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.LabStats(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFlaggedQueue(w http.ResponseWriter, r *http.Request) {
	flagged, err := s.engine.FlaggedQueue(r.Context(), intParam(r.URL.Query().Get("limit")))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": flagged})
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.engine.UpdateFlagStatus(r.Context(), r.PathValue("id"), req.Flagged, req.Reason); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleMergeIdentity(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.MergeIdentityRecords(r.Context(), r.PathValue("username"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var vErr *usage.ValidationError
	switch {
	case errors.As(err, &vErr), errors.Is(err, reconcile.ErrInvalidIdentity):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case storage.IsConflict(err):
		writeError(w, http.StatusServiceUnavailable, "store busy, retry later")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func intParam(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
