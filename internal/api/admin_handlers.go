package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tally-network/tallyd/internal/app/usage"
	"github.com/tally-network/tallyd/internal/domain"
)

// Admin handlers. Role checks live in the admin service; handlers only
// decode, delegate, and encode.

type adminCreditRequest struct {
	User       string `json:"user"` // id, email, or username
	Credits    int64  `json:"credits"`
	Delta      int64  `json:"delta"`
	ExpiryDays int    `json:"expiry_days,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func decodeAdminCredit(w http.ResponseWriter, r *http.Request) (adminCreditRequest, bool) {
	var req adminCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

func (s *Server) handleAdminAllocate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminCredit(w, r)
	if !ok {
		return
	}
	alloc, err := s.admin.Allocate(callerFrom(r), req.User, req.Credits, req.ExpiryDays, req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alloc)
}

func (s *Server) handleAdminSet(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminCredit(w, r)
	if !ok {
		return
	}
	change, err := s.admin.SetBalance(callerFrom(r), req.User, req.Credits, req.ExpiryDays, req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleAdminAdjust(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminCredit(w, r)
	if !ok {
		return
	}
	change, err := s.admin.Adjust(callerFrom(r), req.User, req.Delta, req.ExpiryDays, req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleAdminRemove(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminCredit(w, r)
	if !ok {
		return
	}
	change, err := s.admin.Remove(callerFrom(r), req.User, req.Credits)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleAdminResolve(w http.ResponseWriter, r *http.Request) {
	target, err := s.admin.Resolve(callerFrom(r), chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleAdminActiveSessions(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r).Role.CanAdminister() {
		writeDomainError(w, domain.ErrPermissionDenied)
		return
	}
	sessions, err := s.sessions.AllActiveSessions()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleAdminRecentSessions(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r).Role.CanAdminister() {
		writeDomainError(w, domain.ErrPermissionDenied)
		return
	}
	minutes, _ := strconv.Atoi(r.URL.Query().Get("minutes"))
	if minutes <= 0 {
		minutes = 60
	}
	sessions, err := s.sessions.RecentSessions(time.Duration(minutes) * time.Minute)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleAdminUsageStats(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	if !caller.Role.CanAdminister() {
		writeDomainError(w, domain.ErrPermissionDenied)
		return
	}

	from, to, ok := parseTimeRange(w, r)
	if !ok {
		return
	}

	q := usage.StatsQuery{From: from, To: to}
	if ref := r.URL.Query().Get("user"); ref != "" {
		target, err := s.admin.Resolve(caller, ref)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		q.UserID = target.UserID
	}

	stats, err := s.usage.Stats(q)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
