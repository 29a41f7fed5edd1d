package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tally-network/tallyd/internal/app/usage"
)

// ─── Credits ────────────────────────────────────────────────────────────────

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	bal, err := s.ledger.Balance(caller.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	allocs, err := s.ledger.History(caller.UserID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"allocations": allocs})
}

type checkRequest struct {
	Required int64 `json:"required"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caller := callerFrom(r)
	ok, err := s.ledger.HasSufficient(caller.UserID, req.Required)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	bal, err := s.ledger.Balance(caller.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sufficient": ok,
		"balance":    bal.TotalCredits,
		"required":   req.Required,
	})
}

type deductRequest struct {
	Credits   int64             `json:"credits"`
	Service   string            `json:"service,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// handleDeduct is the synchronous check-and-deduct path for operations whose
// cost is known up front. One usage record is written per successful deduct.
func (s *Server) handleDeduct(w http.ResponseWriter, r *http.Request) {
	var req deductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caller := callerFrom(r)
	if err := s.ledger.Deduct(caller.UserID, req.Credits); err != nil {
		writeDomainError(w, err)
		return
	}

	service := req.Service
	if service == "" {
		service = "inference"
	}
	if _, err := s.usage.Record(caller.UserID, service, req.Operation, req.Credits, req.Metadata); err != nil {
		writeDomainError(w, err)
		return
	}

	bal, err := s.ledger.Balance(caller.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deducted": req.Credits,
		"balance":  bal.TotalCredits,
	})
}

// ─── Streaming sessions ─────────────────────────────────────────────────────

type initializeSessionRequest struct {
	SessionID       string `json:"session_id"`
	ModelID         string `json:"model_id"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}

func (s *Server) handleInitializeSession(w http.ResponseWriter, r *http.Request) {
	var req initializeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caller := callerFrom(r)
	sess, err := s.sessions.Initialize(req.SessionID, caller.UserID, req.ModelID, req.EstimatedTokens)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type finalizeSessionRequest struct {
	ActualTokens int64 `json:"actual_tokens"`
}

func (s *Server) handleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	var req finalizeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caller := callerFrom(r)
	settlement, err := s.sessions.Finalize(chi.URLParam(r, "sessionID"), caller.UserID, req.ActualTokens)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

type abortSessionRequest struct {
	TokensGenerated int64 `json:"tokens_generated"`
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	var req abortSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caller := callerFrom(r)
	settlement, err := s.sessions.Abort(chi.URLParam(r, "sessionID"), caller.UserID, req.TokensGenerated)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	sessions, err := s.sessions.ActiveSessions(caller.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// ─── Usage ──────────────────────────────────────────────────────────────────

func (s *Server) handleRecentUsage(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.usage.Recent(caller.UserID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	from, to, ok := parseTimeRange(w, r)
	if !ok {
		return
	}
	stats, err := s.usage.Stats(usage.StatsQuery{UserID: caller.UserID, From: from, To: to})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseTimeRange reads optional RFC3339 from/to query parameters. Writes a
// 400 and returns ok=false on a malformed value.
func parseTimeRange(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' timestamp, want RFC3339")
			return time.Time{}, time.Time{}, false
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' timestamp, want RFC3339")
			return time.Time{}, time.Time{}, false
		}
		to = t
	}
	return from, to, true
}
