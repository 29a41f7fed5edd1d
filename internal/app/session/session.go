// Package session implements the reserve-then-settle state machine for
// long-running streaming operations whose final cost is unknown at start.
//
// A session reserves f(model, estimatedTokens) credits up front by deducting
// them from the ledger. Settlement (finalize or abort) reprices with the
// actual token count, refunds the unused part of the hold, and writes one
// usage record. Sessions are terminal after exactly one settlement.
//
// Overrun policy: when actual cost exceeds the reservation, the shortfall is
// deducted as a second charge; if the user cannot cover it, the charge is
// capped at the reservation and the session is flagged for reconciliation.
package session

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/tally-network/tallyd/internal/app/ledger"
	"github.com/tally-network/tallyd/internal/app/usage"
	"github.com/tally-network/tallyd/internal/domain"
	"github.com/tally-network/tallyd/internal/infra/metrics"
	"github.com/tally-network/tallyd/internal/infra/sqlite"
)

// UsageService is the service name settlements record under.
const UsageService = "inference"

// RefundActor marks allocations created by settlement refunds.
const RefundActor = "session-refund"

// Manager is the streaming session manager.
type Manager struct {
	db      *sqlite.DB
	ledger  *ledger.Service
	usage   *usage.Service
	pricing domain.PricingFunc

	mu       sync.Mutex
	sessions map[string]*sync.Mutex // per-session settlement locks
}

// NewManager creates a session manager. pricing must be the same pure
// function at reserve and settle time for the reconciliation math to hold.
func NewManager(db *sqlite.DB, led *ledger.Service, rec *usage.Service, pricing domain.PricingFunc) *Manager {
	return &Manager{
		db:       db,
		ledger:   led,
		usage:    rec,
		pricing:  pricing,
		sessions: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.sessions[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.sessions[sessionID] = l
	}
	return l
}

// Initialize opens a session: computes the reservation from the estimate,
// deducts it from the ledger, and persists the session row. The session id
// is caller-supplied and must be globally fresh — re-initializing any known
// id, active or settled, is rejected as a replay.
func (m *Manager) Initialize(sessionID, userID, modelID string, estimatedTokens int64) (*domain.StreamingSession, error) {
	if sessionID == "" || userID == "" || modelID == "" {
		return nil, fmt.Errorf("session requires id, user, and model")
	}
	if estimatedTokens <= 0 {
		return nil, fmt.Errorf("%w: estimated tokens %d", domain.ErrInvalidAmount, estimatedTokens)
	}

	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := m.db.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionExists, sessionID)
	}

	reserve := m.pricing(modelID, estimatedTokens)
	if reserve <= 0 {
		return nil, fmt.Errorf("%w: reservation priced at %d credits", domain.ErrInvalidAmount, reserve)
	}

	if err := m.ledger.Deduct(userID, reserve); err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			return nil, fmt.Errorf("%w: need %d credits for %s", domain.ErrInsufficientCreditsForSession, reserve, modelID)
		}
		return nil, err
	}

	sess := domain.StreamingSession{
		SessionID:        sessionID,
		UserID:           userID,
		ModelID:          modelID,
		EstimatedTokens:  estimatedTokens,
		AllocatedCredits: reserve,
		Status:           domain.SessionActive,
		CreatedAt:        time.Now(),
	}
	if err := m.db.InsertSession(sess); err != nil {
		// Return the hold so the failed open does not leak credits.
		if _, rbErr := m.ledger.Allocate(userID, reserve, RefundActor, 0, "rollback of failed session open "+sessionID); rbErr != nil {
			log.Printf("[session] rollback of %d credits for %s failed: %v", reserve, sessionID, rbErr)
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}

	metrics.SessionsActive.Inc()
	return &sess, nil
}

// Finalize settles a successfully completed session against the actual
// token count.
func (m *Manager) Finalize(sessionID, userID string, actualTokens int64) (*domain.Settlement, error) {
	return m.settle(sessionID, userID, actualTokens, domain.SessionFinalized)
}

// Abort settles a non-successful termination (caller cancelled, upstream
// error after partial output). Charges only for the tokens actually
// generated and refunds the rest of the hold.
func (m *Manager) Abort(sessionID, userID string, tokensGenerated int64) (*domain.Settlement, error) {
	return m.settle(sessionID, userID, tokensGenerated, domain.SessionAborted)
}

func (m *Manager) settle(sessionID, userID string, tokens int64, status domain.SessionStatus) (*domain.Settlement, error) {
	if tokens < 0 {
		return nil, fmt.Errorf("%w: token count %d", domain.ErrInvalidAmount, tokens)
	}

	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.db.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil || sess.UserID != userID {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrSessionAlreadySettled, sessionID, sess.Status)
	}

	actual := m.pricing(sess.ModelID, tokens)
	charged := actual
	refund := sess.AllocatedCredits - actual
	flagged := false

	// Claim the settlement before moving money. The status guard in the
	// store makes this single-shot, so a racing finalize/abort pair
	// produces exactly one terminal outcome and can never double-refund.
	if err := m.db.SettleSession(sessionID, status, time.Now(), false); err != nil {
		return nil, err
	}

	if refund < 0 {
		// Underestimated: charge the shortfall separately. If the user
		// cannot cover it, cap at the reservation and flag the session.
		shortfall := -refund
		refund = 0
		if err := m.ledger.Deduct(userID, shortfall); err != nil {
			if !errors.Is(err, domain.ErrInsufficientCredits) {
				return nil, err
			}
			charged = sess.AllocatedCredits
			flagged = true
			if err := m.db.MarkSessionReconciliation(sessionID); err != nil {
				log.Printf("[session] flag %s for reconciliation: %v", sessionID, err)
			}
			metrics.SessionsFlagged.Inc()
		}
	} else if refund > 0 {
		if _, err := m.ledger.Allocate(userID, refund, RefundActor, 0, "refund for session "+sessionID); err != nil {
			return nil, fmt.Errorf("refund session %s: %w", sessionID, err)
		}
		metrics.CreditsRefunded.Add(float64(refund))
	}

	meta := map[string]string{
		"session_id":       sessionID,
		"estimated_tokens": strconv.FormatInt(sess.EstimatedTokens, 10),
		"actual_tokens":    strconv.FormatInt(tokens, 10),
		"outcome":          string(status),
	}
	if flagged {
		meta["reconciliation"] = "capped"
	}
	if _, err := m.usage.Record(userID, UsageService, sess.ModelID, charged, meta); err != nil {
		return nil, fmt.Errorf("record settlement usage: %w", err)
	}

	metrics.SessionsActive.Dec()
	metrics.SessionsSettled.WithLabelValues(string(status)).Inc()

	return &domain.Settlement{SessionID: sessionID, ActualCredits: charged, Refund: refund}, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// ActiveSessions returns the user's open sessions.
func (m *Manager) ActiveSessions(userID string) ([]domain.StreamingSession, error) {
	return m.db.ActiveSessionsByUser(userID)
}

// AllActiveSessions returns every open session. Admin-only; the caller
// enforces the role gate.
func (m *Manager) AllActiveSessions() ([]domain.StreamingSession, error) {
	return m.db.AllActiveSessions()
}

// RecentSessions returns sessions created within the window, any status.
func (m *Manager) RecentSessions(window time.Duration) ([]domain.StreamingSession, error) {
	return m.db.SessionsSince(time.Now().Add(-window))
}

// ─── Housekeeping ───────────────────────────────────────────────────────────

// SweepStale aborts active sessions older than the staleness window with a
// full refund (zero tokens generated). Returns the number of sessions swept.
// Individual failures are logged and skipped so one stuck row cannot wedge
// the sweep.
func (m *Manager) SweepStale(olderThan time.Duration) (int, error) {
	stale, err := m.db.StaleActiveSessions(time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	swept := 0
	for _, sess := range stale {
		if _, err := m.Abort(sess.SessionID, sess.UserID, 0); err != nil {
			log.Printf("[session] sweep abort %s: %v", sess.SessionID, err)
			continue
		}
		swept++
	}
	return swept, nil
}
