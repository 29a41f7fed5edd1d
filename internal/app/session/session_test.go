package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tally-network/tallyd/internal/app/ledger"
	"github.com/tally-network/tallyd/internal/app/usage"
	"github.com/tally-network/tallyd/internal/domain"
	"github.com/tally-network/tallyd/internal/infra/sqlite"
)

// testPricing charges 1 credit per token, matching the spec scenarios where
// token counts map straight to credits.
func testPricing(modelID string, tokens int64) int64 {
	return tokens
}

func newTestManager(t *testing.T) (*Manager, *ledger.Service, *usage.Service, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	led := ledger.NewService(db, 30)
	rec := usage.NewService(db)
	mgr := NewManager(db, led, rec, domain.PricingFunc(testPricing))
	return mgr, led, rec, db
}

func fund(t *testing.T, led *ledger.Service, userID string, credits int64) {
	t.Helper()
	if _, err := led.Allocate(userID, credits, "test", 0, ""); err != nil {
		t.Fatalf("Allocate(%s, %d): %v", userID, credits, err)
	}
}

func balanceOf(t *testing.T, led *ledger.Service, userID string) int64 {
	t.Helper()
	bal, err := led.Balance(userID)
	if err != nil {
		t.Fatalf("Balance(%s): %v", userID, err)
	}
	return bal.TotalCredits
}

// ─── Initialize ─────────────────────────────────────────────────────────────

func TestInitialize_ReservesHold(t *testing.T) {
	mgr, led, _, _ := newTestManager(t)
	fund(t, led, "u1", 1000)

	sess, err := mgr.Initialize("s1", "u1", "llama3", 200)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if sess.AllocatedCredits != 200 || sess.Status != domain.SessionActive {
		t.Errorf("session = %+v, want 200-credit active hold", sess)
	}
	if got := balanceOf(t, led, "u1"); got != 800 {
		t.Errorf("balance after reserve = %d, want 800", got)
	}
}

func TestInitialize_InsufficientCredits(t *testing.T) {
	mgr, led, _, db := newTestManager(t)
	fund(t, led, "u1", 50)

	_, err := mgr.Initialize("s3", "u1", "llama3", 200)
	if !errors.Is(err, domain.ErrInsufficientCreditsForSession) {
		t.Fatalf("Initialize = %v, want ErrInsufficientCreditsForSession", err)
	}
	if got := balanceOf(t, led, "u1"); got != 50 {
		t.Errorf("balance = %d, want 50 untouched", got)
	}
	// No session row may exist.
	if sess, _ := db.GetSession("s3"); sess != nil {
		t.Errorf("session created despite failed reservation: %+v", sess)
	}
}

func TestInitialize_ReplayRejected(t *testing.T) {
	mgr, led, _, _ := newTestManager(t)
	fund(t, led, "u1", 1000)

	if _, err := mgr.Initialize("s1", "u1", "llama3", 100); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, err := mgr.Initialize("s1", "u1", "llama3", 100)
	if !errors.Is(err, domain.ErrSessionExists) {
		t.Errorf("re-initialize = %v, want ErrSessionExists", err)
	}

	// Settled ids are also burned: replay protection outlives the session.
	if _, err := mgr.Finalize("s1", "u1", 50); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	_, err = mgr.Initialize("s1", "u1", "llama3", 100)
	if !errors.Is(err, domain.ErrSessionExists) {
		t.Errorf("re-initialize after settle = %v, want ErrSessionExists", err)
	}
}

func TestInitialize_InvalidTokens(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	for _, tokens := range []int64{0, -10} {
		_, err := mgr.Initialize("s1", "u1", "llama3", tokens)
		if !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("Initialize(tokens=%d) = %v, want ErrInvalidAmount", tokens, err)
		}
	}
}

// ─── Finalize ───────────────────────────────────────────────────────────────

func TestFinalize_RefundsUnusedHold(t *testing.T) {
	mgr, led, _, db := newTestManager(t)
	fund(t, led, "u1", 1000)

	mgr.Initialize("s1", "u1", "llama3", 200)
	settlement, err := mgr.Finalize("s1", "u1", 150)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if settlement.ActualCredits != 150 || settlement.Refund != 50 {
		t.Errorf("settlement = %+v, want actual 150 refund 50", settlement)
	}
	if got := balanceOf(t, led, "u1"); got != 850 {
		t.Errorf("balance = %d, want 850", got)
	}

	sess, _ := db.GetSession("s1")
	if sess.Status != domain.SessionFinalized || sess.SettledAt.IsZero() {
		t.Errorf("session = %+v, want finalized with settled timestamp", sess)
	}
}

func TestFinalize_WritesUsageRecord(t *testing.T) {
	mgr, led, rec, _ := newTestManager(t)
	fund(t, led, "u1", 1000)

	mgr.Initialize("s1", "u1", "llama3", 200)
	mgr.Finalize("s1", "u1", 150)

	records, err := rec.Recent("u1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d usage records, want exactly 1 per settlement", len(records))
	}
	r := records[0]
	if r.Service != UsageService || r.Operation != "llama3" || r.Credits != 150 {
		t.Errorf("usage record = %+v, want inference/llama3/150", r)
	}
	if r.Metadata["session_id"] != "s1" || r.Metadata["outcome"] != "finalized" {
		t.Errorf("metadata = %+v", r.Metadata)
	}
}

func TestFinalize_Conservation(t *testing.T) {
	mgr, led, _, _ := newTestManager(t)
	fund(t, led, "u1", 1000)

	sess, _ := mgr.Initialize("s1", "u1", "llama3", 200)
	settlement, err := mgr.Finalize("s1", "u1", 120)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if settlement.ActualCredits+settlement.Refund != sess.AllocatedCredits {
		t.Errorf("conservation violated: actual %d + refund %d != allocated %d",
			settlement.ActualCredits, settlement.Refund, sess.AllocatedCredits)
	}
}

func TestFinalize_OverrunDeductsShortfall(t *testing.T) {
	mgr, led, _, db := newTestManager(t)
	fund(t, led, "u1", 1000)

	mgr.Initialize("s1", "u1", "llama3", 200)
	settlement, err := mgr.Finalize("s1", "u1", 300) // 100 over the hold
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if settlement.ActualCredits != 300 || settlement.Refund != 0 {
		t.Errorf("settlement = %+v, want actual 300 refund 0", settlement)
	}
	if got := balanceOf(t, led, "u1"); got != 700 {
		t.Errorf("balance = %d, want 700 (1000 - 200 hold - 100 shortfall)", got)
	}
	sess, _ := db.GetSession("s1")
	if sess.NeedsReconciliation {
		t.Error("covered shortfall must not flag the session")
	}
}

func TestFinalize_OverrunCappedWhenBroke(t *testing.T) {
	mgr, led, _, db := newTestManager(t)
	fund(t, led, "u1", 200)

	mgr.Initialize("s1", "u1", "llama3", 200) // drains the full balance
	settlement, err := mgr.Finalize("s1", "u1", 500)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// Charge capped at the hold, session flagged for reconciliation.
	if settlement.ActualCredits != 200 || settlement.Refund != 0 {
		t.Errorf("settlement = %+v, want capped at 200", settlement)
	}
	if got := balanceOf(t, led, "u1"); got != 0 {
		t.Errorf("balance = %d, want 0 (never negative)", got)
	}
	sess, _ := db.GetSession("s1")
	if !sess.NeedsReconciliation {
		t.Error("capped overrun must flag the session for reconciliation")
	}
}

func TestFinalize_Twice(t *testing.T) {
	mgr, led, _, _ := newTestManager(t)
	fund(t, led, "u1", 1000)

	mgr.Initialize("s1", "u1", "llama3", 200)
	if _, err := mgr.Finalize("s1", "u1", 150); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	before := balanceOf(t, led, "u1")

	_, err := mgr.Finalize("s1", "u1", 150)
	if !errors.Is(err, domain.ErrSessionAlreadySettled) {
		t.Fatalf("second Finalize = %v, want ErrSessionAlreadySettled", err)
	}
	if got := balanceOf(t, led, "u1"); got != before {
		t.Errorf("balance changed across rejected settle: %d -> %d", before, got)
	}
}

func TestFinalize_WrongUser(t *testing.T) {
	mgr, led, _, _ := newTestManager(t)
	fund(t, led, "u1", 1000)

	mgr.Initialize("s1", "u1", "llama3", 200)
	_, err := mgr.Finalize("s1", "u2", 150)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Finalize as wrong user = %v, want ErrSessionNotFound", err)
	}
}

func TestFinalize_Missing(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	_, err := mgr.Finalize("ghost", "u1", 100)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Finalize(ghost) = %v, want ErrSessionNotFound", err)
	}
}

// ─── Abort ──────────────────────────────────────────────────────────────────

func TestAbort_ChargesPartialOutput(t *testing.T) {
	mgr, led, _, db := newTestManager(t)
	fund(t, led, "u1", 1000)

	mgr.Initialize("s2", "u1", "llama3", 200)
	settlement, err := mgr.Abort("s2", "u1", 50)
	if err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if settlement.ActualCredits != 50 || settlement.Refund != 150 {
		t.Errorf("settlement = %+v, want partial 50 refund 150", settlement)
	}
	if got := balanceOf(t, led, "u1"); got != 950 {
		t.Errorf("balance = %d, want 950", got)
	}
	sess, _ := db.GetSession("s2")
	if sess.Status != domain.SessionAborted {
		t.Errorf("status = %s, want aborted", sess.Status)
	}
}

func TestAbort_ZeroTokensFullRefund(t *testing.T) {
	mgr, led, rec, _ := newTestManager(t)
	fund(t, led, "u1", 1000)

	mgr.Initialize("s2", "u1", "llama3", 200)
	settlement, err := mgr.Abort("s2", "u1", 0)
	if err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if settlement.ActualCredits != 0 || settlement.Refund != 200 {
		t.Errorf("settlement = %+v, want 0 charged, 200 refunded", settlement)
	}
	if got := balanceOf(t, led, "u1"); got != 1000 {
		t.Errorf("balance = %d, want full 1000 restored", got)
	}

	// A zero-credit record is still written: settlement always leaves a fact.
	records, _ := rec.Recent("u1", 10)
	if len(records) != 1 || records[0].Credits != 0 {
		t.Errorf("records = %+v, want one zero-credit record", records)
	}
}

func TestFinalizeAbortRace_OneTerminalOutcome(t *testing.T) {
	mgr, led, rec, _ := newTestManager(t)
	fund(t, led, "u1", 1000)

	mgr.Initialize("s1", "u1", "llama3", 200)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := mgr.Finalize("s1", "u1", 150)
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := mgr.Abort("s1", "u1", 50)
		results <- err
	}()
	wg.Wait()
	close(results)

	var ok, settled int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrSessionAlreadySettled):
			settled++
		default:
			t.Fatalf("unexpected settle error: %v", err)
		}
	}
	if ok != 1 || settled != 1 {
		t.Errorf("outcomes = %d success / %d already-settled, want 1 / 1", ok, settled)
	}

	// Exactly one settlement, one usage record.
	records, _ := rec.Recent("u1", 10)
	if len(records) != 1 {
		t.Errorf("usage records = %d, want exactly 1", len(records))
	}

	// Whatever settled, conservation holds against the 200 hold.
	bal := balanceOf(t, led, "u1")
	if bal != 850 && bal != 950 {
		t.Errorf("balance = %d, want 850 (finalized) or 950 (aborted)", bal)
	}
}

// ─── Queries & housekeeping ─────────────────────────────────────────────────

func TestActiveSessionQueries(t *testing.T) {
	mgr, led, _, _ := newTestManager(t)
	fund(t, led, "u1", 1000)
	fund(t, led, "u2", 1000)

	mgr.Initialize("s1", "u1", "llama3", 100)
	mgr.Initialize("s2", "u2", "llama3", 100)
	mgr.Initialize("s3", "u1", "llama3", 100)
	mgr.Finalize("s3", "u1", 100)

	mine, err := mgr.ActiveSessions("u1")
	if err != nil {
		t.Fatalf("ActiveSessions: %v", err)
	}
	if len(mine) != 1 || mine[0].SessionID != "s1" {
		t.Errorf("u1 active = %+v, want just s1", mine)
	}

	all, err := mgr.AllActiveSessions()
	if err != nil {
		t.Fatalf("AllActiveSessions: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all active = %d, want 2", len(all))
	}

	recent, err := mgr.RecentSessions(time.Hour)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("recent = %d sessions, want 3 (settled included)", len(recent))
	}
}

func TestSweepStale_AbortsAndRefunds(t *testing.T) {
	mgr, led, _, db := newTestManager(t)
	fund(t, led, "u1", 1000)

	mgr.Initialize("fresh", "u1", "llama3", 100)

	// Simulate an abandoned hold by backdating a session row directly.
	if err := led.Deduct("u1", 100); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	err := db.InsertSession(domain.StreamingSession{
		SessionID: "stuck", UserID: "u1", ModelID: "llama3",
		EstimatedTokens: 100, AllocatedCredits: 100,
		Status: domain.SessionActive, CreatedAt: time.Now().Add(-3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	swept, err := mgr.SweepStale(time.Hour)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	stuck, _ := db.GetSession("stuck")
	if stuck.Status != domain.SessionAborted {
		t.Errorf("stuck session status = %s, want aborted", stuck.Status)
	}
	fresh, _ := db.GetSession("fresh")
	if fresh.Status != domain.SessionActive {
		t.Errorf("fresh session status = %s, want still active", fresh.Status)
	}
	// Stuck hold refunded in full: 1000 - 100 (fresh hold) back to 900.
	if got := balanceOf(t, led, "u1"); got != 900 {
		t.Errorf("balance = %d, want 900", got)
	}
}
