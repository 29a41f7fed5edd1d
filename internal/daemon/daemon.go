package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tally-network/tallyd/internal/api"
	"github.com/tally-network/tallyd/internal/app/admin"
	"github.com/tally-network/tallyd/internal/app/identity"
	"github.com/tally-network/tallyd/internal/app/ledger"
	"github.com/tally-network/tallyd/internal/app/session"
	"github.com/tally-network/tallyd/internal/app/usage"
	"github.com/tally-network/tallyd/internal/domain"
	"github.com/tally-network/tallyd/internal/infra/metrics"
	"github.com/tally-network/tallyd/internal/infra/sqlite"
)

// Daemon is the core tallyd runtime. It wires together all services.
type Daemon struct {
	Config Config
	DB     *sqlite.DB
	Server *api.Server
	cancel context.CancelFunc

	Identity *identity.Service
	Ledger   *ledger.Service
	Sessions *session.Manager
	Usage    *usage.Service
	Admin    *admin.Service
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	db, err := sqlite.Open(tallydHome())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return newWithDB(cfg, db)
}

// NewWithDB creates a Daemon over an already-open database. Used by tests
// and by CLI commands that point at a non-default data directory.
func NewWithDB(cfg Config, db *sqlite.DB) (*Daemon, error) {
	return newWithDB(cfg, db)
}

func newWithDB(cfg Config, db *sqlite.DB) (*Daemon, error) {
	pricing := domain.TablePricing(cfg.Pricing.Models, cfg.Pricing.DefaultRatePer1K)

	ids := identity.NewService(db)
	led := ledger.NewService(db, cfg.Ledger.DefaultExpiryDays)
	rec := usage.NewService(db)
	sess := session.NewManager(db, led, rec, pricing)
	adm := admin.NewService(ids, led)

	srv := api.NewServer(ids, led, sess, rec, adm)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}

	// Seed the active-sessions gauge from persisted state so restarts do
	// not zero it while holds are still open.
	if active, err := sess.AllActiveSessions(); err == nil {
		metrics.SessionsActive.Set(float64(len(active)))
	}

	return &Daemon{
		Config:   cfg,
		DB:       db,
		Server:   srv,
		Identity: ids,
		Ledger:   led,
		Sessions: sess,
		Usage:    rec,
		Admin:    adm,
	}, nil
}

// Serve starts the HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	// Housekeeping: abort sessions stuck in active beyond the staleness
	// window, refunding the full hold.
	go d.runStaleSweep(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		_ = httpServer.Shutdown(shutdownCtx)
		_ = d.DB.Close()
	}()

	fmt.Printf("tallyd serving on http://%s\n", addr)
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// runStaleSweep periodically aborts abandoned sessions.
func (d *Daemon) runStaleSweep(ctx context.Context) {
	interval := time.Duration(d.Config.Sessions.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		return
	}
	staleAfter := time.Duration(d.Config.Sessions.StaleAfterMinutes) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := d.Sessions.SweepStale(staleAfter)
			if err != nil {
				log.Printf("[daemon] stale session sweep: %v", err)
				continue
			}
			if swept > 0 {
				log.Printf("[daemon] swept %d stale sessions", swept)
			}
		}
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
