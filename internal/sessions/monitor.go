// Package sessions contains the session-lifecycle sweeper: the background
// job (and on-demand helpers) that ends waiting sessions nobody claimed and
// active sessions both parties went silent on.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kindredhq/kindred/internal/observability"
	"github.com/kindredhq/kindred/internal/storage"
	"github.com/kindredhq/kindred/pkg/models"
)

// MonitorConfig holds the sweep thresholds.
type MonitorConfig struct {
	// StaleAfter is how long a waiting session may sit unclaimed before it
	// is auto-ended.
	StaleAfter time.Duration
	// InactiveAfter is how long an active session may go without activity
	// before it is ended for inactivity.
	InactiveAfter time.Duration
}

// DefaultMonitorConfig returns the baseline thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		StaleAfter:    10 * time.Minute,
		InactiveAfter: 5 * time.Minute,
	}
}

// Monitor sweeps stale and inactive sessions. Sweeps are guarded by a
// re-entrancy flag so a manual sweep racing the periodic timer does not
// double-process rows; the store's status-guarded End handles the rest.
type Monitor struct {
	store   storage.SessionStore
	config  MonitorConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	nowFunc func() time.Time

	sweeping atomic.Bool
	cron     *cron.Cron
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMonitorMetrics records sweep outcomes.
func WithMonitorMetrics(metrics *observability.Metrics) MonitorOption {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithMonitorNow overrides the clock for tests.
func WithMonitorNow(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.nowFunc = now
		}
	}
}

// NewMonitor creates a session lifecycle monitor.
func NewMonitor(store storage.SessionStore, config MonitorConfig, opts ...MonitorOption) *Monitor {
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultMonitorConfig().StaleAfter
	}
	if config.InactiveAfter <= 0 {
		config.InactiveAfter = DefaultMonitorConfig().InactiveAfter
	}
	m := &Monitor{
		store:   store,
		config:  config,
		logger:  slog.Default().With("component", "sessions.monitor"),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsStale reports whether a waiting session has sat unclaimed past the
// stale threshold. Always false for active and ended sessions.
func (m *Monitor) IsStale(session *models.Session) bool {
	if session == nil || session.Status != models.SessionWaiting {
		return false
	}
	return m.nowFunc().Sub(session.StartedAt) > m.config.StaleAfter
}

// IsInactive reports whether an active session has gone silent past the
// inactivity threshold. Always false for waiting and ended sessions.
func (m *Monitor) IsInactive(session *models.Session) bool {
	if session == nil || session.Status != models.SessionActive {
		return false
	}
	last := session.LastActivityAt
	if last.IsZero() {
		last = session.StartedAt
	}
	return m.nowFunc().Sub(last) > m.config.InactiveAfter
}

// TimeUntilInactive returns how long until an active session crosses the
// inactivity threshold. Zero when already inactive or not active.
func (m *Monitor) TimeUntilInactive(session *models.Session) time.Duration {
	if session == nil || session.Status != models.SessionActive {
		return 0
	}
	last := session.LastActivityAt
	if last.IsZero() {
		last = session.StartedAt
	}
	remaining := m.config.InactiveAfter - m.nowFunc().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SweepStale ends waiting sessions older than the stale threshold with
// end reason auto_timeout. Returns the number of sessions transitioned.
func (m *Monitor) SweepStale(ctx context.Context) (int, error) {
	return m.sweep(ctx, models.SessionWaiting, models.EndReasonAutoTimeout, m.config.StaleAfter, m.store.ListStale)
}

// SweepInactive ends active sessions idle past the inactivity threshold
// with end reason inactivity_timeout. Returns the number transitioned.
func (m *Monitor) SweepInactive(ctx context.Context) (int, error) {
	return m.sweep(ctx, models.SessionActive, models.EndReasonInactivityTimeout, m.config.InactiveAfter, m.store.ListInactive)
}

type listFunc func(ctx context.Context, threshold time.Duration, now time.Time) ([]*models.Session, error)

func (m *Monitor) sweep(ctx context.Context, expected models.SessionStatus, reason models.EndReason, threshold time.Duration, list listFunc) (int, error) {
	if !m.sweeping.CompareAndSwap(false, true) {
		// Another sweep is in flight; its status guards cover these rows.
		return 0, nil
	}
	defer m.sweeping.Store(false)

	now := m.nowFunc()
	candidates, err := list(ctx, threshold, now)
	if err != nil {
		return 0, fmt.Errorf("sweep query: %w", err)
	}

	ended := 0
	for _, session := range candidates {
		applied, err := m.store.End(ctx, session.ID, reason, expected, now)
		if err != nil {
			m.logger.Warn("sweep update failed",
				"session_id", session.ID, "reason", reason, "error", err)
			continue
		}
		if !applied {
			// A concurrent writer already resolved the session.
			continue
		}
		ended++
		if m.metrics != nil {
			m.metrics.SessionsSwept.WithLabelValues(string(reason)).Inc()
		}
		m.logger.Info("session auto-ended",
			"session_id", session.ID, "reason", reason)
	}
	return ended, nil
}

// SweepAll runs both sweeps and returns (stale, inactive) counts. The first
// error encountered is returned after both sweeps ran.
func (m *Monitor) SweepAll(ctx context.Context) (int, int, error) {
	stale, staleErr := m.SweepStale(ctx)
	inactive, inactiveErr := m.SweepInactive(ctx)
	if staleErr != nil {
		return stale, inactive, staleErr
	}
	return stale, inactive, inactiveErr
}

// SchedulePeriodicSweep starts a cron schedule running both sweeps. The
// spec uses standard cron syntax (e.g. "@every 1m"). Store failures skip
// the run and are logged; they never stop the schedule.
func (m *Monitor) SchedulePeriodicSweep(spec string) error {
	if m.cron != nil {
		return fmt.Errorf("periodic sweep already scheduled")
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		stale, inactive, err := m.SweepAll(ctx)
		if err != nil {
			m.logger.Warn("periodic sweep failed", "error", err)
			return
		}
		if stale > 0 || inactive > 0 {
			m.logger.Info("periodic sweep complete", "stale", stale, "inactive", inactive)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	m.cron = c
	c.Start()
	return nil
}

// StopScheduler stops the periodic sweep and waits for an in-flight run.
func (m *Monitor) StopScheduler() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}
