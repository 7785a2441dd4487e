// Package retention periodically ages out conversation and audit data.
//
// Two sweeps run on every cycle, each disabled by a zero window:
//   - idle sessions: sessions not updated within SessionIdle are deleted
//     together with their turns
//   - PII originals: detections older than PIIOriginals lose their
//     unredacted span; the redacted value and the audit row stay
//
// Originals are archived before they are cleared. Archive failures are
// fail-safe: nothing is cleared if archiving fails.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/adjudicator/pkg/models"
)

// DefaultBatchSize is the max records handled per sweep and cycle.
const DefaultBatchSize = 500

// SessionSweeper lists and deletes idle sessions.
type SessionSweeper interface {
	ListIdleSessions(ctx context.Context, before time.Time, limit int) ([]string, error)
	DeleteSession(ctx context.Context, id string) error
}

// OriginalsStore lists and clears unredacted PII spans.
type OriginalsStore interface {
	ListPIIOriginals(ctx context.Context, before time.Time, limit int) ([]models.PIIDetection, error)
	ClearPIIOriginals(ctx context.Context, ids []string) (int64, error)
}

// Archiver persists PII detections before their originals are cleared.
type Archiver interface {
	Kind() string
	ArchivePII(ctx context.Context, detections []models.PIIDetection) (string, error)
}

// Policy holds the retention windows. A zero window disables its sweep.
type Policy struct {
	SessionIdle  time.Duration
	PIIOriginals time.Duration
	BatchSize    int
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	SessionsPurged    int
	OriginalsArchived int
	OriginalsCleared  int64
	ArchivePath       string
	Errors            []error
}

// Janitor runs the retention sweeps.
type Janitor struct {
	sessions  SessionSweeper
	originals OriginalsStore
	archiver  Archiver
	policy    Policy
	interval  time.Duration
	now       func() time.Time
}

// NewJanitor creates a janitor running on the given interval. sessions or
// originals may be nil to skip that sweep; archiver may be nil to clear
// originals without archiving.
func NewJanitor(sessions SessionSweeper, originals OriginalsStore, archiver Archiver, policy Policy, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if policy.BatchSize <= 0 {
		policy.BatchSize = DefaultBatchSize
	}
	return &Janitor{
		sessions:  sessions,
		originals: originals,
		archiver:  archiver,
		policy:    policy,
		interval:  interval,
		now:       time.Now,
	}
}

// Enabled reports whether any sweep has work to do.
func (j *Janitor) Enabled() bool {
	return (j.sessions != nil && j.policy.SessionIdle > 0) ||
		(j.originals != nil && j.policy.PIIOriginals > 0)
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	archiver := "none"
	if j.archiver != nil {
		archiver = j.archiver.Kind()
	}
	log.Info().
		Dur("interval", j.interval).
		Dur("session_idle", j.policy.SessionIdle).
		Dur("pii_originals", j.policy.PIIOriginals).
		Str("archiver", archiver).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := j.now()
	var stats CycleStats

	if j.sessions != nil && j.policy.SessionIdle > 0 {
		j.purgeSessions(ctx, start.UTC().Add(-j.policy.SessionIdle), &stats)
	}
	if j.originals != nil && j.policy.PIIOriginals > 0 {
		j.clearOriginals(ctx, start.UTC().Add(-j.policy.PIIOriginals), &stats)
	}

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
	if stats.SessionsPurged > 0 || stats.OriginalsCleared > 0 {
		log.Info().
			Int("purged_sessions", stats.SessionsPurged).
			Int("archived_originals", stats.OriginalsArchived).
			Int64("cleared_originals", stats.OriginalsCleared).
			Str("archive", stats.ArchivePath).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

func (j *Janitor) purgeSessions(ctx context.Context, cutoff time.Time, stats *CycleStats) {
	ids, err := j.sessions.ListIdleSessions(ctx, cutoff, j.policy.BatchSize)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}
	for _, id := range ids {
		if err := j.sessions.DeleteSession(ctx, id); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.SessionsPurged++
	}
}

func (j *Janitor) clearOriginals(ctx context.Context, cutoff time.Time, stats *CycleStats) {
	dets, err := j.originals.ListPIIOriginals(ctx, cutoff, j.policy.BatchSize)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}
	if len(dets) == 0 {
		return
	}

	if j.archiver != nil {
		path, err := j.archiver.ArchivePII(ctx, dets)
		if err != nil {
			// Fail-safe: keep the originals
			stats.Errors = append(stats.Errors, &archiveError{kind: j.archiver.Kind(), err: err})
			return
		}
		stats.ArchivePath = path
		stats.OriginalsArchived = len(dets)
	}

	ids := make([]string, len(dets))
	for i, d := range dets {
		ids[i] = d.ID
	}
	n, err := j.originals.ClearPIIOriginals(ctx, ids)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}
	stats.OriginalsCleared = n
}

type archiveError struct {
	kind string
	err  error
}

func (e *archiveError) Error() string {
	return "archive to " + e.kind + " failed: " + e.err.Error()
}

func (e *archiveError) Unwrap() error { return e.err }
