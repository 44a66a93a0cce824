package consolidation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veraxon/chronicle/internal/correlation"
	"github.com/veraxon/chronicle/internal/errors"
	"github.com/veraxon/chronicle/internal/logging"
	"github.com/veraxon/chronicle/internal/types"
)

// maxPeriodsPerCycle bounds how much backlog one poll cycle will take
// on, so a daemon catching up after downtime still polls regularly.
const maxPeriodsPerCycle = 8

// SchedulerOptions configures the consolidation scheduler.
type SchedulerOptions struct {
	// PollInterval is how often due periods are checked for.
	PollInterval time.Duration

	// Workers caps concurrent period consolidations within a cycle.
	Workers int

	// Location is the timezone for calendar-aligned period boundaries.
	// Nil means UTC.
	Location *time.Location
}

// DefaultSchedulerOptions returns scheduler defaults.
func DefaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		PollInterval: time.Minute,
		Workers:      3,
		Location:     time.UTC,
	}
}

// SchedulerStats tracks scheduler activity.
type SchedulerStats struct {
	Cycles           int64
	PeriodsClaimed   int64
	PeriodsCompleted int64
	PeriodsFailed    int64
}

// tierRunner is one consolidation tier's work function over a period.
type tierRunner func(ctx context.Context, start, end time.Time) error

// Scheduler drives the three consolidation tiers. Each cycle it
// computes the calendar periods that are due per tier, claims them
// through the period table, and runs the tier's consolidator. Claiming
// makes concurrent daemons sharing one store safe: a period is worked
// by at most one process, and a completed period is never redone.
type Scheduler struct {
	store *correlation.Store
	opts  SchedulerOptions
	log   *slog.Logger

	basic     *Basic
	extensive *Extensive
	profound  *Profound

	// now is swappable for tests.
	now func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	stats SchedulerStats
}

// NewScheduler creates a scheduler over the given store and tier
// consolidators.
func NewScheduler(store *correlation.Store, basic *Basic, extensive *Extensive, profound *Profound, opts SchedulerOptions) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{
		store:     store,
		opts:      opts,
		log:       logging.Component("consolidation"),
		basic:     basic,
		extensive: extensive,
		profound:  profound,
		now:       time.Now,
	}
}

// Start launches the poll loop. It returns an error if the scheduler
// is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)

	s.log.Info("consolidation scheduler started",
		"poll_interval", s.opts.PollInterval, "workers", s.opts.Workers)
	return nil
}

// Stop halts the poll loop and waits for in-flight work.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info("consolidation scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	// One immediate cycle so a restart picks up backlog without
	// waiting for the first tick.
	s.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle performs one scheduling pass over all tiers. It is exported
// so callers can force a pass without waiting for the poll interval.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.mu.Lock()
	s.stats.Cycles++
	s.mu.Unlock()

	for _, tier := range types.ConsolidationTiers() {
		if ctx.Err() != nil {
			return
		}
		if err := s.runTier(ctx, tier); err != nil {
			s.log.Error("tier cycle failed", "tier", tier, "error", err)
		}
	}
}

func (s *Scheduler) runTier(ctx context.Context, tier types.Level) error {
	due, err := s.duePeriods(ctx, tier)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, start := range due {
		start := start
		g.Go(func() error {
			return s.runPeriod(gctx, tier, start)
		})
	}
	return g.Wait()
}

// duePeriods returns the period starts for tier that are closed,
// ready, and not yet complete, oldest first.
func (s *Scheduler) duePeriods(ctx context.Context, tier types.Level) ([]time.Time, error) {
	now := s.now().UTC()

	last, err := s.store.LastCompletePeriod(ctx, tier)
	if err != nil {
		return nil, fmt.Errorf("last complete period: %w", err)
	}

	var next time.Time
	if last.IsZero() {
		// Nothing consolidated yet at this tier. Begin at the period
		// containing the oldest source-level data.
		earliest, err := s.store.EarliestTimestamp(ctx, sourceLevel(tier))
		if err != nil {
			return nil, fmt.Errorf("earliest source timestamp: %w", err)
		}
		if earliest.IsZero() {
			return nil, nil
		}
		next = tier.TruncateToPeriod(earliest, s.opts.Location)
	} else {
		next = tier.PeriodEnd(last, s.opts.Location)
	}

	var due []time.Time
	for len(due) < maxPeriodsPerCycle {
		end := tier.PeriodEnd(next, s.opts.Location)
		ready, err := s.periodReady(ctx, tier, end, now)
		if err != nil {
			return nil, err
		}
		if !ready {
			break
		}
		due = append(due, next)
		next = end
	}
	return due, nil
}

// periodReady reports whether a period ending at end can be
// consolidated. A tier's period is ready only when its inputs are
// final: the wall clock has passed the boundary and, for the upper
// tiers, the source tier has caught up through it.
func (s *Scheduler) periodReady(ctx context.Context, tier types.Level, end, now time.Time) (bool, error) {
	if end.After(now) {
		return false, nil
	}

	switch tier {
	case types.LevelBasic:
		return true, nil

	case types.LevelExtensive:
		// The week's final basic block must be consolidated.
		lastBasic, err := s.store.LastCompletePeriod(ctx, types.LevelBasic)
		if err != nil {
			return false, err
		}
		return !lastBasic.Before(end.Add(-6 * time.Hour)), nil

	case types.LevelProfound:
		// The extensive week covering the month's final day must be
		// complete.
		weekStart := types.LevelExtensive.TruncateToPeriod(end.Add(-time.Hour), s.opts.Location)
		status, err := s.store.PeriodStatus(ctx, types.LevelExtensive, weekStart)
		if err != nil {
			if errors.Is(err, errors.ErrPeriodNotFound) {
				return false, nil
			}
			return false, err
		}
		return status == types.PeriodComplete, nil

	default:
		return false, fmt.Errorf("%w: no readiness rule for %s", errors.ErrInvalidLevel, tier)
	}
}

// runPeriod claims and consolidates one period. A failed prior attempt
// may have left partial output; tiers that emit rows clear their
// output range before rerunning so the result is the same as a clean
// first run.
func (s *Scheduler) runPeriod(ctx context.Context, tier types.Level, start time.Time) error {
	end := tier.PeriodEnd(start, s.opts.Location)

	claimed, err := s.store.BeginPeriod(ctx, tier, start, end)
	if err != nil {
		return fmt.Errorf("claim %s %s: %w", tier, start.Format(time.RFC3339), err)
	}
	if !claimed {
		return nil
	}

	s.mu.Lock()
	s.stats.PeriodsClaimed++
	s.mu.Unlock()

	if out, emits := outputLevel(tier); emits {
		if _, err := s.store.DeleteSummaries(ctx, out, start, end); err != nil {
			s.failPeriod(ctx, tier, start)
			return fmt.Errorf("clear partial output: %w", err)
		}
	}

	if err := s.runner(tier)(ctx, start, end); err != nil {
		s.failPeriod(ctx, tier, start)
		return fmt.Errorf("consolidate %s %s: %w", tier, start.Format(time.RFC3339), err)
	}

	if err := s.store.CompletePeriod(ctx, tier, start); err != nil {
		return fmt.Errorf("complete %s %s: %w", tier, start.Format(time.RFC3339), err)
	}

	s.mu.Lock()
	s.stats.PeriodsCompleted++
	s.mu.Unlock()

	s.log.Info("period consolidated",
		"tier", tier, "start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339))
	return nil
}

func (s *Scheduler) failPeriod(ctx context.Context, tier types.Level, start time.Time) {
	if err := s.store.FailPeriod(ctx, tier, start); err != nil {
		s.log.Error("mark period failed", "tier", tier,
			"start", start.Format(time.RFC3339), "error", err)
	}
	s.mu.Lock()
	s.stats.PeriodsFailed++
	s.mu.Unlock()
}

func (s *Scheduler) runner(tier types.Level) tierRunner {
	switch tier {
	case types.LevelBasic:
		return s.basic.Run
	case types.LevelExtensive:
		return s.extensive.Run
	default:
		return s.profound.Run
	}
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// sourceLevel returns the level a tier consumes.
func sourceLevel(tier types.Level) types.Level {
	switch tier {
	case types.LevelBasic:
		return types.LevelRaw
	case types.LevelExtensive:
		return types.LevelBasic
	default:
		return types.LevelExtensive
	}
}

// outputLevel returns the level a tier writes rows at, and whether it
// writes rows at all. Profound rewrites payloads in place.
func outputLevel(tier types.Level) (types.Level, bool) {
	switch tier {
	case types.LevelBasic:
		return types.LevelBasic, true
	case types.LevelExtensive:
		return types.LevelExtensive, true
	default:
		return 0, false
	}
}
