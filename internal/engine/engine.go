// Package engine composes the ledger, key manager, correlation store,
// and consolidation scheduler into one service with a small ingestion
// and inspection API.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veraxon/chronicle/internal/config"
	"github.com/veraxon/chronicle/internal/consolidation"
	"github.com/veraxon/chronicle/internal/correlation"
	"github.com/veraxon/chronicle/internal/errors"
	"github.com/veraxon/chronicle/internal/export"
	"github.com/veraxon/chronicle/internal/keys"
	"github.com/veraxon/chronicle/internal/ledger"
	"github.com/veraxon/chronicle/internal/logging"
	"github.com/veraxon/chronicle/internal/types"
	"github.com/veraxon/chronicle/internal/verify"
)

// Service orchestrates all chronicle components.
type Service struct {
	config *config.Config
	log    *slog.Logger

	store     *correlation.Store
	keys      *keys.Manager
	writer    *ledger.Writer
	reader    *ledger.Reader
	verifier  *verify.Verifier
	exporter  *export.Exporter
	scheduler *consolidation.Scheduler

	basic     *consolidation.Basic
	extensive *consolidation.Extensive
	profound  *consolidation.Profound

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates the service. The configuration is validated and all
// components are constructed; nothing runs until Start.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	store, err := correlation.Open(cfg.DatabasePath(), correlation.Options{
		MemoryLimit:  cfg.Database.MemoryLimit,
		QueryTimeout: cfg.Database.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open correlation store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	km, err := keys.New(ctx, store.DB(), cfg.Signing.RotationInterval)
	if err != nil {
		cancel()
		store.Close()
		return nil, fmt.Errorf("init key manager: %w", err)
	}

	writer, err := ledger.NewWriter(cfg.LedgerDir(), km, ledger.Options{
		MaxSegmentSize: cfg.Ledger.MaxSegmentSize,
	})
	if err != nil {
		cancel()
		store.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	reader := ledger.NewReader(cfg.LedgerDir())
	verifier := verify.New(reader, km)

	loc := cfg.Consolidation.Location()
	profound, err := consolidation.NewProfound(store,
		cfg.Consolidation.ProfoundTargetBytesPerDay, cfg.Consolidation.CompressionLevel, loc)
	if err != nil {
		cancel()
		writer.Close()
		store.Close()
		return nil, fmt.Errorf("init profound consolidator: %w", err)
	}

	basic := consolidation.NewBasic(store, cfg.Consolidation.PercentileAccuracy)
	extensive := consolidation.NewExtensive(store, loc)
	scheduler := consolidation.NewScheduler(store, basic, extensive, profound,
		consolidation.SchedulerOptions{
			PollInterval: cfg.Consolidation.PollInterval,
			Workers:      cfg.Consolidation.Workers,
			Location:     loc,
		})

	s := &Service{
		config:    cfg,
		log:       logging.Component("engine"),
		store:     store,
		keys:      km,
		writer:    writer,
		reader:    reader,
		verifier:  verifier,
		exporter:  export.New(reader, verifier),
		scheduler: scheduler,
		basic:     basic,
		extensive: extensive,
		profound:  profound,
		ctx:       ctx,
		cancel:    cancel,
	}

	// Every key rotation leaves a ledger entry, so the chain itself
	// records which key signs from which sequence onward.
	km.SetRotationCallback(s.appendKeyRotation)

	return s, nil
}

// Start launches the scheduler and background workers.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	s.startTime = time.Now()

	// Periods left running by a crashed process become retryable.
	if reset, err := s.store.Reconcile(s.ctx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("reconcile periods: %w", err)
	} else if reset > 0 {
		s.log.Warn("reset interrupted consolidation periods", "count", reset)
	}

	// A daemon that was down past the rotation deadline rotates before
	// signing anything else.
	if rotated, err := s.keys.RotateIfDue(s.ctx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("startup rotation check: %w", err)
	} else if rotated {
		s.log.Info("overdue signing key rotated at startup")
	}

	if err := s.scheduler.Start(s.ctx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("start scheduler: %w", err)
	}

	s.wg.Add(1)
	go s.pruneWorker()

	s.wg.Add(1)
	go s.rotationWorker()

	s.log.Info("engine started", "data_dir", s.config.DataDir)
	return nil
}

// Stop shuts everything down in reverse order of Start. The ledger is
// closed after all workers have drained so no append races the close.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()
	s.scheduler.Stop()

	var errs []error
	if err := s.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.log.Info("engine stopped", "uptime", time.Since(s.startTime).Round(time.Second))
	return errors.Join(errs...)
}

// IsRunning reports whether the service has been started.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Audit appends a signed entry to the ledger and mirrors it into the
// correlation store so audit activity is queryable and consolidated
// alongside other observations. The ledger remains the authoritative
// record; the mirror row carries the entry's seq and hash as tags.
func (s *Service) Audit(ctx context.Context, category types.Category, payload []byte) (ledger.Entry, error) {
	if !s.running.Load() {
		return ledger.Entry{}, errors.ErrNotRunning
	}
	if !category.Valid() {
		return ledger.Entry{}, fmt.Errorf("%w: %s", errors.ErrInvalidCategory, category)
	}

	entry, err := s.writer.Append(ctx, category, payload)
	if err != nil {
		return ledger.Entry{}, err
	}

	mirror := &types.CorrelationRecord{
		ID:        uuid.NewString(),
		Category:  types.CategoryAuditMirror,
		Timestamp: entry.Timestamp,
		TextValue: string(payload),
		Level:     types.LevelRaw,
		Tags: map[string]string{
			"ledger_seq":      fmt.Sprintf("%d", entry.Seq),
			"ledger_hash":     entry.Hash.String(),
			"ledger_category": string(category),
		},
	}
	if err := s.store.Insert(ctx, mirror); err != nil {
		// The ledger entry is already durable; the mirror is derived
		// data and can be reconstructed from the ledger.
		s.log.Error("audit mirror insert failed", "seq", entry.Seq, "error", err)
	}

	return entry, nil
}

// RecordMetric ingests one numeric observation.
func (s *Service) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error {
	return s.record(ctx, &types.CorrelationRecord{
		ID:        uuid.NewString(),
		Category:  types.CategoryMetric,
		Timestamp: time.Now().UTC(),
		Value:     value,
		HasValue:  true,
		Tags:      withTag(tags, "name", name),
		Level:     types.LevelRaw,
	})
}

// RecordLog ingests one log line.
func (s *Service) RecordLog(ctx context.Context, text string, tags map[string]string) error {
	return s.record(ctx, &types.CorrelationRecord{
		ID:        uuid.NewString(),
		Category:  types.CategoryLog,
		Timestamp: time.Now().UTC(),
		TextValue: text,
		Tags:      tags,
		Level:     types.LevelRaw,
	})
}

// RecordTrace ingests one span duration in milliseconds.
func (s *Service) RecordTrace(ctx context.Context, operation string, durationMs float64, tags map[string]string) error {
	return s.record(ctx, &types.CorrelationRecord{
		ID:        uuid.NewString(),
		Category:  types.CategoryTrace,
		Timestamp: time.Now().UTC(),
		Value:     durationMs,
		HasValue:  true,
		Tags:      withTag(tags, "operation", operation),
		Level:     types.LevelRaw,
	})
}

// Record ingests a caller-built correlation record at the raw level.
func (s *Service) Record(ctx context.Context, rec *types.CorrelationRecord) error {
	return s.record(ctx, rec)
}

func (s *Service) record(ctx context.Context, rec *types.CorrelationRecord) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	return s.store.Insert(ctx, rec)
}

// Query runs a filtered query against the correlation store and
// collects the results.
func (s *Service) Query(ctx context.Context, params correlation.QueryParams) ([]*types.CorrelationRecord, error) {
	it, err := s.store.Query(ctx, params)
	if err != nil {
		return nil, err
	}
	return it.Collect()
}

// Verify checks ledger integrity over a sequence range. Pass
// ledger.HeadSeq as end to verify through the newest entry.
func (s *Service) Verify(ctx context.Context, start, end uint64) (*verify.Report, error) {
	return s.verifier.VerifyRange(ctx, start, end)
}

// Export writes the verified prefix of a ledger range to w.
func (s *Service) Export(ctx context.Context, w io.Writer, start, end uint64, format export.Format) (*export.Result, error) {
	return s.exporter.Export(ctx, w, start, end, format)
}

// Keys lists all signing keys, newest first.
func (s *Service) Keys(ctx context.Context) ([]keys.KeyInfo, error) {
	return s.keys.List(ctx)
}

// Periods lists the consolidation period table for one tier.
func (s *Service) Periods(ctx context.Context, tier types.Level) ([]types.ConsolidationPeriod, error) {
	return s.store.ListPeriods(ctx, tier)
}

// keyRotationPayload is the ledger payload written on key rotation.
type keyRotationPayload struct {
	RetiredKey string `json:"retired_key"`
	NewKey     string `json:"new_key"`
}

func (s *Service) appendKeyRotation(ctx context.Context, retiredID, newID string) error {
	payload, err := json.Marshal(keyRotationPayload{RetiredKey: retiredID, NewKey: newID})
	if err != nil {
		return fmt.Errorf("encode rotation payload: %w", err)
	}

	entry, err := s.writer.Append(ctx, types.CategoryKeyRotation, payload)
	if err != nil {
		return fmt.Errorf("append rotation entry: %w", err)
	}

	s.log.Info("signing key rotated",
		"retired", retiredID, "active", newID, "ledger_seq", entry.Seq)
	return nil
}

// pruneWorker periodically marks consolidated-away records prunable
// and sweeps them. A record becomes prunable only once it is older
// than its level's retention and a completed higher-tier period covers
// its timestamp, so pruning never loses unconsolidated data.
func (s *Service) pruneWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Pruning.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runPrune(s.ctx)
		}
	}
}

// runPrune performs one retention sweep.
func (s *Service) runPrune(ctx context.Context) {
	now := time.Now().UTC()
	passes := []struct {
		level    types.Level
		covering types.Level
		cutoff   time.Time
	}{
		{types.LevelRaw, types.LevelBasic, now.Add(-s.config.Retention.Raw)},
		{types.LevelBasic, types.LevelExtensive, now.Add(-s.config.Retention.Basic)},
	}

	for _, pass := range passes {
		marked, err := s.store.MarkCoveredPrunable(ctx, pass.level, pass.covering, pass.cutoff)
		if err != nil {
			s.log.Error("mark prunable failed", "level", pass.level, "error", err)
			continue
		}

		pruned, err := s.store.Prune(ctx, pass.level, pass.cutoff, s.config.Pruning.DryRun)
		if err != nil {
			s.log.Error("prune failed", "level", pass.level, "error", err)
			continue
		}

		if marked > 0 || pruned > 0 {
			s.log.Info("retention sweep",
				"level", pass.level, "marked", marked, "pruned", pruned,
				"dry_run", s.config.Pruning.DryRun)
		}
	}
}

// rotationWorker periodically checks whether the active signing key
// has exceeded its rotation interval.
func (s *Service) rotationWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Signing.RotationCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			rotated, err := s.keys.RotateIfDue(s.ctx)
			if err != nil {
				s.log.Error("key rotation check failed", "error", err)
			} else if rotated {
				s.log.Info("key rotation performed")
			}
		}
	}
}

// ServiceStats aggregates statistics from every component.
type ServiceStats struct {
	Running   bool
	Uptime    time.Duration
	Ledger    ledger.WriterStats
	Keys      keys.Stats
	Store     correlation.Stats
	Scheduler consolidation.SchedulerStats
	Basic     consolidation.TierStats
	Extensive consolidation.TierStats
	Profound  consolidation.TierStats
}

// Stats returns a snapshot of all component statistics.
func (s *Service) Stats() ServiceStats {
	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	return ServiceStats{
		Running:   s.running.Load(),
		Uptime:    uptime,
		Ledger:    s.writer.Stats(),
		Keys:      s.keys.Stats(),
		Store:     s.store.Stats(),
		Scheduler: s.scheduler.Stats(),
		Basic:     s.basic.Stats(),
		Extensive: s.extensive.Stats(),
		Profound:  s.profound.Stats(),
	}
}

// Config returns the active configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// RunPruneNow triggers one retention sweep outside the worker cadence.
func (s *Service) RunPruneNow(ctx context.Context) {
	s.runPrune(ctx)
}

// RotateKeyNow forces a key rotation regardless of key age.
func (s *Service) RotateKeyNow(ctx context.Context) error {
	return s.keys.Rotate(ctx)
}

func withTag(tags map[string]string, key, value string) map[string]string {
	if value == "" {
		return tags
	}
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	out[key] = value
	return out
}
