package consolidation

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"

	"github.com/veraxon/chronicle/internal/correlation"
	"github.com/veraxon/chronicle/internal/logging"
	"github.com/veraxon/chronicle/internal/types"
)

// compressedPrefix marks a text payload that holds base64-encoded
// zstd-compressed bytes instead of plain text.
const compressedPrefix = "zstd:"

// minTruncateLimit is the floor for text truncation; below this the
// payload is as small as profound compression will make it.
const minTruncateLimit = 64

// Profound compresses the prior month's daily summaries in place. It
// never creates or deletes records and never touches anything except
// payload columns: record ids, links, and period boundaries survive
// unchanged, so provenance chains stay intact.
type Profound struct {
	store             *correlation.Store
	targetBytesPerDay int64
	encoder           *zstd.Encoder
	loc               *time.Location

	mu    sync.Mutex
	stats TierStats
}

// NewProfound creates the profound consolidator. compressionLevel is
// the zstd level (1-22). Day budgets follow loc's calendar; nil means
// UTC.
func NewProfound(store *correlation.Store, targetBytesPerDay int64, compressionLevel int, loc *time.Location) (*Profound, error) {
	if targetBytesPerDay <= 0 {
		targetBytesPerDay = 20 * 1024 * 1024
	}
	if loc == nil {
		loc = time.UTC
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}

	return &Profound{
		store:             store,
		targetBytesPerDay: targetBytesPerDay,
		encoder:           enc,
		loc:               loc,
	}, nil
}

// Run compresses the month [start, end). Rewriting the same month
// twice is harmless: compression converges, and already-compressed
// payloads that fit the budget are left alone.
func (p *Profound) Run(ctx context.Context, start, end time.Time) error {
	p.mu.Lock()
	p.stats.Runs++
	p.mu.Unlock()

	level := types.LevelExtensive
	it, err := p.store.Query(ctx, correlation.QueryParams{
		Start: start,
		End:   end,
		Level: &level,
	})
	if err != nil {
		return fmt.Errorf("profound query: %w", err)
	}

	byDay := make(map[time.Time][]*types.CorrelationRecord)
	read := int64(0)
	for it.Next() {
		rec := it.Record()
		read++
		day := dayStart(rec.Timestamp, p.loc)
		byDay[day] = append(byDay[day], rec)
	}
	if err := it.Err(); err != nil {
		it.Close()
		p.countError()
		return fmt.Errorf("profound iterate: %w", err)
	}
	it.Close()

	p.mu.Lock()
	p.stats.RecordsRead += read
	p.mu.Unlock()

	for day, recs := range byDay {
		if err := p.compressDay(ctx, day, recs); err != nil {
			p.countError()
			return fmt.Errorf("profound %s: %w", day.Format("2006-01-02"), err)
		}
	}

	return nil
}

// compressDay shrinks one day's payloads until their aggregate size
// fits the per-day budget, tightening the text truncation limit each
// pass. A day that cannot reach the budget even at the floor limit is
// left at its smallest achievable size.
func (p *Profound) compressDay(ctx context.Context, day time.Time, recs []*types.CorrelationRecord) error {
	texts := make([]string, len(recs))
	for i, rec := range recs {
		texts[i] = rec.TextValue
	}

	// First pass compresses without truncating; truncation limits only
	// tighten when the day still exceeds its budget.
	limit := 0
	for {
		total := int64(0)
		for i, rec := range recs {
			texts[i] = p.compressText(rec.TextValue, limit)
			total += payloadSize(texts[i], rec.Summary)
		}
		if total <= p.targetBytesPerDay || (limit > 0 && limit <= minTruncateLimit) {
			break
		}
		if limit == 0 {
			limit = 4096
		} else {
			limit /= 2
		}
	}

	rewritten := 0
	for i, rec := range recs {
		summary := stripPercentiles(rec.Summary)
		if texts[i] == rec.TextValue && !summariesDiffer(summary, rec.Summary) {
			continue
		}
		if err := p.store.RewritePayload(ctx, rec.ID, texts[i], rec.Value, rec.HasValue, summary); err != nil {
			return err
		}
		rewritten++
	}

	p.mu.Lock()
	p.stats.PayloadsRewritten += int64(rewritten)
	p.mu.Unlock()

	if rewritten > 0 {
		logging.Component("consolidation").Debug("profound day compressed",
			"day", day.Format("2006-01-02"), "rewritten", rewritten)
	}
	return nil
}

// compressText deduplicates and truncates the plain text (limit 0
// means no truncation), then zstd-compresses it when that makes it
// smaller. Already-compressed payloads pass through untouched.
func (p *Profound) compressText(text string, limit int) string {
	if text == "" || strings.HasPrefix(text, compressedPrefix) {
		return text
	}

	text = dedupLines(text)
	if limit > 0 {
		text = truncateText(text, limit)
	}

	compressed := p.encoder.EncodeAll([]byte(text), nil)
	encoded := compressedPrefix + base64.StdEncoding.EncodeToString(compressed)
	if len(encoded) < len(text) {
		return encoded
	}
	return text
}

// DecompressText reverses compressText for readers. Plain payloads
// come back as-is.
func DecompressText(text string) (string, error) {
	if !strings.HasPrefix(text, compressedPrefix) {
		return text, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(text, compressedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode compressed payload: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return "", fmt.Errorf("init zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return "", fmt.Errorf("decompress payload: %w", err)
	}
	return string(out), nil
}

// Stats returns consolidator statistics.
func (p *Profound) Stats() TierStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Profound) countError() {
	p.mu.Lock()
	p.stats.Errors++
	p.mu.Unlock()
}

// truncateText cuts text to at most limit bytes, backing off to a rune
// boundary so the cut never leaves invalid UTF-8 behind.
func truncateText(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

// dedupLines removes duplicate lines while preserving first-seen order.
func dedupLines(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}

	seen := make(map[string]struct{}, len(lines))
	out := lines[:0]
	for _, line := range lines {
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// payloadSize approximates a record's payload footprint: the text plus
// the summary's fixed statistics.
func payloadSize(text string, summary *types.Summary) int64 {
	size := int64(len(text))
	if summary != nil {
		size += 48 // count, sum, min, max, avg
		if summary.HasPercentiles() {
			size += 32
		}
	}
	return size
}

// stripPercentiles drops percentile fields, the retained statistics
// stay lossless.
func stripPercentiles(s *types.Summary) *types.Summary {
	if s == nil {
		return nil
	}
	out := types.Summary{
		Count: s.Count,
		Sum:   s.Sum,
		Min:   s.Min,
		Max:   s.Max,
		Avg:   s.Avg,
	}
	return &out
}

func summariesDiffer(a, b *types.Summary) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	if a == nil {
		return false
	}
	return a.HasPercentiles() != b.HasPercentiles()
}
