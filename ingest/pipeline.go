package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelsec/watchtower"
)

// Archive is the slice of the event store the pipeline writes through.
type Archive interface {
	Watermark(ctx context.Context) (watchtower.Watermark, error)
	HashExistsWithin(ctx context.Context, hash string, d time.Duration) (bool, error)
	InsertBatch(ctx context.Context, events []watchtower.Event) (int, error)
}

const dedupeWindow = time.Hour

// Pipeline polls the tailer on a fixed cadence and commits new events.
// It is the archive's only writer.
type Pipeline struct {
	tailer   Tailer
	store    Archive
	logger   *slog.Logger
	interval time.Duration
	lines    int

	// capped exponential retry after tailer failures
	failures  int
	nextProbe time.Time

	// last observed alert-file size; a shrink means rotation
	lastSize int64
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithInterval sets the poll cadence (default: 5s).
func WithInterval(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.interval = d }
}

// WithTailLines sets how many trailing lines each tick reads (default: 50).
func WithTailLines(n int) PipelineOption {
	return func(p *Pipeline) { p.lines = n }
}

// WithLogger sets a structured logger for the pipeline.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a Pipeline over the given tailer and archive.
func NewPipeline(t Tailer, store Archive, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		tailer:   t,
		store:    store,
		logger:   watchtower.NopLogger,
		interval: 5 * time.Second,
		lines:    50,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run ticks until ctx is cancelled. Tick failures are logged and retried
// with capped exponential backoff; they never stop the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("ingest: pipeline started", "interval", p.interval, "tail_lines", p.lines)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ingest: pipeline stopped")
			return ctx.Err()
		case <-ticker.C:
			if time.Now().Before(p.nextProbe) {
				continue
			}
			if _, err := p.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				p.failures++
				backoff := backoffFor(p.failures, p.interval)
				p.nextProbe = time.Now().Add(backoff)
				p.logger.Warn("ingest: tick failed", "error", err, "failures", p.failures, "retry_in", backoff)
			} else {
				p.failures = 0
				p.nextProbe = time.Time{}
			}
		}
	}
}

// RunOnce performs a single ingest tick and returns how many events were
// committed. Per-line parse failures are logged and skipped; only tailer and
// archive errors surface.
func (p *Pipeline) RunOnce(ctx context.Context) (int, error) {
	size, err := p.tailer.Size(ctx)
	if err != nil {
		return 0, err
	}
	truncated := size < p.lastSize
	p.lastSize = size
	if truncated {
		// log rotation replaced the file; the rotated-in file may carry an
		// old mtime, so skip the modification probe and read it regardless
		p.logger.Info("ingest: alert file truncated, assuming rotation", "size", size)
	} else {
		modified, err := p.tailer.ModifiedSince(ctx, p.interval+time.Minute)
		if err != nil {
			return 0, err
		}
		if !modified {
			return 0, nil
		}
	}

	lines, err := p.tailer.Tail(ctx, p.lines)
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, nil
	}

	wm, err := p.store.Watermark(ctx)
	if err != nil {
		return 0, err
	}

	var batch []watchtower.Event
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		e, err := ParseLine(line)
		if err != nil {
			p.logger.Warn("ingest: skipping malformed line", "error", err)
			continue
		}
		if wm.Timestamp != "" && e.Timestamp <= wm.Timestamp {
			continue
		}
		if seen[e.ContentHash] {
			continue
		}
		dup, err := p.store.HashExistsWithin(ctx, e.ContentHash, dedupeWindow)
		if err != nil {
			return 0, err
		}
		if dup {
			continue
		}
		seen[e.ContentHash] = true
		e.CreatedAt = time.Now().Unix()
		batch = append(batch, e)
	}

	if len(batch) == 0 {
		return 0, nil
	}
	n, err := p.store.InsertBatch(ctx, batch)
	if err != nil {
		return 0, err
	}
	p.logger.Debug("ingest: batch committed", "count", n)
	return n, nil
}

// backoffFor doubles the base per consecutive failure, capped at 2 minutes.
func backoffFor(failures int, base time.Duration) time.Duration {
	const maxBackoff = 2 * time.Minute
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
