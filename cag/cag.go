// Package cag builds the cache-augmented context block: a deterministic
// text rendering of the recent event window that is prepended to model
// prompts so the assistant answers from live archive data.
package cag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kestrelsec/watchtower"
)

// Archive is the slice of the event store the builder reads.
type Archive interface {
	RecentEvents(ctx context.Context, window time.Duration, minLevel, limit int) ([]watchtower.Event, error)
	MaxID(ctx context.Context) (int64, error)
}

const header = `You are a security operations assistant for a Wazuh deployment.
The following block lists recent security events from the local archive,
newest first. Use them as ground truth when answering.`

// Builder renders and caches the context block. The cached block is reused
// until the archive's max event id advances past the staleness threshold.
type Builder struct {
	store       Archive
	logger      *slog.Logger
	windowDays  int
	maxEvents   int
	tokenBudget int
	staleAfter  int64 // new events tolerated before rebuild

	mu       sync.Mutex
	cached   string
	cachedID int64
	built    bool
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithWindowDays sets how many trailing days of events are considered
// (default: 3).
func WithWindowDays(d int) BuilderOption {
	return func(b *Builder) { b.windowDays = d }
}

// WithMaxEvents caps the number of events rendered (default: 500).
func WithMaxEvents(n int) BuilderOption {
	return func(b *Builder) { b.maxEvents = n }
}

// WithTokenBudget sets the approximate token ceiling for the rendered block
// (default: 16000). Tokens are estimated as runes/4.
func WithTokenBudget(n int) BuilderOption {
	return func(b *Builder) { b.tokenBudget = n }
}

// WithStaleAfter sets how many new events invalidate the cache (default: 10).
func WithStaleAfter(n int64) BuilderOption {
	return func(b *Builder) { b.staleAfter = n }
}

// WithLogger sets a structured logger for the builder.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// New creates a Builder over the archive.
func New(store Archive, opts ...BuilderOption) *Builder {
	b := &Builder{
		store:       store,
		logger:      watchtower.NopLogger,
		windowDays:  3,
		maxEvents:   500,
		tokenBudget: 16000,
		staleAfter:  10,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Context returns the current context block, rebuilding it when the archive
// has grown past the staleness threshold since the last build.
func (b *Builder) Context(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	maxID, err := b.store.MaxID(ctx)
	if err != nil {
		return "", fmt.Errorf("cag: max id: %w", err)
	}
	if b.built && maxID-b.cachedID < b.staleAfter {
		return b.cached, nil
	}
	return b.rebuildLocked(ctx, maxID)
}

// Rebuild discards the cache and renders a fresh block.
func (b *Builder) Rebuild(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	maxID, err := b.store.MaxID(ctx)
	if err != nil {
		return "", fmt.Errorf("cag: max id: %w", err)
	}
	return b.rebuildLocked(ctx, maxID)
}

func (b *Builder) rebuildLocked(ctx context.Context, maxID int64) (string, error) {
	start := time.Now()
	events, err := b.store.RecentEvents(ctx, time.Duration(b.windowDays)*24*time.Hour, 0, b.maxEvents)
	if err != nil {
		return "", fmt.Errorf("cag: load window: %w", err)
	}

	block := Render(events, b.tokenBudget)
	b.cached = block
	b.cachedID = maxID
	b.built = true
	b.logger.Debug("cag: context rebuilt",
		"events", len(events), "runes", len([]rune(block)), "max_id", maxID, "duration", time.Since(start))
	return block, nil
}

// Render produces the deterministic context block for the given events
// (expected newest first) under the token budget. When the full window does
// not fit, the oldest events are dropped first.
func Render(events []watchtower.Event, tokenBudget int) string {
	budgetRunes := tokenBudget * 4

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n\n")
	used := len([]rune(sb.String()))

	var kept []string
	// events arrive newest first; keep from the newest until the budget is
	// spent, which drops oldest first by construction.
	for _, e := range events {
		line := renderEvent(e)
		n := len([]rune(line)) + 1
		if used+n > budgetRunes {
			break
		}
		kept = append(kept, line)
		used += n
	}

	if len(kept) == 0 {
		sb.WriteString("(no events in the current window)\n")
		return sb.String()
	}
	for _, line := range kept {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// renderEvent renders one compact event line. The raw log is included in
// full; that is the part the model actually reasons over.
func renderEvent(e watchtower.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[#%d] %s agent=%s(%s) rule=%d level=%d loc=%s :: %s",
		e.ID, e.Timestamp, e.AgentName, e.AgentID, e.RuleID, e.RuleLevel, e.Location, e.RuleDescription)
	if e.FullLog != "" {
		sb.WriteString(" | log: ")
		sb.WriteString(e.FullLog)
	}
	return sb.String()
}
