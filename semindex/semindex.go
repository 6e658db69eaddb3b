// Package semindex holds an in-memory exact vector index over event text
// surrogates. The corpus is small enough (≤10^5 rows) that brute-force
// cosine scoring beats the operational cost of an external vector store.
package semindex

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelsec/watchtower"
)

// Archive is the slice of the event store the index builds from.
type Archive interface {
	MaxID(ctx context.Context) (int64, error)
	EventsAfterID(ctx context.Context, afterID int64, limit int) ([]watchtower.Event, error)
}

// Match is one query result.
type Match struct {
	ID    int64
	Score float64 // [0,1], 1 is identical
}

// snapshot is an immutable build of the index. Queries read whichever
// snapshot is current; rebuilds swap in a new one atomically.
type snapshot struct {
	ids   []int64
	vecs  [][]float32
	maxID int64
}

// Index embeds event surrogates and answers nearest-neighbour queries.
type Index struct {
	store    Archive
	embedder watchtower.EmbeddingProvider
	logger   *slog.Logger
	window   int
	batch    int

	snap atomic.Pointer[snapshot]

	mu sync.Mutex // serializes Build / AppendEvents
}

// Option configures an Index.
type Option func(*Index)

// WithWindow caps how many recent events the index covers (default: 100000).
func WithWindow(n int) Option {
	return func(i *Index) { i.window = n }
}

// WithBatchSize sets the embedding batch size (default: 256).
func WithBatchSize(n int) Option {
	return func(i *Index) { i.batch = n }
}

// WithLogger sets a structured logger for the index.
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) { i.logger = l }
}

// New creates an Index over the archive and embedding provider.
func New(store Archive, embedder watchtower.EmbeddingProvider, opts ...Option) *Index {
	idx := &Index{
		store:    store,
		embedder: embedder,
		logger:   watchtower.NopLogger,
		window:   100000,
		batch:    256,
	}
	for _, o := range opts {
		o(idx)
	}
	return idx
}

// Ready reports whether a snapshot is available for querying.
func (i *Index) Ready() bool {
	return i.snap.Load() != nil
}

// Build embeds the most recent window of events and swaps the result in.
// Queries against the previous snapshot keep working during the build.
func (i *Index) Build(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	start := time.Now()

	maxID, err := i.store.MaxID(ctx)
	if err != nil {
		return fmt.Errorf("semindex: max id: %w", err)
	}
	afterID := maxID - int64(i.window)
	if afterID < 0 {
		afterID = 0
	}
	events, err := i.store.EventsAfterID(ctx, afterID, i.window)
	if err != nil {
		return fmt.Errorf("semindex: load events: %w", err)
	}

	snap := &snapshot{maxID: maxID}
	if err := i.embedInto(ctx, snap, events); err != nil {
		return err
	}
	i.snap.Store(snap)
	i.logger.Info("semindex: build completed",
		"events", len(snap.ids), "max_id", maxID, "duration", time.Since(start))
	return nil
}

// AppendEvents embeds the given events and adds them to a copy of the
// current snapshot. Build must have succeeded at least once.
func (i *Index) AppendEvents(ctx context.Context, events []watchtower.Event) error {
	if len(events) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	cur := i.snap.Load()
	if cur == nil {
		return fmt.Errorf("semindex: append before build")
	}
	next := &snapshot{
		ids:   append([]int64(nil), cur.ids...),
		vecs:  append([][]float32(nil), cur.vecs...),
		maxID: cur.maxID,
	}
	if err := i.embedInto(ctx, next, events); err != nil {
		return err
	}
	for _, e := range events {
		if e.ID > next.maxID {
			next.maxID = e.ID
		}
	}
	i.snap.Store(next)
	i.logger.Debug("semindex: appended", "events", len(events), "total", len(next.ids))
	return nil
}

// Refresh appends all events committed to the archive since the snapshot
// was built or last refreshed. It is a no-op until Build has succeeded.
func (i *Index) Refresh(ctx context.Context) error {
	cur := i.snap.Load()
	if cur == nil {
		return nil
	}
	events, err := i.store.EventsAfterID(ctx, cur.maxID, i.window)
	if err != nil {
		return fmt.Errorf("semindex: load new events: %w", err)
	}
	return i.AppendEvents(ctx, events)
}

// Follow refreshes the index on a fixed cadence until ctx is cancelled, so
// the snapshot tracks the archive as ingest commits new batches. Refresh
// failures are logged and retried on the next tick.
func (i *Index) Follow(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := i.Refresh(ctx); err != nil && ctx.Err() == nil {
				i.logger.Warn("semindex: refresh failed", "error", err)
			}
		}
	}
}

// MaxIndexedID returns the largest event id covered by the current
// snapshot, or 0 when the index has not been built.
func (i *Index) MaxIndexedID() int64 {
	if snap := i.snap.Load(); snap != nil {
		return snap.maxID
	}
	return 0
}

// Query embeds text and returns the top-k matches by cosine similarity,
// scores mapped to [0,1].
func (i *Index) Query(ctx context.Context, text string, k int) ([]Match, error) {
	snap := i.snap.Load()
	if snap == nil {
		return nil, fmt.Errorf("semindex: not built")
	}
	if k <= 0 || len(snap.ids) == 0 {
		return nil, nil
	}

	vecs, err := i.embedder.Embed(ctx, []string{normalize(text)})
	if err != nil {
		return nil, fmt.Errorf("semindex: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("semindex: embed query: got %d vectors", len(vecs))
	}
	q := vecs[0]

	matches := make([]Match, 0, len(snap.ids))
	for n, v := range snap.vecs {
		score := (cosineSimilarity(q, v) + 1) / 2
		matches = append(matches, Match{ID: snap.ids[n], Score: score})
	}
	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].ID < matches[b].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (i *Index) embedInto(ctx context.Context, snap *snapshot, events []watchtower.Event) error {
	for from := 0; from < len(events); from += i.batch {
		to := from + i.batch
		if to > len(events) {
			to = len(events)
		}
		chunk := events[from:to]
		texts := make([]string, len(chunk))
		for n, e := range chunk {
			texts[n] = Surrogate(e)
		}
		vecs, err := i.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("semindex: embed batch: %w", err)
		}
		if len(vecs) != len(chunk) {
			return fmt.Errorf("semindex: embed batch: got %d vectors for %d texts", len(vecs), len(chunk))
		}
		for n, e := range chunk {
			snap.ids = append(snap.ids, e.ID)
			snap.vecs = append(snap.vecs, vecs[n])
		}
	}
	return nil
}

// Surrogate builds the normalized text the index embeds for an event:
// rule description, raw log, agent name, and location with collapsed
// whitespace.
func Surrogate(e watchtower.Event) string {
	parts := []string{e.RuleDescription, e.FullLog, e.AgentName, e.Location}
	return normalize(strings.Join(parts, " "))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
