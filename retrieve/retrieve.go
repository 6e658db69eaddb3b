// Package retrieve implements hybrid event search: keyword scoring over an
// archive candidate pool, blended with semantic similarity when the vector
// index is available.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/semindex"
)

// Archive is the slice of the event store the searcher reads.
type Archive interface {
	CandidatePool(ctx context.Context, agentIDs []string, startTS, endTS string, minLevel, limit int) ([]watchtower.Event, error)
}

// Index is the semantic index surface the searcher consumes.
type Index interface {
	Ready() bool
	Query(ctx context.Context, text string, k int) ([]semindex.Match, error)
}

// Filters narrow the candidate pool before scoring. Zero values are ignored.
type Filters struct {
	AgentIDs []string
	Start    time.Time
	End      time.Time
	MinLevel int
}

// Result is one scored search hit.
type Result struct {
	Event watchtower.Event `json:"event"`
	Score float64          `json:"score"`
}

const (
	poolLimit      = 2000
	semanticWeight = 0.9
	keywordWeight  = 0.7
)

// Searcher runs hybrid queries. Optional: an Index for semantic scoring and
// a Provider for LLM-assisted query expansion; both degrade gracefully.
type Searcher struct {
	store    Archive
	index    Index
	expander watchtower.Provider
	logger   *slog.Logger

	degradedOnce sync.Once
}

// SearcherOption configures a Searcher.
type SearcherOption func(*Searcher)

// WithIndex attaches a semantic index. Without one, scoring is keyword-only.
func WithIndex(idx Index) SearcherOption {
	return func(s *Searcher) { s.index = idx }
}

// WithExpander attaches a chat model used to expand queries with related
// security terms. Expansion is best-effort; failures fall back to the raw
// query.
func WithExpander(p watchtower.Provider) SearcherOption {
	return func(s *Searcher) { s.expander = p }
}

// WithLogger sets a structured logger for the searcher.
func WithLogger(l *slog.Logger) SearcherOption {
	return func(s *Searcher) { s.logger = l }
}

// NewSearcher creates a Searcher over the archive.
func NewSearcher(store Archive, opts ...SearcherOption) *Searcher {
	s := &Searcher{store: store, logger: watchtower.NopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search returns up to k events ranked by the hybrid score. No candidates is
// an empty slice, never an error.
func (s *Searcher) Search(ctx context.Context, query string, k int, f Filters) ([]Result, error) {
	if k <= 0 {
		return []Result{}, nil
	}
	start := time.Now()

	tokens := Tokenize(s.expand(ctx, query))

	var startTS, endTS string
	if !f.Start.IsZero() {
		startTS = watchtower.CanonicalTimestamp(f.Start)
	}
	if !f.End.IsZero() {
		endTS = watchtower.CanonicalTimestamp(f.End)
	}
	pool, err := s.store.CandidatePool(ctx, f.AgentIDs, startTS, endTS, f.MinLevel, poolLimit)
	if err != nil {
		return nil, fmt.Errorf("retrieve: candidate pool: %w", err)
	}
	if len(pool) == 0 {
		return []Result{}, nil
	}

	keyword := keywordScores(pool, tokens)
	semantic := s.semanticScores(ctx, query, pool)

	merged := make(map[int64]float64, len(keyword)+len(semantic))
	for id, ks := range keyword {
		if ss, ok := semantic[id]; ok {
			if ss > ks {
				merged[id] = ss
			} else {
				merged[id] = ks
			}
		} else if len(semantic) > 0 {
			merged[id] = ks * keywordWeight
		} else {
			// keyword-only mode: no discount against an absent ranking
			merged[id] = ks
		}
	}
	for id, ss := range semantic {
		if _, ok := keyword[id]; !ok {
			merged[id] = ss * semanticWeight
		}
	}

	byID := make(map[int64]watchtower.Event, len(pool))
	for _, e := range pool {
		byID[e.ID] = e
	}
	results := make([]Result, 0, len(merged))
	for id, score := range merged {
		results = append(results, Result{Event: byID[id], Score: score})
	}
	sort.Slice(results, func(a, b int) bool {
		ra, rb := results[a], results[b]
		if ra.Score != rb.Score {
			return ra.Score > rb.Score
		}
		if ra.Event.RuleLevel != rb.Event.RuleLevel {
			return ra.Event.RuleLevel > rb.Event.RuleLevel
		}
		if ra.Event.Timestamp != rb.Event.Timestamp {
			return ra.Event.Timestamp > rb.Event.Timestamp
		}
		return ra.Event.ID < rb.Event.ID
	})
	if len(results) > k {
		results = results[:k]
	}
	s.logger.Debug("retrieve: search completed",
		"tokens", len(tokens), "pool", len(pool), "results", len(results),
		"semantic", len(semantic) > 0, "duration", time.Since(start))
	return results, nil
}

// keywordScores scores each candidate by matched token fraction weighted by
// rule severity, normalized to [0,1]. Candidates with no match are omitted.
func keywordScores(pool []watchtower.Event, tokens []string) map[int64]float64 {
	if len(tokens) == 0 {
		return nil
	}
	scores := make(map[int64]float64)
	for _, e := range pool {
		haystack := strings.ToLower(e.RuleDescription + " " + e.FullLog + " " + e.AgentName + " " + e.Location)
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(haystack, tok) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		frac := float64(matched) / float64(len(tokens))
		weight := 0.5 + 0.5*float64(e.RuleLevel)/15
		scores[e.ID] = frac * weight
	}
	return scores
}

// semanticScores queries the index and keeps scores for ids present in the
// pool. Index unavailability degrades to keyword-only and is logged once.
func (s *Searcher) semanticScores(ctx context.Context, query string, pool []watchtower.Event) map[int64]float64 {
	if s.index == nil || !s.index.Ready() {
		s.logDegraded(nil)
		return nil
	}
	matches, err := s.index.Query(ctx, query, len(pool))
	if err != nil {
		s.logDegraded(err)
		return nil
	}
	inPool := make(map[int64]bool, len(pool))
	for _, e := range pool {
		inPool[e.ID] = true
	}
	scores := make(map[int64]float64, len(matches))
	for _, m := range matches {
		if inPool[m.ID] {
			scores[m.ID] = m.Score
		}
	}
	return scores
}

func (s *Searcher) logDegraded(err error) {
	s.degradedOnce.Do(func() {
		s.logger.Warn("retrieve: semantic index unavailable, keyword-only scoring", "error", err)
	})
}

// expand asks the chat model for related security keywords and appends them
// to the query. Any failure returns the query unchanged.
func (s *Searcher) expand(ctx context.Context, query string) string {
	if s.expander == nil {
		return query
	}
	resp, err := s.expander.Chat(ctx, watchtower.ChatRequest{
		Messages: []watchtower.ChatMessage{
			watchtower.SystemMessage("Reply with up to five search keywords related to the security query, space-separated, nothing else."),
			watchtower.UserMessage(query),
		},
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return query
	}
	return query + " " + resp.Content
}
