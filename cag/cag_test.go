package cag

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kestrelsec/watchtower"
)

type fakeArchive struct {
	events []watchtower.Event // newest first
	maxID  int64
	loads  int
}

func (f *fakeArchive) RecentEvents(ctx context.Context, window time.Duration, minLevel, limit int) ([]watchtower.Event, error) {
	f.loads++
	if len(f.events) > limit {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func (f *fakeArchive) MaxID(ctx context.Context) (int64, error) {
	return f.maxID, nil
}

func makeEvents(n int) []watchtower.Event {
	events := make([]watchtower.Event, 0, n)
	for i := n; i >= 1; i-- { // newest first
		events = append(events, watchtower.Event{
			ID:              int64(i),
			Timestamp:       fmt.Sprintf("2025-01-01T00:00:%02d.000Z", i),
			AgentID:         "001",
			AgentName:       "web-01",
			Location:        "/var/log/auth.log",
			RuleID:          5710,
			RuleLevel:       5,
			RuleDescription: "sshd: authentication failed",
			FullLog:         fmt.Sprintf("Failed password attempt %d", i),
		})
	}
	return events
}

func TestRenderDeterministic(t *testing.T) {
	events := makeEvents(5)
	a := Render(events, 16000)
	b := Render(events, 16000)
	if a != b {
		t.Error("render is not deterministic for a fixed window")
	}
	if !strings.Contains(a, "Failed password attempt 5") {
		t.Error("raw log missing from rendered block")
	}
	if !strings.Contains(a, "[#5]") || !strings.Contains(a, "[#1]") {
		t.Error("expected all five events in the block")
	}
}

func TestRenderBudgetDropsOldestFirst(t *testing.T) {
	events := makeEvents(50)
	// a budget that fits only a handful of lines
	block := Render(events, 200)
	if len([]rune(block)) > 200*4 {
		t.Errorf("block is %d runes, exceeds budget", len([]rune(block)))
	}
	if !strings.Contains(block, "[#50]") {
		t.Error("newest event should survive truncation")
	}
	if strings.Contains(block, "[#1]") {
		t.Error("oldest event should be dropped first")
	}
}

func TestRenderEmptyWindow(t *testing.T) {
	block := Render(nil, 16000)
	if !strings.Contains(block, "no events") {
		t.Error("empty window should render a placeholder")
	}
}

func TestContextCachesUntilStale(t *testing.T) {
	f := &fakeArchive{events: makeEvents(3), maxID: 3}
	b := New(f, WithStaleAfter(10))
	ctx := context.Background()

	first, err := b.Context(ctx)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	// small advance: cache holds
	f.maxID = 8
	second, err := b.Context(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("cache invalidated below the staleness threshold")
	}
	if f.loads != 1 {
		t.Errorf("archive loaded %d times, want 1", f.loads)
	}

	// crossing the threshold rebuilds
	f.maxID = 13
	f.events = makeEvents(4)
	third, err := b.Context(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("stale cache was not rebuilt")
	}
	if f.loads != 2 {
		t.Errorf("archive loaded %d times, want 2", f.loads)
	}
}

func TestRebuildForcesRefresh(t *testing.T) {
	f := &fakeArchive{events: makeEvents(2), maxID: 2}
	b := New(f)
	ctx := context.Background()

	if _, err := b.Context(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	if f.loads != 2 {
		t.Errorf("archive loaded %d times, want 2 after explicit rebuild", f.loads)
	}
}
