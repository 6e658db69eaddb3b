package report

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/archive"
)

type fakeArchive struct {
	events []watchtower.Event
	agents []archive.AgentStat
	rules  []archive.RuleStat
}

func (f *fakeArchive) RecentEvents(context.Context, time.Duration, int, int) ([]watchtower.Event, error) {
	return f.events, nil
}
func (f *fakeArchive) AgentStats(context.Context) ([]archive.AgentStat, error) { return f.agents, nil }
func (f *fakeArchive) RuleStats(context.Context, int) ([]archive.RuleStat, error) {
	return f.rules, nil
}

type fixedRecipients []string

func (f fixedRecipients) Recipients() []string { return f }

type fakeNotifier struct {
	sent map[string][]string
}

func (f *fakeNotifier) SendMessage(_ context.Context, recipient, text string) error {
	if f.sent == nil {
		f.sent = map[string][]string{}
	}
	f.sent[recipient] = append(f.sent[recipient], text)
	return nil
}

type fakeProvider struct {
	content string
	err     error
}

func (f *fakeProvider) Chat(context.Context, watchtower.ChatRequest) (watchtower.ChatResponse, error) {
	if f.err != nil {
		return watchtower.ChatResponse{}, f.err
	}
	return watchtower.ChatResponse{Content: f.content}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req watchtower.ChatRequest, ch chan<- string) (watchtower.ChatResponse, error) {
	close(ch)
	return f.Chat(ctx, req)
}

func (f *fakeProvider) Name() string { return "fake" }

func testEvents() []watchtower.Event {
	return []watchtower.Event{
		{ID: 1, RuleLevel: 12, RuleDescription: "shellshock attempt", AgentName: "web01"},
		{ID: 2, RuleLevel: 7, RuleDescription: "auth failures", AgentName: "web01"},
		{ID: 3, RuleLevel: 5, RuleDescription: "fw drop", AgentName: "db01"},
		{ID: 4, RuleLevel: 3, RuleDescription: "login ok", AgentName: "db01"},
	}
}

func TestDeliverRendersSeverityCounts(t *testing.T) {
	store := &fakeArchive{
		events: testEvents(),
		agents: []archive.AgentStat{{AgentID: "001", AgentName: "web01", Count: 2, MaxLevel: 12}},
		rules:  []archive.RuleStat{{RuleID: 31168, RuleLevel: 12, RuleDescription: "shellshock attempt", Count: 1}},
	}
	notifier := &fakeNotifier{}
	s := NewScheduler(store, fixedRecipients{"7", "9"}, notifier, "hourly")

	if err := s.Deliver(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(notifier.sent["7"]) != 1 || len(notifier.sent["9"]) != 1 {
		t.Fatalf("sent = %+v", notifier.sent)
	}
	body := notifier.sent["7"][0]
	for _, want := range []string{"1 critical", "1 high", "1 medium", "1 low", "web01", "31168"} {
		if !strings.Contains(body, want) {
			t.Errorf("report missing %q:\n%s", want, body)
		}
	}
}

func TestDeliverNoRecipientsIsQuiet(t *testing.T) {
	notifier := &fakeNotifier{}
	s := NewScheduler(&fakeArchive{}, fixedRecipients{}, notifier, "hourly")
	if err := s.Deliver(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(notifier.sent) != 0 {
		t.Errorf("sent = %+v", notifier.sent)
	}
}

func TestSynthesisReplacesBody(t *testing.T) {
	notifier := &fakeNotifier{}
	s := NewScheduler(&fakeArchive{events: testEvents()}, fixedRecipients{"7"}, notifier, "hourly",
		WithSynthesis(&fakeProvider{content: "All quiet except one shellshock attempt."}))

	if err := s.Deliver(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := notifier.sent["7"][0]; got != "All quiet except one shellshock attempt." {
		t.Errorf("body = %q", got)
	}
}

func TestSynthesisFailureFallsBackToRawSummary(t *testing.T) {
	notifier := &fakeNotifier{}
	s := NewScheduler(&fakeArchive{events: testEvents()}, fixedRecipients{"7"}, notifier, "hourly",
		WithSynthesis(&fakeProvider{err: &watchtower.ErrLLM{Provider: "fake", Message: "down"}}))

	if err := s.Deliver(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(notifier.sent["7"][0], "Security report") {
		t.Errorf("body = %q", notifier.sent["7"][0])
	}
}

func TestNextRun(t *testing.T) {
	base := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)

	next, err := NextRun("hourly", base)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("hourly next = %v", next)
	}

	next, err = NextRun("daily 08:00", base)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 8, 26, 8, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("daily next (past today) = %v", next)
	}

	next, err = NextRun("daily 23:15", base)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 8, 25, 23, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("daily next (later today) = %v", next)
	}

	for _, bad := range []string{"weekly", "daily", "daily 25:00", ""} {
		if _, err := NextRun(bad, base); err == nil {
			t.Errorf("NextRun(%q) accepted", bad)
		}
	}
	if _, err := NextRun("daily 25:00", base); watchtower.KindOf(err) != watchtower.KindBadInput {
		t.Errorf("kind = %v", watchtower.KindOf(err))
	}
}
