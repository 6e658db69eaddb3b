package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrelsec/watchtower"
)

type fakeArchive struct {
	mu     sync.Mutex
	events []watchtower.Event
	err    error
}

func (f *fakeArchive) TopBySeverity(ctx context.Context, minLevel, limit int) ([]watchtower.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []watchtower.Event
	for _, e := range f.events {
		if e.RuleLevel >= minLevel {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeArchive) set(events []watchtower.Event) {
	f.mu.Lock()
	f.events = events
	f.mu.Unlock()
}

type sent struct {
	recipient string
	text      string
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []sent
	blocked map[string]bool
}

func (f *fakeNotifier) SendMessage(ctx context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked[recipient] {
		return fmt.Errorf("send to %s: %w", recipient, watchtower.ErrRecipientBlocked)
	}
	f.sent = append(f.sent, sent{recipient: recipient, text: text})
	return nil
}

func (f *fakeNotifier) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func newTestMonitor(store Archive, n watchtower.Notifier) *Monitor {
	// long interval keeps the background loop quiet; tests drive tick directly
	return NewMonitor(store, n, Config{PollInterval: time.Hour})
}

func TestTickNotifiesEachSubscriberOnce(t *testing.T) {
	store := &fakeArchive{events: []watchtower.Event{
		{ID: 42, RuleLevel: 12, RuleDescription: "Shellshock attack detected", AgentName: "web-01", Timestamp: "2025-03-10T14:22:05.123Z"},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(store, notifier)
	defer m.Stop()

	if err := m.Subscribe("chat-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Subscribe("chat-2"); err != nil {
		t.Fatal(err)
	}

	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	msgs := notifier.messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(msgs))
	}
	seen := map[string]bool{}
	for _, s := range msgs {
		seen[s.recipient] = true
		if !strings.Contains(s.text, "42") {
			t.Errorf("notification to %s lacks the event id: %q", s.recipient, s.text)
		}
	}
	if !seen["chat-1"] || !seen["chat-2"] {
		t.Errorf("recipients = %v", seen)
	}

	// second tick with no new events stays silent
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(notifier.messages()); got != 2 {
		t.Errorf("repeat tick re-delivered: %d messages", got)
	}
}

func TestTickBelowThresholdIsSilent(t *testing.T) {
	store := &fakeArchive{events: []watchtower.Event{
		{ID: 1, RuleLevel: 3, RuleDescription: "informational"},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(store, notifier)
	defer m.Stop()

	if err := m.Subscribe("chat-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(notifier.messages()); got != 0 {
		t.Errorf("got %d deliveries for sub-threshold events", got)
	}
}

func TestNewEventsAfterFirstTickAreDelivered(t *testing.T) {
	store := &fakeArchive{events: []watchtower.Event{
		{ID: 10, RuleLevel: 8, RuleDescription: "first"},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(store, notifier)
	defer m.Stop()

	if err := m.Subscribe("chat-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	store.set([]watchtower.Event{
		{ID: 11, RuleLevel: 9, RuleDescription: "second"},
		{ID: 10, RuleLevel: 8, RuleDescription: "first"},
	})
	// cooldown would swallow the second send; reset it for the test
	m.mu.Lock()
	m.lastSend = map[string]time.Time{}
	m.mu.Unlock()

	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := notifier.messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(msgs))
	}
	last := msgs[len(msgs)-1].text
	if !strings.Contains(last, "#11") || strings.Contains(last, "#10") {
		t.Errorf("second notification should cover only the new event: %q", last)
	}
}

func TestBlockedRecipientIsPruned(t *testing.T) {
	store := &fakeArchive{events: []watchtower.Event{
		{ID: 1, RuleLevel: 10, RuleDescription: "attack"},
	}}
	notifier := &fakeNotifier{blocked: map[string]bool{"chat-1": true}}
	m := newTestMonitor(store, notifier)
	defer m.Stop()

	if err := m.Subscribe("chat-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Subscribe("chat-2"); err != nil {
		t.Fatal(err)
	}
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if m.Subscribed("chat-1") {
		t.Error("blocked recipient still subscribed")
	}
	if !m.Subscribed("chat-2") {
		t.Error("healthy recipient was pruned")
	}
	msgs := notifier.messages()
	if len(msgs) != 1 || msgs[0].recipient != "chat-2" {
		t.Errorf("deliveries = %+v", msgs)
	}
}

func TestCooldownSuppressesBackToBackSends(t *testing.T) {
	store := &fakeArchive{events: []watchtower.Event{
		{ID: 1, RuleLevel: 10, RuleDescription: "one"},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(store, notifier)
	defer m.Stop()

	if err := m.Subscribe("chat-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	store.set([]watchtower.Event{{ID: 2, RuleLevel: 10, RuleDescription: "two"}})
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(notifier.messages()); got != 1 {
		t.Errorf("cooldown did not suppress the immediate resend: %d deliveries", got)
	}
}

func TestHourlyCap(t *testing.T) {
	notifier := &fakeNotifier{}
	m := NewMonitor(&fakeArchive{}, notifier, Config{PollInterval: time.Hour, MaxPerHour: 3, Cooldown: time.Nanosecond})
	defer m.Stop()

	allowed := 0
	for i := 0; i < 10; i++ {
		if m.allowSend("chat-1") {
			allowed++
		}
		time.Sleep(time.Microsecond)
	}
	if allowed != 3 {
		t.Errorf("allowed %d sends, want 3", allowed)
	}
}

func TestDeliveredSetEviction(t *testing.T) {
	m := NewMonitor(&fakeArchive{}, &fakeNotifier{}, Config{PollInterval: time.Hour, DeliveredCap: 10, DeliveredKeep: 5})
	defer m.Stop()

	var events []watchtower.Event
	for i := int64(1); i <= 11; i++ {
		events = append(events, watchtower.Event{ID: i, RuleLevel: 8})
	}
	m.claimFresh(events)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.delivered) != 5 {
		t.Fatalf("delivered set size = %d, want 5", len(m.delivered))
	}
	for i := int64(7); i <= 11; i++ {
		if !m.delivered[i] {
			t.Errorf("eviction dropped recent id %d", i)
		}
	}
	if m.delivered[1] {
		t.Error("eviction kept the oldest id")
	}
}

func TestLastUnsubscribeClearsDeliveredSet(t *testing.T) {
	store := &fakeArchive{events: []watchtower.Event{
		{ID: 5, RuleLevel: 10, RuleDescription: "attack"},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(store, notifier)

	if err := m.Subscribe("chat-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Unsubscribe("chat-1")
	if m.SubscriberCount() != 0 {
		t.Fatal("subscriber still present")
	}

	// a fresh subscription starts over: the same event is delivered again
	if err := m.Subscribe("chat-1"); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	m.mu.Lock()
	m.lastSend = map[string]time.Time{}
	m.mu.Unlock()
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(notifier.messages()); got != 2 {
		t.Errorf("got %d deliveries, want redelivery after restart", got)
	}
}

func TestSubscriberCap(t *testing.T) {
	m := NewMonitor(&fakeArchive{}, &fakeNotifier{}, Config{PollInterval: time.Hour, SubscriberCap: 2})
	defer m.Stop()

	if err := m.Subscribe("a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Subscribe("b"); err != nil {
		t.Fatal(err)
	}
	err := m.Subscribe("c")
	if err == nil {
		t.Fatal("expected an error at the subscriber cap")
	}
	if watchtower.KindOf(err) != watchtower.KindConflict {
		t.Errorf("err = %v, want conflict", err)
	}
}

func TestConfigSourceAppliesWithoutRestart(t *testing.T) {
	// admin raises then lowers the threshold while the monitor runs
	store := &fakeArchive{events: []watchtower.Event{
		{ID: 1, RuleLevel: 6, RuleDescription: "suspicious login"},
	}}
	notifier := &fakeNotifier{}

	var mu sync.Mutex
	minLevel := 9
	source := func() Config {
		mu.Lock()
		defer mu.Unlock()
		return Config{PollInterval: time.Hour, MinLevel: minLevel}
	}
	m := NewMonitor(store, notifier, source(), WithConfigSource(source))
	defer m.Stop()

	if err := m.Subscribe("chat-1"); err != nil {
		t.Fatal(err)
	}
	m.reload()
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(notifier.messages()); got != 0 {
		t.Fatalf("level-6 event delivered under a level-9 threshold: %d messages", got)
	}

	mu.Lock()
	minLevel = 5
	mu.Unlock()
	m.reload()
	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(notifier.messages()); got != 1 {
		t.Errorf("lowered threshold not applied: %d messages", got)
	}
}

func TestConfigSourceUpdatesPollInterval(t *testing.T) {
	var mu sync.Mutex
	interval := time.Hour
	source := func() Config {
		mu.Lock()
		defer mu.Unlock()
		return Config{PollInterval: interval}
	}
	m := NewMonitor(&fakeArchive{}, &fakeNotifier{}, source(), WithConfigSource(source))
	defer m.Stop()

	mu.Lock()
	interval = time.Minute
	mu.Unlock()
	m.reload()
	if got := m.snapshotCfg().PollInterval; got != time.Minute {
		t.Errorf("PollInterval = %v, want 1m after reload", got)
	}
}

func TestRenderNotificationBands(t *testing.T) {
	events := []watchtower.Event{
		{ID: 1, RuleLevel: 12, RuleDescription: "crit-a", AgentName: "web-01"},
		{ID: 2, RuleLevel: 10, RuleDescription: "crit-b", AgentName: "web-01"},
		{ID: 3, RuleLevel: 9, RuleDescription: "crit-c", AgentName: "web-02"},
		{ID: 4, RuleLevel: 8, RuleDescription: "crit-d", AgentName: "web-02"},
		{ID: 5, RuleLevel: 6, RuleDescription: "high-a", AgentName: "db-01"},
	}
	msg := renderNotification(events, 8, 6)

	if !strings.Contains(msg, "crit-a") || !strings.Contains(msg, "crit-c") {
		t.Errorf("missing critical lines:\n%s", msg)
	}
	if strings.Contains(msg, "crit-d") {
		t.Errorf("fourth critical should overflow, not render:\n%s", msg)
	}
	if !strings.Contains(msg, "high-a") {
		t.Errorf("missing high line:\n%s", msg)
	}
	if !strings.Contains(msg, "(+1 more events)") {
		t.Errorf("missing overflow tail:\n%s", msg)
	}
}
