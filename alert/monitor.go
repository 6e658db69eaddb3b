// Package alert watches the archive for new high-severity events and fans
// compact notifications out to subscribers.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kestrelsec/watchtower"
)

// Archive is the slice of the event store the monitor polls.
type Archive interface {
	TopBySeverity(ctx context.Context, minLevel, limit int) ([]watchtower.Event, error)
}

// Config carries the monitor thresholds. Zero values take defaults.
type Config struct {
	PollInterval  time.Duration // default 10s
	MinLevel      int           // default 5
	CriticalLevel int           // default 8
	HighLevel     int           // default 6
	SubscriberCap int           // default 100
	DeliveredCap  int           // delivered-set size before eviction, default 1000
	DeliveredKeep int           // ids retained on eviction, default 500
	MaxPerHour    int           // per-recipient send cap, default 20
	Cooldown      time.Duration // minimum gap between sends per recipient, default 30s
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MinLevel <= 0 {
		c.MinLevel = watchtower.DefaultMediumLevel
	}
	if c.CriticalLevel <= 0 {
		c.CriticalLevel = watchtower.DefaultCriticalLevel
	}
	if c.HighLevel <= 0 {
		c.HighLevel = watchtower.DefaultHighLevel
	}
	if c.SubscriberCap <= 0 {
		c.SubscriberCap = 100
	}
	if c.DeliveredCap <= 0 {
		c.DeliveredCap = 1000
	}
	if c.DeliveredKeep <= 0 {
		c.DeliveredKeep = 500
	}
	if c.MaxPerHour <= 0 {
		c.MaxPerHour = 20
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
}

const pollBatch = 5

// Monitor polls for fresh severe events and notifies subscribers. It starts
// its poll loop when the first subscriber arrives and stops, clearing the
// delivered set, when the last one leaves.
type Monitor struct {
	store    Archive
	notifier watchtower.Notifier
	logger   *slog.Logger
	source   func() Config
	cfg      Config // guarded by mu once the loop runs

	mu          sync.Mutex
	subscribers map[string]bool
	delivered   map[int64]bool
	sendWindow  map[string][]time.Time
	lastSend    map[string]time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets a structured logger for the monitor.
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithConfigSource attaches a live configuration getter. The monitor
// re-reads it at every poll tick, so admin changes to thresholds and the
// poll interval apply without a restart.
func WithConfigSource(fn func() Config) MonitorOption {
	return func(m *Monitor) { m.source = fn }
}

// NewMonitor creates a Monitor over the archive and notification transport.
func NewMonitor(store Archive, notifier watchtower.Notifier, cfg Config, opts ...MonitorOption) *Monitor {
	cfg.applyDefaults()
	m := &Monitor{
		store:       store,
		notifier:    notifier,
		logger:      watchtower.NopLogger,
		cfg:         cfg,
		subscribers: make(map[string]bool),
		delivered:   make(map[int64]bool),
		sendWindow:  make(map[string][]time.Time),
		lastSend:    make(map[string]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Subscribe adds a recipient. The first subscriber starts the poll loop.
func (m *Monitor) Subscribe(recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribers[recipient] {
		return nil
	}
	if len(m.subscribers) >= m.cfg.SubscriberCap {
		return watchtower.E(watchtower.KindConflict, "alert.Subscribe", "subscriber limit reached", nil)
	}
	m.subscribers[recipient] = true
	if len(m.subscribers) == 1 {
		m.startLocked()
	}
	m.logger.Info("alert: subscribed", "recipient", recipient, "subscribers", len(m.subscribers))
	return nil
}

// Unsubscribe removes a recipient. When the set empties, the poll loop stops
// and the delivered set is cleared; re-subscription starts fresh.
func (m *Monitor) Unsubscribe(recipient string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.subscribers[recipient] {
		return
	}
	delete(m.subscribers, recipient)
	m.logger.Info("alert: unsubscribed", "recipient", recipient, "subscribers", len(m.subscribers))
	if len(m.subscribers) == 0 {
		m.stopLocked()
	}
}

// Subscribed reports whether the recipient is in the set.
func (m *Monitor) Subscribed(recipient string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribers[recipient]
}

// SubscriberCount returns the current subscriber set size.
func (m *Monitor) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

// Recipients returns the subscriber set in sorted order.
func (m *Monitor) Recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscribers))
	for r := range m.subscribers {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Stop shuts the poll loop down regardless of subscribers and waits for it
// to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	done := m.done
	m.stopLocked()
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// startLocked launches the poll loop. Caller holds m.mu.
func (m *Monitor) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	m.logger.Info("alert: monitor started", "interval", m.cfg.PollInterval)
}

// stopLocked cancels the loop and clears delivery state without waiting.
// The poll goroutine prunes blocked recipients through Unsubscribe, so the
// stop path must never block on the loop's own exit. Caller holds m.mu.
func (m *Monitor) stopLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.done = nil
	m.delivered = make(map[int64]bool)
	m.logger.Info("alert: monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := m.snapshotCfg().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reload()
			if next := m.snapshotCfg().PollInterval; next != interval {
				m.logger.Info("alert: poll interval updated", "old", interval, "new", next)
				interval = next
				ticker.Reset(interval)
			}
			if err := m.tick(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("alert: tick failed", "error", err)
			}
		}
	}
}

// reload swaps in the live configuration when a source is attached.
func (m *Monitor) reload() {
	if m.source == nil {
		return
	}
	c := m.source()
	c.applyDefaults()
	m.mu.Lock()
	m.cfg = c
	m.mu.Unlock()
}

func (m *Monitor) snapshotCfg() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// tick runs one poll round: fetch, dedupe, render, fan out.
func (m *Monitor) tick(ctx context.Context) error {
	cfg := m.snapshotCfg()
	events, err := m.store.TopBySeverity(ctx, cfg.MinLevel, pollBatch)
	if err != nil {
		return err
	}

	fresh := m.claimFresh(events)
	if len(fresh) == 0 {
		return nil
	}

	msg := renderNotification(fresh, cfg.CriticalLevel, cfg.HighLevel)
	m.fanOut(ctx, msg)
	return nil
}

// claimFresh filters out already-delivered events, records the survivors,
// and evicts the delivered set if it outgrew its cap.
func (m *Monitor) claimFresh(events []watchtower.Event) []watchtower.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fresh []watchtower.Event
	for _, e := range events {
		if m.delivered[e.ID] {
			continue
		}
		m.delivered[e.ID] = true
		fresh = append(fresh, e)
	}

	if len(m.delivered) > m.cfg.DeliveredCap {
		ids := make([]int64, 0, len(m.delivered))
		for id := range m.delivered {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(a, b int) bool { return ids[a] > ids[b] })
		kept := make(map[int64]bool, m.cfg.DeliveredKeep)
		for _, id := range ids[:m.cfg.DeliveredKeep] {
			kept[id] = true
		}
		m.delivered = kept
		m.logger.Debug("alert: delivered set evicted", "kept", len(kept))
	}
	return fresh
}

// fanOut sends msg to every subscriber, honoring per-recipient rate caps.
// Recipients that permanently reject delivery are pruned.
func (m *Monitor) fanOut(ctx context.Context, msg string) {
	m.mu.Lock()
	recipients := make([]string, 0, len(m.subscribers))
	for r := range m.subscribers {
		recipients = append(recipients, r)
	}
	m.mu.Unlock()
	sort.Strings(recipients)

	for _, r := range recipients {
		if !m.allowSend(r) {
			m.logger.Debug("alert: rate capped", "recipient", r)
			continue
		}
		if err := m.notifier.SendMessage(ctx, r, msg); err != nil {
			if watchtower.IsPermanentDeliveryFailure(err) {
				m.logger.Info("alert: pruning blocked recipient", "recipient", r)
				m.Unsubscribe(r)
				continue
			}
			m.logger.Warn("alert: delivery failed", "recipient", r, "error", err)
		}
	}
}

// allowSend applies the sliding-window hourly cap and the cooldown for one
// recipient, recording the send when allowed.
func (m *Monitor) allowSend(recipient string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Hour)
	window := m.sendWindow[recipient]
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	window = window[i:]

	if len(window) >= m.cfg.MaxPerHour {
		m.sendWindow[recipient] = window
		return false
	}
	if last, ok := m.lastSend[recipient]; ok && now.Sub(last) < m.cfg.Cooldown {
		m.sendWindow[recipient] = window
		return false
	}

	m.sendWindow[recipient] = append(window, now)
	m.lastSend[recipient] = now
	return true
}

// band line caps per notification
const (
	maxCriticalLines = 3
	maxHighLines     = 2
	maxMediumLines   = 1
)

// renderNotification builds one compact message for a tick's fresh events.
func renderNotification(events []watchtower.Event, criticalLevel, highLevel int) string {
	var critical, high, medium []watchtower.Event
	for _, e := range events {
		switch {
		case e.RuleLevel >= criticalLevel:
			critical = append(critical, e)
		case e.RuleLevel >= highLevel:
			high = append(high, e)
		default:
			medium = append(medium, e)
		}
	}

	var sb strings.Builder
	sb.WriteString("Security alert\n")
	overflow := 0
	overflow += writeBand(&sb, "CRITICAL", critical, maxCriticalLines)
	overflow += writeBand(&sb, "HIGH", high, maxHighLines)
	overflow += writeBand(&sb, "MEDIUM", medium, maxMediumLines)
	if overflow > 0 {
		fmt.Fprintf(&sb, "(+%d more events)\n", overflow)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeBand(sb *strings.Builder, label string, events []watchtower.Event, maxLines int) (overflow int) {
	for i, e := range events {
		if i >= maxLines {
			return len(events) - maxLines
		}
		fmt.Fprintf(sb, "[%s] #%d L%d %s on %s (%s)\n",
			label, e.ID, e.RuleLevel, e.RuleDescription, e.AgentName, e.Timestamp)
	}
	return 0
}
