// Package report generates and delivers scheduled severity summaries.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/archive"
)

// Archive is the aggregate slice of the event archive a report reads.
type Archive interface {
	RecentEvents(ctx context.Context, window time.Duration, minLevel, limit int) ([]watchtower.Event, error)
	AgentStats(ctx context.Context) ([]archive.AgentStat, error)
	RuleStats(ctx context.Context, limit int) ([]archive.RuleStat, error)
}

// Recipients lists where reports are delivered. The alert monitor's
// subscriber set satisfies it.
type Recipients interface {
	Recipients() []string
}

// Thresholds are the severity band boundaries for the summary.
type Thresholds struct {
	Critical int
	High     int
	Medium   int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSynthesis attaches a chat model that rewrites the raw summary into
// prose. Synthesis is best-effort; failures fall back to the raw summary.
func WithSynthesis(p watchtower.Provider) SchedulerOption {
	return func(s *Scheduler) { s.provider = p }
}

// WithLogger sets a structured logger for the scheduler.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithThresholds overrides the default severity bands.
func WithThresholds(t Thresholds) SchedulerOption {
	return func(s *Scheduler) { s.thresholds = t }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler delivers a periodic severity report to the alert subscribers.
// The schedule string is "hourly" or "daily HH:MM" (UTC).
type Scheduler struct {
	store      Archive
	recipients Recipients
	notifier   watchtower.Notifier
	provider   watchtower.Provider
	schedule   string
	thresholds Thresholds
	logger     *slog.Logger
	now        func() time.Time
}

// NewScheduler creates a Scheduler. It does not validate the schedule here;
// ParseSchedule should be called at config time.
func NewScheduler(store Archive, recipients Recipients, notifier watchtower.Notifier, schedule string, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:      store,
		recipients: recipients,
		notifier:   notifier,
		schedule:   schedule,
		thresholds: Thresholds{
			Critical: watchtower.DefaultCriticalLevel,
			High:     watchtower.DefaultHighLevel,
			Medium:   watchtower.DefaultMediumLevel,
		},
		logger: watchtower.NopLogger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run blocks until ctx is cancelled, delivering a report at each scheduled
// time. Returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("report: scheduler started", "schedule", s.schedule)
	for {
		next, err := NextRun(s.schedule, s.now())
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("report: scheduler stopped")
			return ctx.Err()
		case <-timer.C:
			if err := s.Deliver(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("report: delivery failed", "error", err)
			}
		}
	}
}

// Deliver renders one report and sends it to every recipient now.
func (s *Scheduler) Deliver(ctx context.Context) error {
	recipients := s.recipients.Recipients()
	if len(recipients) == 0 {
		return nil
	}

	body, err := s.render(ctx)
	if err != nil {
		return err
	}
	if s.provider != nil {
		body = s.synthesize(ctx, body)
	}

	for _, r := range recipients {
		if err := s.notifier.SendMessage(ctx, r, body); err != nil {
			s.logger.Warn("report: send failed", "recipient", r, "error", err)
		}
	}
	s.logger.Info("report: delivered", "recipients", len(recipients))
	return nil
}

// reportWindow is the lookback for the severity summary.
const reportWindow = 24 * time.Hour

// render builds the raw markdown report from archive aggregates.
func (s *Scheduler) render(ctx context.Context) (string, error) {
	events, err := s.store.RecentEvents(ctx, reportWindow, 0, 1000)
	if err != nil {
		return "", fmt.Errorf("report: recent events: %w", err)
	}

	var critical, high, medium, low int
	for _, ev := range events {
		switch watchtower.SeverityBand(ev.RuleLevel, s.thresholds.Critical, s.thresholds.High, s.thresholds.Medium) {
		case "critical":
			critical++
		case "high":
			high++
		case "medium":
			medium++
		default:
			low++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "**Security report** (%s, last %dh)\n\n", s.now().UTC().Format("2006-01-02 15:04"), int(reportWindow.Hours()))
	fmt.Fprintf(&sb, "Events: %d total, %d critical, %d high, %d medium, %d low\n",
		len(events), critical, high, medium, low)

	agents, err := s.store.AgentStats(ctx)
	if err != nil {
		return "", fmt.Errorf("report: agent stats: %w", err)
	}
	if len(agents) > 0 {
		sb.WriteString("\nTop agents:\n")
		for i, a := range agents {
			if i == 5 {
				break
			}
			fmt.Fprintf(&sb, "- %s (%s): %d events, max level %d\n", a.AgentName, a.AgentID, a.Count, a.MaxLevel)
		}
	}

	rules, err := s.store.RuleStats(ctx, 5)
	if err != nil {
		return "", fmt.Errorf("report: rule stats: %w", err)
	}
	if len(rules) > 0 {
		sb.WriteString("\nTop rules:\n")
		for _, r := range rules {
			fmt.Fprintf(&sb, "- %d L%d %s: %d hits\n", r.RuleID, r.RuleLevel, r.RuleDescription, r.Count)
		}
	}

	return sb.String(), nil
}

// synthesize rewrites the raw summary into analyst prose. Any failure keeps
// the raw summary.
func (s *Scheduler) synthesize(ctx context.Context, raw string) string {
	system := "You are a security operations assistant. Rewrite the report below " +
		"as a short analyst briefing. Keep all counts exact; do not invent findings.\n\n" + raw
	resp, err := s.provider.Chat(ctx, watchtower.ChatRequest{
		Messages: []watchtower.ChatMessage{
			watchtower.SystemMessage(system),
			watchtower.UserMessage("Write the briefing."),
		},
	})
	if err != nil || resp.Content == "" {
		s.logger.Warn("report: synthesis failed, using raw summary", "error", err)
		return raw
	}
	return resp.Content
}

// ParseSchedule validates a schedule string.
func ParseSchedule(schedule string) error {
	_, err := NextRun(schedule, time.Now())
	return err
}

// NextRun computes the next delivery time strictly after now.
// "hourly" fires at the top of each hour; "daily HH:MM" fires once a day at
// the given UTC time.
func NextRun(schedule string, now time.Time) (time.Time, error) {
	now = now.UTC()
	switch {
	case schedule == "hourly":
		return now.Truncate(time.Hour).Add(time.Hour), nil
	case strings.HasPrefix(schedule, "daily "):
		at, err := time.Parse("15:04", strings.TrimPrefix(schedule, "daily "))
		if err != nil {
			return time.Time{}, watchtower.E(watchtower.KindBadInput, "report.schedule",
				fmt.Sprintf("invalid daily time in %q", schedule), err)
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	default:
		return time.Time{}, watchtower.E(watchtower.KindBadInput, "report.schedule",
			fmt.Sprintf("unsupported schedule %q", schedule), nil)
	}
}
