// Package telegram implements the notification transport and the chat bot
// over the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/watchtower"
)

const (
	maxMessageLength = 4096
	defaultBaseURL   = "https://api.telegram.org"
)

// Subscriptions is the alert-monitor surface the bot commands drive.
type Subscriptions interface {
	Subscribe(recipient string) error
	Unsubscribe(recipient string)
	Subscribed(recipient string) bool
}

// Answerer turns free-form chat text into an assistant reply. The bridge
// dispatch loop satisfies this through a thin adapter in the command wiring.
type Answerer interface {
	Answer(ctx context.Context, chatID, text string) (string, error)
}

// StatusReporter renders the /status command body.
type StatusReporter interface {
	Status(ctx context.Context) (string, error)
}

// BotOption configures a Bot.
type BotOption func(*Bot)

// WithBaseURL overrides the Telegram API base URL (tests).
func WithBaseURL(u string) BotOption {
	return func(b *Bot) { b.baseURL = u }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) BotOption {
	return func(b *Bot) { b.httpClient = c }
}

// WithLogger sets a structured logger for the bot.
func WithLogger(l *slog.Logger) BotOption {
	return func(b *Bot) { b.logger = l }
}

// WithStatusReporter attaches the /status command source.
func WithStatusReporter(r StatusReporter) BotOption {
	return func(b *Bot) { b.status = r }
}

// Bot talks to the Telegram Bot API. It is both the watchtower.Notifier used
// by the alert monitor and the long-polling command frontend.
type Bot struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	subs   Subscriptions
	answer Answerer
	status StatusReporter
}

var _ watchtower.Notifier = (*Bot)(nil)

// NewBot creates a Bot. subs and answer may be nil when the bot is used as
// a send-only notifier.
func NewBot(token string, subs Subscriptions, answer Answerer, opts ...BotOption) *Bot {
	b := &Bot{
		token:      token,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
		logger:     watchtower.NopLogger,
		subs:       subs,
		answer:     answer,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SendMessage delivers text to one chat. Markdown is rendered to Telegram
// HTML; when Telegram rejects the HTML the message is resent as plain text.
// Messages over the 4096-char limit are split on line boundaries. A 403
// (user blocked the bot, chat deleted) wraps ErrRecipientBlocked.
func (b *Bot) SendMessage(ctx context.Context, recipient string, text string) error {
	for _, chunk := range splitMessage(text) {
		err := b.sendChunk(ctx, recipient, MarkdownToHTML(chunk), "HTML")
		if err != nil && !isPermanent(err) {
			// HTML rejected; retry the raw chunk without parse_mode
			err = b.sendChunk(ctx, recipient, chunk, "")
		}
		if err != nil {
			if isPermanent(err) {
				return fmt.Errorf("telegram: send to %s: %w", recipient, watchtower.ErrRecipientBlocked)
			}
			return fmt.Errorf("telegram: send to %s: %w", recipient, err)
		}
	}
	return nil
}

func (b *Bot) sendChunk(ctx context.Context, chatID, text, parseMode string) error {
	body := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}
	return b.callAPI(ctx, "sendMessage", body, nil)
}

// Poll long-polls for updates and dispatches commands until ctx is
// cancelled. It always returns ctx.Err(). Update failures that return
// immediately (connection refused, DNS) are retried with capped exponential
// backoff so the loop never spins against a dead endpoint.
func (b *Bot) Poll(ctx context.Context) error {
	var offset int64
	var failures int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			delay := pollBackoff(failures)
			b.logger.Warn("telegram: poll failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			b.handleMessage(ctx, u.Message)
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         30,
		"allowed_updates": []string{"message"},
	}
	var result []Update
	if err := b.callAPI(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Bot) handleMessage(ctx context.Context, m *Message) {
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	text := strings.TrimSpace(m.Text)

	var reply string
	switch command(text) {
	case "/subscribe":
		if b.subs == nil {
			reply = "Alerts are not available."
			break
		}
		if err := b.subs.Subscribe(chatID); err != nil {
			reply = "Could not subscribe: " + err.Error()
		} else {
			reply = "Subscribed. You will receive security alerts here."
		}
	case "/unsubscribe":
		if b.subs == nil {
			reply = "Alerts are not available."
			break
		}
		b.subs.Unsubscribe(chatID)
		reply = "Unsubscribed. No further alerts will be sent."
	case "/status":
		reply = b.statusReply(ctx, chatID)
	case "/start", "/help":
		reply = helpText
	default:
		reply = b.freeTextReply(ctx, chatID, text)
	}

	if reply == "" {
		return
	}
	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		b.logger.Warn("telegram: reply failed", "chat", chatID, "error", err)
	}
}

const helpText = `Security assistant commands:
/subscribe - receive security alerts in this chat
/unsubscribe - stop receiving alerts
/status - system status
Any other message is answered by the assistant.`

func (b *Bot) statusReply(ctx context.Context, chatID string) string {
	var sb strings.Builder
	if b.subs != nil {
		if b.subs.Subscribed(chatID) {
			sb.WriteString("Alerts: subscribed\n")
		} else {
			sb.WriteString("Alerts: not subscribed\n")
		}
	}
	if b.status != nil {
		s, err := b.status.Status(ctx)
		if err != nil {
			b.logger.Warn("telegram: status failed", "error", err)
			sb.WriteString("Status unavailable.")
		} else {
			sb.WriteString(s)
		}
	}
	return strings.TrimSpace(sb.String())
}

func (b *Bot) freeTextReply(ctx context.Context, chatID, text string) string {
	if b.answer == nil {
		return helpText
	}
	reply, err := b.answer.Answer(ctx, chatID, text)
	if err != nil {
		b.logger.Warn("telegram: answer failed", "chat", chatID, "error", err)
		if watchtower.KindOf(err) == watchtower.KindConflict {
			return "I'm still working on your previous question."
		}
		return "Something went wrong answering that. Please try again."
	}
	return reply
}

// command extracts the leading bot command, stripping an @botname suffix.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0]
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd
}

// callAPI posts JSON to a Bot API method and decodes the result envelope.
func (b *Bot) callAPI(ctx context.Context, method string, reqBody any, result any) error {
	url := b.baseURL + "/bot" + b.token + "/" + method

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w", err)
	}
	if !envelope.OK {
		return &apiError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

// apiError is a Telegram API error response.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// isPermanent reports whether err means this chat will never accept
// messages again (user blocked the bot, chat deleted, bot kicked).
func isPermanent(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Code == 403
}

// pollBackoff doubles per consecutive failure, capped at one minute.
func pollBackoff(failures int) time.Duration {
	const maxDelay = time.Minute
	d := time.Second
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// splitMessage splits text into chunks within Telegram's 4096-char limit,
// preferring line boundaries. Cuts land on rune boundaries, never inside a
// multi-byte sequence.
func splitMessage(text string) []string {
	runes := []rune(text)
	if len(runes) <= maxMessageLength {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxMessageLength {
			chunks = append(chunks, string(runes))
			break
		}
		cut := maxMessageLength
		for i := maxMessageLength - 1; i >= 0; i-- {
			if runes[i] == '\n' {
				cut = i + 1 // keep the newline in the current chunk
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}
