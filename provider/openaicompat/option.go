package openaicompat

import (
	"log/slog"
	"net/http"
)

// ProviderOption configures a Provider at construction time.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported by Name() and carried in
// error values (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float64) ProviderOption {
	return func(p *Provider) { p.temperature = &t }
}

// WithTopP sets nucleus sampling on every request.
func WithTopP(v float64) ProviderOption {
	return func(p *Provider) { p.topP = &v }
}

// WithMaxTokens caps the completion length on every request.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// WithToolChoice sets the tool_choice field ("auto", "none", "required",
// or a specific-function object) on requests that carry tools.
func WithToolChoice(v any) ProviderOption {
	return func(p *Provider) { p.toolChoice = v }
}

// WithProviderLogger sets a structured logger.
func WithProviderLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}
