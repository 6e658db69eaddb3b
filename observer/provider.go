package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelsec/watchtower"
)

// ObservedProvider wraps a watchtower.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner watchtower.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider.
func WrapProvider(inner watchtower.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

var _ watchtower.Provider = (*ObservedProvider)(nil)

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req watchtower.ChatRequest) (watchtower.ChatResponse, error) {
	spanName := "llm.chat"
	method := "chat"
	if len(req.Tools) > 0 {
		spanName = "llm.chat_with_tools"
		method = "chat_with_tools"
	}
	ctx, span := o.inst.Tracer.Start(ctx, spanName, trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	o.record(ctx, span, method, err, time.Since(start), resp.Usage)
	return resp, err
}

func (o *ObservedProvider) ChatStream(ctx context.Context, req watchtower.ChatRequest, ch chan<- string) (watchtower.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Forward tokens through a buffered inner channel so the wrapped
	// provider never blocks on the caller's channel.
	inner := make(chan string, max(cap(ch), 64))
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for tok := range inner {
			chunks++
			select {
			case ch <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.ChatStream(ctx, req, inner)
	<-done

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, "chat_stream", err, time.Since(start), resp.Usage)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, method string, err error, d time.Duration, usage watchtower.Usage) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
	)

	base := []attribute.KeyValue{
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	}
	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens),
		metric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens),
		metric.WithAttributes(append(base, attribute.String("direction", "output"))...))
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(append(base,
		AttrLLMMethod.String(method),
		attribute.String("status", status))...))
	o.inst.LLMDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(append(base, AttrLLMMethod.String(method))...))
}

// ObservedEmbedding wraps a watchtower.EmbeddingProvider.
type ObservedEmbedding struct {
	inner watchtower.EmbeddingProvider
	inst  *Instruments
	model string
}

// WrapEmbedding returns an instrumented embedding provider.
func WrapEmbedding(inner watchtower.EmbeddingProvider, model string, inst *Instruments) *ObservedEmbedding {
	return &ObservedEmbedding{inner: inner, inst: inst, model: model}
}

var _ watchtower.EmbeddingProvider = (*ObservedEmbedding)(nil)

func (o *ObservedEmbedding) Name() string    { return o.inner.Name() }
func (o *ObservedEmbedding) Dimensions() int { return o.inner.Dimensions() }

func (o *ObservedEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.embed", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrEmbedTextCount.Int(len(texts)),
	))
	defer span.End()

	vecs, err := o.inner.Embed(ctx, texts)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		attribute.String("status", status),
	))
	return vecs, err
}
