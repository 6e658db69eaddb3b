package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolName  = attribute.Key("tool.name")

	AttrEmbedTextCount = attribute.Key("llm.embed.text_count")

	AttrAgentID   = attribute.Key("event.agent_id")
	AttrRuleLevel = attribute.Key("event.rule_level")
)
