// Package watchtower is a security-operations assistant for Wazuh SIEM
// deployments. It tails the manager's alert stream into a local archive,
// answers natural-language questions about it through a hybrid of
// cache-augmented generation and vector retrieval, and pushes critical-event
// notifications to subscribed operators.
//
// The root package holds the shared domain types and the small interfaces
// the subsystems are composed from: LLM and embedding providers, tools,
// notification transports. The subsystems themselves live in subpackages:
//
//   - ingest:    tails the alerts file inside the Wazuh container
//   - archive:   the SQLite event archive and watermark bookkeeping
//   - cag:       the prompt-ready recent-events context block
//   - semindex:  the in-memory dense-vector index over archived events
//   - retrieve:  hybrid semantic + keyword search with filters
//   - toolsrv:   the stdio tool server advertised to the chat model
//   - bridge:    the tool-dispatch chat loop
//   - alert:     the high-severity event monitor and notification fan-out
//   - session:   users, chat sessions, and message persistence
package watchtower
