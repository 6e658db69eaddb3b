package toolsrv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/archive"
	"github.com/kestrelsec/watchtower/retrieve"
)

type fakeArchive struct {
	events []watchtower.Event
	fail   bool
}

func (f *fakeArchive) RecentEvents(ctx context.Context, window time.Duration, minLevel, limit int) ([]watchtower.Event, error) {
	if f.fail {
		return nil, fmt.Errorf("database is locked")
	}
	if len(f.events) > limit {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func (f *fakeArchive) AgentStats(ctx context.Context) ([]archive.AgentStat, error) {
	return []archive.AgentStat{{AgentID: "001", AgentName: "web-01", Count: 3, MaxLevel: 10}}, nil
}

func (f *fakeArchive) RuleStats(ctx context.Context, limit int) ([]archive.RuleStat, error) {
	return []archive.RuleStat{{RuleID: 5710, RuleLevel: 5, RuleDescription: "sshd", Count: 9}}, nil
}

func (f *fakeArchive) SearchLike(ctx context.Context, term string, limit int) ([]watchtower.Event, error) {
	var out []watchtower.Event
	for _, e := range f.events {
		if strings.Contains(e.FullLog, term) || strings.Contains(e.RuleDescription, term) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeSearcher struct {
	results []retrieve.Result
}

func (f *fakeSearcher) Search(ctx context.Context, query string, k int, flt retrieve.Filters) ([]retrieve.Result, error) {
	if len(f.results) > k {
		return f.results[:k], nil
	}
	return f.results, nil
}

// startServer runs a Server over in-memory pipes and returns a send/receive
// pair.
func startServer(t *testing.T, tools watchtower.Tool) (io.Writer, *bufio.Scanner, context.CancelFunc) {
	t.Helper()
	registry := watchtower.NewToolRegistry()
	registry.Add(tools)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	srv := NewServer(registry, WithStreams(inR, outW))

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() { cancel(); inW.Close() })

	sc := bufio.NewScanner(outR)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	return inW, sc, cancel
}

func roundTrip(t *testing.T, in io.Writer, sc *bufio.Scanner, req string) Response {
	t.Helper()
	if _, err := io.WriteString(in, req+"\n"); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if !sc.Scan() {
		t.Fatalf("no response for %s", req)
	}
	var resp Response
	if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
		t.Fatalf("bad response %q: %v", sc.Text(), err)
	}
	return resp
}

func testTools() *SecurityTools {
	store := &fakeArchive{events: []watchtower.Event{
		{ID: 1, RuleID: 5710, RuleLevel: 5, RuleDescription: "sshd: auth failed", FullLog: "Failed password"},
	}}
	searcher := &fakeSearcher{results: []retrieve.Result{
		{Event: watchtower.Event{ID: 1, RuleDescription: "sshd: auth failed"}, Score: 0.9},
	}}
	return NewSecurityTools(store, searcher)
}

func TestListTools(t *testing.T) {
	in, sc, _ := startServer(t, testTools())
	resp := roundTrip(t, in, sc, `{"id":1,"method":"list_tools"}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var defs []watchtower.ToolDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		t.Fatalf("result not a definition list: %v", err)
	}
	if len(defs) != 6 {
		t.Errorf("got %d tools, want 6", len(defs))
	}
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, want := range []string{"check_wazuh_log", "get_recent_events", "get_agent_statistics", "get_rule_statistics", "search_logs", "fetch_advisory"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestCallToolSuccess(t *testing.T) {
	in, sc, _ := startServer(t, testTools())
	resp := roundTrip(t, in, sc, `{"id":2,"method":"call_tool","name":"get_recent_events","arguments":{"hours":1}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var payload struct {
		Count  int                `json:"count"`
		Events []watchtower.Event `json:"events"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Count != 1 || payload.Events[0].ID != 1 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestCallToolStructuredError(t *testing.T) {
	store := &fakeArchive{fail: true}
	tools := NewSecurityTools(store, &fakeSearcher{})
	in, sc, _ := startServer(t, tools)

	resp := roundTrip(t, in, sc, `{"id":3,"method":"call_tool","name":"get_recent_events","arguments":{}}`)
	if resp.Error != nil {
		t.Fatal("tool failure must not be a transport error")
	}
	data, _ := json.Marshal(resp.Result)
	var te ToolError
	if err := json.Unmarshal(data, &te); err != nil {
		t.Fatalf("result: %v", err)
	}
	if te.Status != "error" || te.ToolName != "get_recent_events" || te.Message == "" {
		t.Errorf("tool error = %+v", te)
	}
}

func TestUnknownToolIsInBandError(t *testing.T) {
	in, sc, _ := startServer(t, testTools())
	resp := roundTrip(t, in, sc, `{"id":4,"method":"call_tool","name":"no_such_tool","arguments":{}}`)
	if resp.Error != nil {
		t.Fatal("unknown tool must not be a transport error")
	}
	data, _ := json.Marshal(resp.Result)
	var te ToolError
	if err := json.Unmarshal(data, &te); err != nil || te.Status != "error" {
		t.Errorf("result = %s", data)
	}
}

func TestUnknownMethod(t *testing.T) {
	in, sc, _ := startServer(t, testTools())
	resp := roundTrip(t, in, sc, `{"id":5,"method":"bogus"}`)
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("error = %+v, want method-not-found", resp.Error)
	}
}

func TestParseErrorKeepsServing(t *testing.T) {
	in, sc, _ := startServer(t, testTools())
	resp := roundTrip(t, in, sc, `{not json`)
	if resp.Error == nil || resp.Error.Code != ErrCodeParse {
		t.Errorf("error = %+v, want parse error", resp.Error)
	}
	// the server still answers afterwards
	resp = roundTrip(t, in, sc, `{"id":6,"method":"list_tools"}`)
	if resp.Error != nil {
		t.Errorf("server stopped serving after parse error: %+v", resp.Error)
	}
}

func TestBadArgumentsAreInBand(t *testing.T) {
	in, sc, _ := startServer(t, testTools())
	resp := roundTrip(t, in, sc, `{"id":7,"method":"call_tool","name":"search_logs","arguments":{"term":""}}`)
	if resp.Error != nil {
		t.Fatal("argument validation must not be a transport error")
	}
	data, _ := json.Marshal(resp.Result)
	var te ToolError
	if err := json.Unmarshal(data, &te); err != nil || te.Status != "error" {
		t.Errorf("result = %s", data)
	}
}

func TestCheckWazuhLog(t *testing.T) {
	in, sc, _ := startServer(t, testTools())
	resp := roundTrip(t, in, sc, `{"id":8,"method":"call_tool","name":"check_wazuh_log","arguments":{"query":"ssh auth failures","max_results":5}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var payload struct {
		Count   int               `json:"count"`
		Results []retrieve.Result `json:"results"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Count != 1 || payload.Results[0].Event.ID != 1 {
		t.Errorf("payload = %+v", payload)
	}
}
