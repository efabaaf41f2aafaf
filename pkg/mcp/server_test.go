package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/agentgate/pkg/models"
)

// fakeAdmin implements Admin for testing.
type fakeAdmin struct {
	stats   models.CacheStats
	windows []models.RateLimitWindow
	flushed []string
	topN    int
	err     error
}

func (f *fakeAdmin) Stats(_ context.Context, topN int) (models.CacheStats, error) {
	f.topN = topN
	return f.stats, f.err
}

func (f *fakeAdmin) FlushAgent(_ context.Context, agent string) (int64, error) {
	f.flushed = append(f.flushed, agent)
	return 3, f.err
}

func (f *fakeAdmin) Windows(_ context.Context, agent string) ([]models.RateLimitWindow, error) {
	var out []models.RateLimitWindow
	for _, w := range f.windows {
		if agent == "" || w.Agent == agent {
			out = append(out, w)
		}
	}
	return out, f.err
}

// fakeSweeper implements Sweeper for testing.
type fakeSweeper struct {
	report models.SweepReport
	runs   int
}

func (f *fakeSweeper) RunOnce(context.Context) models.SweepReport {
	f.runs++
	return f.report
}

func newTestServer(admin *fakeAdmin, sw *fakeSweeper) *Server {
	if admin == nil {
		admin = &fakeAdmin{}
	}
	if sw == nil {
		sw = &fakeSweeper{}
	}
	return New(admin, sw, "test", nil)
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	resp := sendAndReceive(t, newTestServer(nil, nil), Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, protocolVersion)
	}
	if result.ServerInfo.Name != "agentgate" {
		t.Errorf("server name = %s, want agentgate", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	resp := sendAndReceive(t, newTestServer(nil, nil), Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("tool %s has no handler", tool.Name)
		}
	}
}

func TestToolCallCacheStats(t *testing.T) {
	admin := &fakeAdmin{stats: models.CacheStats{
		TotalEntries: 42,
		PerAgent: map[string]models.AgentCacheStats{
			"image-gen": {Entries: 40, Hits: 17},
			"strategy":  {Entries: 2, Hits: 0},
		},
		TopEntries: []models.CacheEntrySummary{
			{Agent: "image-gen", Fingerprint: strings.Repeat("ab", 32), HitCount: 9, ExpiresAt: time.Now()},
		},
	}}
	result := callTool(t, newTestServer(admin, nil), "agentgate_cache_stats", `{"top":3}`)

	text := result.Content[0].Text
	if !strings.Contains(text, "42") || !strings.Contains(text, "image-gen") || !strings.Contains(text, "abababab") {
		t.Errorf("unexpected cache stats output: %s", text)
	}
	if admin.topN != 3 {
		t.Errorf("topN = %d, want 3", admin.topN)
	}
}

func TestToolCallCacheStatsEmpty(t *testing.T) {
	result := callTool(t, newTestServer(nil, nil), "agentgate_cache_stats", "")
	if !strings.Contains(result.Content[0].Text, "empty") {
		t.Errorf("expected empty cache message, got: %s", result.Content[0].Text)
	}
}

func TestToolCallCacheStatsError(t *testing.T) {
	admin := &fakeAdmin{err: errors.New("store unavailable")}
	result := callTool(t, newTestServer(admin, nil), "agentgate_cache_stats", "")
	if !result.IsError {
		t.Error("expected isError=true on store failure")
	}
}

func TestToolCallCacheFlush(t *testing.T) {
	admin := &fakeAdmin{}
	result := callTool(t, newTestServer(admin, nil), "agentgate_cache_flush", `{"agent":"strategy"}`)

	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content[0].Text)
	}
	if len(admin.flushed) != 1 || admin.flushed[0] != "strategy" {
		t.Errorf("flushed = %v, want [strategy]", admin.flushed)
	}
	if !strings.Contains(result.Content[0].Text, "3") {
		t.Errorf("expected flushed count in output, got: %s", result.Content[0].Text)
	}
}

func TestToolCallCacheFlushMissingAgent(t *testing.T) {
	admin := &fakeAdmin{}
	result := callTool(t, newTestServer(admin, nil), "agentgate_cache_flush", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for missing agent")
	}
	if len(admin.flushed) != 0 {
		t.Errorf("nothing should be flushed, got %v", admin.flushed)
	}
}

func TestToolCallSweep(t *testing.T) {
	sw := &fakeSweeper{report: models.SweepReport{CacheEntries: 12, Windows: 4}}
	result := callTool(t, newTestServer(nil, sw), "agentgate_sweep", "")

	if sw.runs != 1 {
		t.Errorf("runs = %d, want 1", sw.runs)
	}
	if result.IsError {
		t.Error("unexpected error result")
	}
	if !strings.Contains(result.Content[0].Text, "12") {
		t.Errorf("expected reclaimed count in output, got: %s", result.Content[0].Text)
	}

	sw.report.WindowError = "database is locked"
	result = callTool(t, newTestServer(nil, sw), "agentgate_sweep", "")
	if !result.IsError {
		t.Error("expected isError=true when a sweep step failed")
	}
}

func TestToolCallLimits(t *testing.T) {
	start := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	admin := &fakeAdmin{windows: []models.RateLimitWindow{
		{Agent: "image-gen", CallerKey: "user:alice", RequestCount: 4, WindowStart: start, WindowEnd: start.Add(time.Minute)},
		{Agent: "strategy", CallerKey: "addr:10.0.0.1", RequestCount: 1, WindowStart: start, WindowEnd: start.Add(time.Minute)},
	}}
	srv := newTestServer(admin, nil)

	text := callTool(t, srv, "agentgate_limits", `{"agent":"image-gen"}`).Content[0].Text
	if !strings.Contains(text, "user:alice") || strings.Contains(text, "addr:10.0.0.1") {
		t.Errorf("unexpected limits output: %s", text)
	}

	text = callTool(t, srv, "agentgate_limits", "").Content[0].Text
	if !strings.Contains(text, "addr:10.0.0.1") {
		t.Errorf("expected all agents in output, got: %s", text)
	}
}

func TestUnknownTool(t *testing.T) {
	result := callTool(t, newTestServer(nil, nil), "pario_stats", "")
	if !result.IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = newTestServer(nil, nil).Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestParseError(t *testing.T) {
	var out bytes.Buffer
	_ = newTestServer(nil, nil).Run(context.Background(), strings.NewReader("{not json\n"), &out)

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	resp := sendAndReceive(t, newTestServer(nil, nil), Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}
