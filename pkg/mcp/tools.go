package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

type statsArgs struct {
	Top int `json:"top"`
}

type agentArgs struct {
	Agent string `json:"agent"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"agentgate_cache_stats": handleCacheStats,
	"agentgate_cache_flush": handleCacheFlush,
	"agentgate_sweep":       handleSweep,
	"agentgate_limits":      handleLimits,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "agentgate_cache_stats",
		Description: "Show response cache statistics: entries and hits per agent and the most-hit entries.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"top": map[string]any{
					"type":        "integer",
					"description": "Number of most-hit entries to list (optional, default 10)",
				},
			},
		},
	},
	{
		Name:        "agentgate_cache_flush",
		Description: "Delete every cached response for one agent.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"agent"},
			"properties": map[string]any{
				"agent": map[string]any{
					"type":        "string",
					"description": "Agent whose cache is invalidated",
				},
			},
		},
	},
	{
		Name:        "agentgate_sweep",
		Description: "Delete expired cache entries and finished rate-limit windows now.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "agentgate_limits",
		Description: "Show active rate-limit windows, optionally for one agent.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent": map[string]any{
					"type":        "string",
					"description": "Filter by agent (optional, omit for all agents)",
				},
			},
		},
	},
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func handleCacheStats(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args statsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	stats, err := s.admin.Stats(ctx, args.Top)
	if err != nil {
		return errorResult(fmt.Sprintf("cache stats: %v", err))
	}
	return textResult(FormatCacheStats(stats))
}

func handleCacheFlush(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args agentArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	if args.Agent == "" {
		return errorResult("agent is required")
	}
	n, err := s.admin.FlushAgent(ctx, args.Agent)
	if err != nil {
		return errorResult(fmt.Sprintf("cache flush: %v", err))
	}
	return textResult(fmt.Sprintf("Flushed %d cache entries for %s.", n, args.Agent))
}

func handleSweep(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	report := s.sweeper.RunOnce(ctx)
	res := textResult(FormatSweepReport(report))
	res.IsError = report.CacheError != "" || report.WindowError != ""
	return res
}

func handleLimits(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args agentArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	windows, err := s.admin.Windows(ctx, args.Agent)
	if err != nil {
		return errorResult(fmt.Sprintf("rate limits: %v", err))
	}
	return textResult(FormatWindows(windows))
}
