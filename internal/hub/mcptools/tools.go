package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sonde-hub/sonde/internal/hub/storage"
	"github.com/sonde-hub/sonde/internal/obslog"
)

func registerTools(s *server.MCPServer, deps Deps, log *obslog.Logger) {
	s.AddTool(
		mcp.NewTool("probe",
			mcp.WithDescription("Run a single diagnostic probe, either against an integration pack or a remote agent."),
			mcp.WithString("probe", mcp.Required(), mcp.Description("Probe name, e.g. disk.usage or github.issues")),
			mcp.WithObject("params", mcp.Description("Probe parameters (optional)")),
			mcp.WithString("agent", mcp.Description("Agent name or id (required for non-integration probes)")),
		),
		probeHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("diagnose",
			mcp.WithDescription("Run a declared diagnostic runbook category and return composed findings."),
			mcp.WithString("category", mcp.Required(), mcp.Description("Runbook category name")),
			mcp.WithObject("params", mcp.Description("Runbook parameters (optional)")),
			mcp.WithString("agent", mcp.Description("Agent name or id")),
		),
		diagnoseHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List every known agent and its current status."),
			mcp.WithString("tags", mcp.Description("Unused placeholder filter; agents are not tagged in this core")),
		),
		listAgentsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("agent_overview",
			mcp.WithDescription("Return detailed status for one agent: online state, packs, last seen, attestation."),
			mcp.WithString("agent", mcp.Required(), mcp.Description("Agent name or id")),
		),
		agentOverviewHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_capabilities",
			mcp.WithDescription("List every probe capability currently available, from online agents and configured integrations."),
			mcp.WithString("tags", mcp.Description("Unused placeholder filter")),
		),
		listCapabilitiesHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("health_check",
			mcp.WithDescription("Run every applicable runbook that needs no user input and return a unified report."),
			mcp.WithString("agent", mcp.Description("Agent name or id")),
			mcp.WithString("tags", mcp.Description("Unused placeholder filter")),
			mcp.WithString("categories", mcp.Description("Unused placeholder filter")),
		),
		healthCheckHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("query_logs",
			mcp.WithDescription("Query logs from a source: a log-producing probe pack (systemd, docker, nginx, ...) or \"audit\" for the hub's own audit trail."),
			mcp.WithString("source", mcp.Required(), mcp.Description("Log source: a pack name, or \"audit\"")),
			mcp.WithString("agent", mcp.Description("Agent name or id (required for agent-side log sources)")),
			mcp.WithObject("params", mcp.Description("Source-specific query parameters")),
		),
		queryLogsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("check_critical_path",
			mcp.WithDescription("Run an ordered multi-hop probe chain, stopping at the first failure."),
			mcp.WithString("path", mcp.Required(), mcp.Description("Comma-separated ordered list of probe names")),
			mcp.WithString("agent", mcp.Description("Agent name or id")),
		),
		checkCriticalPathHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("trending_summary",
			mcp.WithDescription("Summarize audit-log outcomes over a recent time window."),
			mcp.WithNumber("hours", mcp.Required(), mcp.Description("Lookback window in hours")),
			mcp.WithString("probe", mcp.Description("Filter to one probe name")),
			mcp.WithString("agent", mcp.Description("Filter to one agent/source")),
		),
		trendingSummaryHandler(deps, log),
	)
}

func toolResultJSON(v interface{}) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(formatted))
}

func probeHandler(deps Deps, log *obslog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("probe")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agent := req.GetString("agent", "")
		params := req.GetArguments()["params"]

		resp, err := deps.Router.Execute(ctx, name, params, agent)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolResultJSON(resp), nil
	}
}

func diagnoseHandler(deps Deps, log *obslog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		category, err := req.RequireString("category")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agent := req.GetString("agent", "")
		params, _ := req.GetArguments()["params"].(map[string]interface{})
		if params == nil {
			params = map[string]interface{}{}
		}

		result, err := deps.Runbooks.Execute(ctx, category, params, agent)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolResultJSON(result), nil
	}
}

func listAgentsHandler(deps Deps, log *obslog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := deps.Store.ListAgents(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		type item struct {
			*storage.Agent
			Online bool `json:"online"`
		}
		out := make([]item, len(agents))
		for i, a := range agents {
			out[i] = item{Agent: a, Online: deps.Dispatcher.IsOnline(a.ID)}
		}
		return toolResultJSON(out), nil
	}
}

func agentOverviewHandler(deps Deps, log *obslog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		agent, err := deps.Store.GetAgentByName(ctx, name)
		if err != nil {
			agent, err = deps.Store.GetAgentByID(ctx, name)
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("agent not found: %s", name)), nil
		}

		overview := struct {
			*storage.Agent
			Online bool `json:"online"`
		}{Agent: agent, Online: deps.Dispatcher.IsOnline(agent.ID)}
		return toolResultJSON(overview), nil
	}
}

func listCapabilitiesHandler(deps Deps, log *obslog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type capability struct {
			Pack   string `json:"pack"`
			Source string `json:"source"` // "integration" or an agent name
		}
		var out []capability

		for _, m := range deps.Integrations.List() {
			out = append(out, capability{Pack: m.Name, Source: "integration"})
		}
		for _, a := range deps.Dispatcher.ListOnline() {
			agent, err := deps.Store.GetAgentByID(ctx, a.ID)
			if err != nil {
				continue
			}
			for _, p := range agent.Packs {
				out = append(out, capability{Pack: p.Name, Source: a.Name})
			}
		}
		return toolResultJSON(out), nil
	}
}

func healthCheckHandler(deps Deps, log *obslog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent := req.GetString("agent", "")
		results, err := deps.Runbooks.HealthCheck(ctx, agent)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolResultJSON(results), nil
	}
}

func queryLogsHandler(deps Deps, log *obslog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if source == "audit" {
			entries, err := deps.Store.ListAuditEntries(ctx, 200)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return toolResultJSON(entries), nil
		}

		agent := req.GetString("agent", "")
		params := req.GetArguments()["params"]
		probeName := source + ".logs"

		resp, err := deps.Router.Execute(ctx, probeName, params, agent)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolResultJSON(resp), nil
	}
}

func checkCriticalPathHandler(deps Deps, log *obslog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agent := req.GetString("agent", "")

		hops := strings.Split(path, ",")
		type hopResult struct {
			Probe    string      `json:"probe"`
			Response interface{} `json:"response,omitempty"`
			Error    string      `json:"error,omitempty"`
		}
		results := make([]hopResult, 0, len(hops))

		for _, raw := range hops {
			name := strings.TrimSpace(raw)
			if name == "" {
				continue
			}
			resp, err := deps.Router.Execute(ctx, name, map[string]interface{}{}, agent)
			if err != nil {
				results = append(results, hopResult{Probe: name, Error: err.Error()})
				break
			}
			results = append(results, hopResult{Probe: name, Response: resp})
			if resp.Status != "success" {
				break
			}
		}
		return toolResultJSON(results), nil
	}
}

func trendingSummaryHandler(deps Deps, log *obslog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		hours, err := req.RequireFloat("hours")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		probeFilter := req.GetString("probe", "")
		agentFilter := req.GetString("agent", "")

		entries, err := deps.Store.ListAuditEntries(ctx, 0)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
		counts := map[string]int{}
		total := 0
		for _, e := range entries {
			if e.Timestamp.Before(cutoff) {
				continue
			}
			if probeFilter != "" && e.Probe != probeFilter {
				continue
			}
			if agentFilter != "" && e.Source != agentFilter {
				continue
			}
			counts[e.Status]++
			total++
		}

		summary := struct {
			Hours       float64        `json:"hours"`
			TotalProbes int            `json:"totalProbes"`
			ByStatus    map[string]int `json:"byStatus"`
		}{Hours: hours, TotalProbes: total, ByStatus: counts}
		return toolResultJSON(summary), nil
	}
}
