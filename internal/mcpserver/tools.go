package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/orchestrator"
	"github.com/iris-hq/iris/internal/session"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewTool("tell",
			mcp.WithDescription("Send a message to another team's agent. By default waits for the reply; set waitForResponse=false to fire and forget."),
			mcp.WithString("toTeam",
				mcp.Required(),
				mcp.Description("The team to message"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message to deliver"),
			),
			mcp.WithString("fromTeam",
				mcp.Description("The sending team (defaults to the calling agent's team)"),
			),
			mcp.WithBoolean("waitForResponse",
				mcp.Description("Wait for the reply (default true)"),
			),
			mcp.WithNumber("timeoutSeconds",
				mcp.Description("How long to wait for the reply before giving up"),
			),
		),
		s.tellHandler,
	)

	s.mcp.AddTool(
		mcp.NewTool("wake",
			mcp.WithDescription("Spawn a team's agent without sending it a message. Idempotent."),
			mcp.WithString("team",
				mcp.Required(),
				mcp.Description("The team to wake"),
			),
		),
		s.wakeHandler,
	)

	s.mcp.AddTool(
		mcp.NewTool("sleep",
			mcp.WithDescription("Terminate a team's agent process. The conversation resumes where it left off on the next wake or tell. Idempotent."),
			mcp.WithString("team",
				mcp.Required(),
				mcp.Description("The team to put to sleep"),
			),
			mcp.WithBoolean("force",
				mcp.Description("Skip the graceful shutdown window"),
			),
		),
		s.sleepHandler,
	)

	s.mcp.AddTool(
		mcp.NewTool("wake_all",
			mcp.WithDescription("Wake every configured team. Per-team failures are reported, not fatal."),
			mcp.WithBoolean("parallel",
				mcp.Description("Wake teams concurrently"),
			),
		),
		s.wakeAllHandler,
	)

	s.mcp.AddTool(
		mcp.NewTool("is_awake",
			mcp.WithDescription("Check whether a team's agent process is currently running."),
			mcp.WithString("team",
				mcp.Required(),
				mcp.Description("The team to check"),
			),
		),
		s.isAwakeHandler,
	)

	s.mcp.AddTool(
		mcp.NewTool("report",
			mcp.WithDescription("Get the session report for a team: persisted session row, cache statistics, and the request history."),
			mcp.WithString("team",
				mcp.Required(),
				mcp.Description("The team to report on"),
			),
			mcp.WithBoolean("withMessages",
				mcp.Description("Include full protocol messages per entry"),
			),
		),
		s.reportHandler,
	)

	s.mcp.AddTool(
		mcp.NewTool("teams",
			mcp.WithDescription("List the configured teams and whether each is awake."),
		),
		s.teamsHandler,
	)

	s.mcp.AddTool(
		mcp.NewTool("get_team_name",
			mcp.WithDescription("Return the name of the team this agent was spawned into."),
		),
		s.teamNameHandler,
	)

	s.mcp.AddTool(
		mcp.NewTool("permissions__approve",
			mcp.WithDescription("Permission prompt endpoint for the agent CLI. Resolves tool-use approval per the team's permission policy."),
			mcp.WithString("tool_name",
				mcp.Required(),
				mcp.Description("The tool the agent wants to use"),
			),
			mcp.WithObject("input",
				mcp.Required(),
				mcp.Description("The tool input under review"),
			),
			mcp.WithString("tool_use_id",
				mcp.Description("The CLI's id for this tool use"),
			),
		),
		s.approveHandler,
	)

	s.logger.Info("registered MCP tools", zap.Int("count", 9))
}

// callerTeam resolves the calling agent's team from the session id in the
// mount URL. Empty when the caller is not a spawned agent.
func (s *Server) callerTeam(ctx context.Context) string {
	sid := SessionIDFromContext(ctx)
	if sid == "" {
		return ""
	}
	name, err := s.orch.TeamName(ctx, sid)
	if err != nil {
		return ""
	}
	return name
}

func (s *Server) tellHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toTeam, err := req.RequireString("toTeam")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	fromTeam := req.GetString("fromTeam", "")
	if fromTeam == "" {
		fromTeam = s.callerTeam(ctx)
	}

	tellReq := orchestrator.TellRequest{
		FromTeam:        fromTeam,
		ToTeam:          toTeam,
		Message:         message,
		WaitForResponse: req.GetBool("waitForResponse", true),
	}
	if secs := req.GetFloat("timeoutSeconds", 0); secs != 0 {
		tellReq.Timeout = time.Duration(secs * float64(time.Second))
	}

	res, err := s.orch.Tell(ctx, tellReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tell failed: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *Server) wakeHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	team, err := req.RequireString("team")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.orch.Wake(ctx, team, s.callerTeam(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("wake failed: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *Server) sleepHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	team, err := req.RequireString("team")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.orch.Sleep(ctx, team, s.callerTeam(ctx), req.GetBool("force", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sleep failed: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *Server) wakeAllHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.orch.WakeAll(ctx, s.callerTeam(ctx), req.GetBool("parallel", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("wake_all failed: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *Server) isAwakeHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	team, err := req.RequireString("team")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	awake, err := s.orch.IsAwake(team, s.callerTeam(ctx))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"team": team, "awake": awake})
}

func (s *Server) reportHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	team, err := req.RequireString("team")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	report, err := s.orch.ReportByPair(ctx, s.callerTeam(ctx), team, req.GetBool("withMessages", false))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("no session with team %s", team)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(report)
}

func (s *Server) teamsHandler(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.orch.Teams(s.callerTeam(ctx)))
}

func (s *Server) teamNameHandler(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid := SessionIDFromContext(ctx)
	if sid == "" {
		return mcp.NewToolResultError("no session id on this mount"), nil
	}
	name, err := s.orch.TeamName(ctx, sid)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]string{"team": name})
}

// approveHandler implements the agent CLI's permission-prompt contract:
// the result payload is {"behavior":"allow","updatedInput":...} or
// {"behavior":"deny","message":...}.
func (s *Server) approveHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolName, err := req.RequireString("tool_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	input, err := json.Marshal(req.GetArguments()["input"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sid := SessionIDFromContext(ctx)
	teamName, err := s.orch.TeamName(ctx, sid)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("unknown session: %v", err)), nil
	}
	team, err := s.teams.Get(teamName)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	decision, err := s.broker.Request(ctx, team, sid, toolName, input)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var contract interface{}
	if decision.Approved {
		contract = map[string]interface{}{
			"behavior":     "allow",
			"updatedInput": json.RawMessage(input),
		}
	} else {
		contract = map[string]interface{}{
			"behavior": "deny",
			"message":  decision.Reason,
		}
	}
	return jsonResult(contract)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
