package claude

import (
	"fmt"
	"os"
	"strings"

	"github.com/iris-hq/iris/internal/teams"
)

// TestModeEnv disables --resume so the agent CLI mints a fresh session id
// on its own. Used by integration tests running against stub agents.
const TestModeEnv = "IRIS_TEST_MODE"

// Command is a fully resolved agent CLI invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
}

// String renders the command for logging and the session debug snapshot.
func (c *Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// ShellLine renders the command as a single sh -c line, cd'ing into the
// workspace first. Used by the remote transport, which has no native cwd
// control over the SSH channel.
func (c *Command) ShellLine() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, ShellQuote(c.Path))
	for _, arg := range c.Args {
		parts = append(parts, ShellQuote(arg))
	}
	return fmt.Sprintf("cd %s && %s", ShellQuote(c.Dir), strings.Join(parts, " "))
}

// ShellQuote makes a string safe as one sh word. Remote transports quote
// command lines and file paths with it.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$&|;<>()*?[]#~%!{}`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Builder constructs agent CLI commands from team configuration.
type Builder struct {
	defaultPort int
}

// NewBuilder creates a command builder. defaultPort seeds MCP config port
// resolution when neither the env override nor the team sets one.
func NewBuilder(defaultPort int) *Builder {
	return &Builder{defaultPort: defaultPort}
}

// DefaultPort returns the builder's fallback MCP port.
func (b *Builder) DefaultPort() int {
	return b.defaultPort
}

// Headless builds the stream-json invocation used by transports.
func (b *Builder) Headless(team *teams.Team, sessionID, mcpConfigPath string) *Command {
	args := b.commonLeadingArgs(sessionID)
	args = append(args,
		"--debug",
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	)
	args = b.appendCommonTrailingArgs(args, team, sessionID, mcpConfigPath)
	return &Command{Path: team.Executable(), Args: args, Dir: team.Path}
}

// Interactive builds the fork invocation: same session, no stream flags,
// the user drives the terminal directly.
func (b *Builder) Interactive(team *teams.Team, sessionID, mcpConfigPath string, forkSession bool) *Command {
	args := b.commonLeadingArgs(sessionID)
	args = append(args, "--debug")
	args = b.appendCommonTrailingArgs(args, team, sessionID, mcpConfigPath)
	if forkSession {
		args = append(args, "--fork-session")
	}
	return &Command{Path: team.Executable(), Args: args, Dir: team.Path}
}

func (b *Builder) commonLeadingArgs(sessionID string) []string {
	var args []string
	if !testMode() {
		args = append(args, "--resume", sessionID)
	}
	return args
}

func (b *Builder) appendCommonTrailingArgs(args []string, team *teams.Team, sessionID, mcpConfigPath string) []string {
	if len(team.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(team.DisallowedTools, ","))
	}
	if policy := team.Policy(); policy == teams.PolicyAsk || policy == teams.PolicyYes {
		args = append(args, "--permission-prompt-tool", PermissionToolName(sessionID))
	}
	args = append(args, "--mcp-config", mcpConfigPath)
	return args
}

// PermissionToolName returns the fully qualified MCP tool the CLI invokes
// for permission prompts: mcp__<server>__permissions__approve.
func PermissionToolName(sessionID string) string {
	return fmt.Sprintf("mcp__%s__permissions__approve", ServerName(sessionID))
}

func testMode() bool {
	v := os.Getenv(TestModeEnv)
	return v == "1" || v == "true"
}
