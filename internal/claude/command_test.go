package claude

import (
	"strings"
	"testing"

	"github.com/iris-hq/iris/internal/teams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTeam() *teams.Team {
	return &teams.Team{
		Name: "alpha",
		Path: "/srv/teams/alpha",
	}
}

func TestHeadlessCommand(t *testing.T) {
	builder := NewBuilder(8080)
	cmd := builder.Headless(testTeam(), "sid-1", "/srv/teams/alpha/.claude/iris/mcp/iris-mcp-sid-1.json")

	assert.Equal(t, "claude", cmd.Path)
	assert.Equal(t, "/srv/teams/alpha", cmd.Dir)
	assert.Equal(t, []string{
		"--resume", "sid-1",
		"--debug",
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--permission-prompt-tool", "mcp__iris-sid-1__permissions__approve",
		"--mcp-config", "/srv/teams/alpha/.claude/iris/mcp/iris-mcp-sid-1.json",
	}, cmd.Args)
}

func TestHeadlessCommand_DisallowedTools(t *testing.T) {
	team := testTeam()
	team.DisallowedTools = []string{"Bash", "WebSearch"}

	cmd := NewBuilder(8080).Headless(team, "sid-1", "/tmp/mcp.json")

	joined := strings.Join(cmd.Args, " ")
	assert.Contains(t, joined, "--disallowed-tools Bash,WebSearch")
}

func TestHeadlessCommand_PolicyNoOmitsPermissionTool(t *testing.T) {
	team := testTeam()
	team.PermissionPolicy = teams.PolicyNo

	cmd := NewBuilder(8080).Headless(team, "sid-1", "/tmp/mcp.json")

	joined := strings.Join(cmd.Args, " ")
	assert.NotContains(t, joined, "--permission-prompt-tool")
	assert.Contains(t, joined, "--mcp-config /tmp/mcp.json")
}

func TestHeadlessCommand_PolicyAskKeepsPermissionTool(t *testing.T) {
	team := testTeam()
	team.PermissionPolicy = teams.PolicyAsk

	cmd := NewBuilder(8080).Headless(team, "sid-1", "/tmp/mcp.json")
	assert.Contains(t, strings.Join(cmd.Args, " "), "--permission-prompt-tool mcp__iris-sid-1__permissions__approve")
}

func TestHeadlessCommand_TestModeOmitsResume(t *testing.T) {
	t.Setenv(TestModeEnv, "1")

	cmd := NewBuilder(8080).Headless(testTeam(), "sid-1", "/tmp/mcp.json")

	joined := strings.Join(cmd.Args, " ")
	assert.NotContains(t, joined, "--resume")
	assert.Contains(t, joined, "--input-format stream-json")
}

func TestHeadlessCommand_CustomExecutable(t *testing.T) {
	team := testTeam()
	team.ClaudePath = "/opt/claude/bin/claude"

	cmd := NewBuilder(8080).Headless(team, "sid-1", "/tmp/mcp.json")
	assert.Equal(t, "/opt/claude/bin/claude", cmd.Path)
}

func TestInteractiveCommand(t *testing.T) {
	cmd := NewBuilder(8080).Interactive(testTeam(), "sid-1", "/tmp/mcp.json", false)

	joined := strings.Join(cmd.Args, " ")
	assert.Contains(t, joined, "--resume sid-1")
	assert.Contains(t, joined, "--debug")
	assert.NotContains(t, joined, "--print")
	assert.NotContains(t, joined, "--verbose")
	assert.NotContains(t, joined, "--input-format")
	assert.NotContains(t, joined, "--output-format")
	assert.NotContains(t, joined, "--fork-session")
}

func TestInteractiveCommand_ForkSession(t *testing.T) {
	cmd := NewBuilder(8080).Interactive(testTeam(), "sid-1", "/tmp/mcp.json", true)

	require.NotEmpty(t, cmd.Args)
	assert.Equal(t, "--fork-session", cmd.Args[len(cmd.Args)-1])
}

func TestCommandString(t *testing.T) {
	cmd := &Command{Path: "claude", Args: []string{"--resume", "sid-1"}, Dir: "/srv"}
	assert.Equal(t, "claude --resume sid-1", cmd.String())
}

func TestCommandShellLine(t *testing.T) {
	cmd := &Command{
		Path: "claude",
		Args: []string{"--resume", "sid-1", "--disallowed-tools", "Bash,Web Search"},
		Dir:  "/srv/teams/team alpha",
	}

	line := cmd.ShellLine()
	assert.Equal(t, `cd '/srv/teams/team alpha' && claude --resume sid-1 --disallowed-tools 'Bash,Web Search'`, line)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "plain", ShellQuote("plain"))
	assert.Equal(t, "''", ShellQuote(""))
	assert.Equal(t, `'has space'`, ShellQuote("has space"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
}
