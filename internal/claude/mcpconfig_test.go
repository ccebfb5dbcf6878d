package claude

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/iris-hq/iris/internal/teams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPath(t *testing.T) {
	path := ConfigPath("/srv/teams/alpha", "sid-1")
	assert.Equal(t, "/srv/teams/alpha/.claude/iris/mcp/iris-mcp-sid-1.json", path)
}

func TestResolvePort(t *testing.T) {
	team := &teams.Team{Name: "alpha", Path: "/srv/teams/alpha"}

	// Built-in default when nothing else is set.
	assert.Equal(t, 8080, ResolvePort(team, 8080))

	// Team reverse port wins over the default.
	team.ReverseMcpPort = 9001
	assert.Equal(t, 9001, ResolvePort(team, 8080))

	// Env override wins over everything.
	t.Setenv(HTTPPortEnv, "7777")
	assert.Equal(t, 7777, ResolvePort(team, 8080))
}

func TestResolvePort_IgnoresInvalidEnv(t *testing.T) {
	team := &teams.Team{Name: "alpha", Path: "/srv/teams/alpha"}

	t.Setenv(HTTPPortEnv, "not-a-port")
	assert.Equal(t, 8080, ResolvePort(team, 8080))
}

func TestBaseURL(t *testing.T) {
	local := &teams.Team{Name: "alpha", Path: "/srv/teams/alpha"}
	assert.Equal(t, "http://localhost:8080", BaseURL(local, 8080))

	remote := &teams.Team{
		Name:   "beta",
		Path:   "/srv/teams/beta",
		Remote: &teams.RemoteConfig{Host: "build-01"},
	}
	assert.Equal(t, "https://localhost:8080", BaseURL(remote, 8080))

	remote.AllowHTTP = true
	assert.Equal(t, "http://localhost:8080", BaseURL(remote, 8080))
}

func TestRenderMCPConfig(t *testing.T) {
	team := &teams.Team{Name: "alpha", Path: "/srv/teams/alpha"}

	data, err := RenderMCPConfig(team, "sid-1", 8080)
	require.NoError(t, err)

	var cfg MCPConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	require.Len(t, cfg.MCPServers, 1)

	entry, ok := cfg.MCPServers["iris-sid-1"]
	require.True(t, ok)
	assert.Equal(t, "http", entry.Type)
	assert.Equal(t, "http://localhost:8080/mcp/sid-1", entry.URL)
}

func TestWriteAndRemoveMCPConfig(t *testing.T) {
	team := &teams.Team{Name: "alpha", Path: t.TempDir()}

	path, err := WriteMCPConfig(team, "sid-1", 8080)
	require.NoError(t, err)
	assert.Equal(t, ConfigPath(team.Path, "sid-1"), path)
	assert.Equal(t, filepath.Join(team.Path, ".claude", "iris", "mcp", "iris-mcp-sid-1.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg MCPConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Contains(t, cfg.MCPServers, "iris-sid-1")

	require.NoError(t, RemoveMCPConfig(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Removing again is not an error.
	require.NoError(t, RemoveMCPConfig(path))
	require.NoError(t, RemoveMCPConfig(""))
}
