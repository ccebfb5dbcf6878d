package claude

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/iris-hq/iris/internal/teams"
)

// HTTPPortEnv overrides the MCP callback port for every team.
const HTTPPortEnv = "IRIS_HTTP_PORT"

// MCPServerEntry is one server in the agent CLI's --mcp-config document.
type MCPServerEntry struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// MCPConfig is the JSON document handed to the agent CLI via --mcp-config.
// It points the child back at this supervisor's MCP endpoint for the
// session, which carries the permission prompt tool and the team-to-team
// operations.
type MCPConfig struct {
	MCPServers map[string]MCPServerEntry `json:"mcpServers"`
}

// ServerName returns the per-session MCP server name, iris-<sessionId>.
func ServerName(sessionID string) string {
	return "iris-" + sessionID
}

// ConfigPath returns where the MCP config file lives inside a team's
// workspace.
func ConfigPath(teamPath, sessionID string) string {
	return filepath.Join(teamPath, ".claude", "iris", "mcp", fmt.Sprintf("iris-mcp-%s.json", sessionID))
}

// ResolvePort picks the MCP callback port: env override, then the team's
// reverse port, then the built-in default.
func ResolvePort(team *teams.Team, defaultPort int) int {
	if v := os.Getenv(HTTPPortEnv); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port <= 65535 {
			return port
		}
	}
	if team.ReverseMcpPort > 0 {
		return team.ReverseMcpPort
	}
	return defaultPort
}

// BaseURL returns the supervisor's callback base URL as seen from the
// team's workspace. Remote teams get HTTPS unless allowHttp is set; the
// host is always localhost because remote workspaces reach the supervisor
// through a reverse tunnel on that port.
func BaseURL(team *teams.Team, defaultPort int) string {
	scheme := "http"
	if team.IsRemote() && !team.AllowHTTP {
		scheme = "https"
	}
	return fmt.Sprintf("%s://localhost:%d", scheme, ResolvePort(team, defaultPort))
}

// RenderMCPConfig produces the MCP config document for a session.
func RenderMCPConfig(team *teams.Team, sessionID string, defaultPort int) ([]byte, error) {
	cfg := MCPConfig{
		MCPServers: map[string]MCPServerEntry{
			ServerName(sessionID): {
				Type: "http",
				URL:  fmt.Sprintf("%s/mcp/%s", BaseURL(team, defaultPort), sessionID),
			},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mcp config: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteMCPConfig renders and writes the config file into a local team's
// workspace, returning its path. Remote teams render the same bytes but
// write them over the SSH channel instead.
func WriteMCPConfig(team *teams.Team, sessionID string, defaultPort int) (string, error) {
	data, err := RenderMCPConfig(team, sessionID, defaultPort)
	if err != nil {
		return "", err
	}
	path := ConfigPath(team.Path, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create mcp config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write mcp config: %w", err)
	}
	return path, nil
}

// RemoveMCPConfig deletes a session's config file. A missing file is not
// an error; transports call this on every terminate.
func RemoveMCPConfig(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
