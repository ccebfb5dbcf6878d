package teams

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTeamsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "teams.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeTeamsFile(t, `
teams:
  alpha:
    path: /srv/teams/alpha
  beta:
    path: /srv/teams/beta
    claudePath: /opt/claude/bin/claude
    permissionPolicy: ask
    disallowedTools: ["Bash", "WebSearch"]
    idleTimeoutMinutes: 30
  gamma:
    path: /srv/teams/gamma
    reverseMcpPort: 8421
    allowHttp: true
    remote:
      host: build-01.internal
      user: iris
      identityFile: /etc/iris/id_ed25519
`)

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Len())
	assert.Equal(t, path, reg.Path())

	alpha, err := reg.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", alpha.Name)
	assert.Equal(t, "/srv/teams/alpha", alpha.Path)
	assert.False(t, alpha.IsRemote())

	beta, err := reg.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, "/opt/claude/bin/claude", beta.Executable())
	assert.Equal(t, PolicyAsk, beta.Policy())
	assert.Equal(t, []string{"Bash", "WebSearch"}, beta.DisallowedTools)
	assert.Equal(t, 30*time.Minute, beta.IdleTimeout())

	gamma, err := reg.Get("gamma")
	require.NoError(t, err)
	assert.True(t, gamma.IsRemote())
	assert.Equal(t, "build-01.internal:22", gamma.Remote.Addr())
	assert.Equal(t, 8421, gamma.ReverseMcpPort)
	assert.True(t, gamma.AllowHTTP)
}

func TestLoad_FileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	path := writeTeamsFile(t, `
teams:
  alpha:
    path: /srv/teams/alpha
`)
	reg, err := Load(path)
	require.NoError(t, err)

	_, err = reg.Get("omega")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTeamNotFound))
	assert.Contains(t, err.Error(), "omega")
}

func TestTeamDefaults(t *testing.T) {
	team := &Team{Name: "alpha", Path: "/srv/teams/alpha"}

	assert.Equal(t, "claude", team.Executable())
	assert.Equal(t, PolicyYes, team.Policy())
	assert.Equal(t, time.Duration(0), team.IdleTimeout())
	assert.False(t, team.IsRemote())
}

func TestRemoteAddr_ExplicitPort(t *testing.T) {
	remote := &RemoteConfig{Host: "build-01", Port: 2222}
	assert.Equal(t, "build-01:2222", remote.Addr())
}

func TestParse_Validation(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no teams",
			yaml:    "teams: {}",
			wantErr: "no teams defined",
		},
		{
			name: "missing path",
			yaml: `
teams:
  alpha: {}
`,
			wantErr: "path is required",
		},
		{
			name: "arrow in name",
			yaml: `
teams:
  "a->b":
    path: /srv/teams/arrow
`,
			wantErr: `must not contain "->"`,
		},
		{
			name: "bad permission policy",
			yaml: `
teams:
  alpha:
    path: /srv/teams/alpha
    permissionPolicy: maybe
`,
			wantErr: "invalid permissionPolicy",
		},
		{
			name: "remote without host",
			yaml: `
teams:
  alpha:
    path: /srv/teams/alpha
    remote:
      user: iris
`,
			wantErr: "remote.host is required",
		},
		{
			name: "negative idle timeout",
			yaml: `
teams:
  alpha:
    path: /srv/teams/alpha
    idleTimeoutMinutes: -5
`,
			wantErr: "idleTimeoutMinutes",
		},
		{
			name: "port out of range",
			yaml: `
teams:
  alpha:
    path: /srv/teams/alpha
    reverseMcpPort: 70000
`,
			wantErr: "invalid reverseMcpPort",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParse_CollectsAllErrors(t *testing.T) {
	_, err := Parse([]byte(`
teams:
  alpha: {}
  beta:
    path: /srv/teams/beta
    permissionPolicy: maybe
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `team "alpha"`)
	assert.Contains(t, err.Error(), `team "beta"`)
}

func TestNames_Sorted(t *testing.T) {
	reg, err := Parse([]byte(`
teams:
  zulu:
    path: /srv/teams/zulu
  alpha:
    path: /srv/teams/alpha
  mike:
    path: /srv/teams/mike
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "mike", "zulu"}, reg.Names())

	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "zulu", all[2].Name)

	assert.True(t, reg.Has("mike"))
	assert.False(t, reg.Has("november"))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "teams/alpha"), expandHome("~/teams/alpha"))
	assert.Equal(t, home, expandHome("~"))
	assert.Equal(t, "/srv/teams/alpha", expandHome("/srv/teams/alpha"))
}
