// Package teams loads the team registry from teams.yaml and resolves
// team names to their workspace configuration.
package teams

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrTeamNotFound is returned when a team name is not present in the registry.
var ErrTeamNotFound = errors.New("team not found")

// Permission policies controlling how tool calls from the agent are granted.
const (
	PolicyAsk = "ask" // route tool calls through the permission broker
	PolicyYes = "yes" // broker wired in, auto-approve
	PolicyNo  = "no"  // no permission prompt tool at all
)

const defaultExecutable = "claude"

// RemoteConfig describes a team whose workspace lives on another host,
// reached over SSH.
type RemoteConfig struct {
	Host         string `yaml:"host" json:"host"`
	User         string `yaml:"user,omitempty" json:"user,omitempty"`
	Port         int    `yaml:"port,omitempty" json:"port,omitempty"`
	IdentityFile string `yaml:"identityFile,omitempty" json:"identityFile,omitempty"`
}

// Addr returns the host:port dial address, defaulting to SSH port 22.
func (r *RemoteConfig) Addr() string {
	port := r.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", r.Host, port)
}

// Team is one named workspace an agent process can be spawned into.
type Team struct {
	Name               string        `yaml:"-" json:"name"`
	Path               string        `yaml:"path" json:"path"`
	ClaudePath         string        `yaml:"claudePath,omitempty" json:"claudePath,omitempty"`
	PermissionPolicy   string        `yaml:"permissionPolicy,omitempty" json:"permissionPolicy,omitempty"`
	DisallowedTools    []string      `yaml:"disallowedTools,omitempty" json:"disallowedTools,omitempty"`
	IdleTimeoutMinutes int           `yaml:"idleTimeoutMinutes,omitempty" json:"idleTimeoutMinutes,omitempty"`
	ReverseMcpPort     int           `yaml:"reverseMcpPort,omitempty" json:"reverseMcpPort,omitempty"`
	AllowHTTP          bool          `yaml:"allowHttp,omitempty" json:"allowHttp,omitempty"`
	Remote             *RemoteConfig `yaml:"remote,omitempty" json:"remote,omitempty"`
}

// IsRemote reports whether the team's workspace lives on another host.
func (t *Team) IsRemote() bool {
	return t.Remote != nil
}

// Executable returns the agent CLI binary for this team.
func (t *Team) Executable() string {
	if t.ClaudePath != "" {
		return t.ClaudePath
	}
	return defaultExecutable
}

// Policy returns the effective permission policy, defaulting to yes.
func (t *Team) Policy() string {
	if t.PermissionPolicy == "" {
		return PolicyYes
	}
	return t.PermissionPolicy
}

// IdleTimeout returns the idle termination window, or zero when the team
// never idles out.
func (t *Team) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutMinutes) * time.Minute
}

// teamsFile is the on-disk shape of teams.yaml.
type teamsFile struct {
	Teams map[string]*Team `yaml:"teams"`
}

// Registry holds the loaded teams, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	path  string
	teams map[string]*Team
}

// Load reads and validates teams.yaml at the given path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read teams config %s: %w", path, err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid teams config %s: %w", path, err)
	}
	reg.path = path
	return reg, nil
}

// Parse builds a registry from raw YAML.
func Parse(data []byte) (*Registry, error) {
	var file teamsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if len(file.Teams) == 0 {
		return nil, errors.New("no teams defined")
	}

	teams := make(map[string]*Team, len(file.Teams))
	var errs []string
	for name, team := range file.Teams {
		if team == nil {
			team = &Team{}
		}
		team.Name = name
		team.Path = expandHome(team.Path)
		if team.Remote != nil {
			team.Remote.IdentityFile = expandHome(team.Remote.IdentityFile)
		}
		if err := team.validate(); err != nil {
			errs = append(errs, fmt.Sprintf("team %q: %v", name, err))
			continue
		}
		teams[name] = team
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, errors.New(strings.Join(errs, "; "))
	}

	return &Registry{teams: teams}, nil
}

func (t *Team) validate() error {
	if t.Name == "" {
		return errors.New("name is empty")
	}
	// Names become tokens of the pool key "<from>-><to>".
	if strings.Contains(t.Name, "->") {
		return errors.New("name must not contain \"->\"")
	}
	if t.Path == "" {
		return errors.New("path is required")
	}
	switch t.PermissionPolicy {
	case "", PolicyAsk, PolicyYes, PolicyNo:
	default:
		return fmt.Errorf("invalid permissionPolicy %q (must be ask, yes, or no)", t.PermissionPolicy)
	}
	if t.IdleTimeoutMinutes < 0 {
		return errors.New("idleTimeoutMinutes must not be negative")
	}
	if t.ReverseMcpPort < 0 || t.ReverseMcpPort > 65535 {
		return fmt.Errorf("invalid reverseMcpPort %d", t.ReverseMcpPort)
	}
	if t.Remote != nil {
		if t.Remote.Host == "" {
			return errors.New("remote.host is required")
		}
		if t.Remote.Port < 0 || t.Remote.Port > 65535 {
			return fmt.Errorf("invalid remote.port %d", t.Remote.Port)
		}
	}
	return nil
}

// Get retrieves a team by name.
func (r *Registry) Get(name string) (*Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	team, ok := r.teams[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, name)
	}
	return team, nil
}

// Has reports whether a team exists in the registry.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.teams[name]
	return ok
}

// Names returns all team names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.teams))
	for name := range r.teams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every team sorted by name.
func (r *Registry) All() []*Team {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Team, 0, len(r.teams))
	for _, team := range r.teams {
		all = append(all, team)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Len returns the number of configured teams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.teams)
}

// Path returns the file the registry was loaded from, if any.
func (r *Registry) Path() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.path
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
