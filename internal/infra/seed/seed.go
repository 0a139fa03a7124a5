// Package seed loads the Identity View's (C2) starting snapshot from a
// YAML file. spec.md treats the identity store itself as an external,
// admin-owned collaborator (§1 "OUT OF SCOPE: Identity store"); this
// package is only the file-based stand-in main.go needs to have
// something to boot the engine with, mirroring config.Load's own
// read-YAML-then-validate shape.
package seed

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"mailflow/internal/domain"
	"mailflow/internal/usecase/identity"
)

// Document is the on-disk shape of an identity seed file.
type Document struct {
	Teams       []TeamDoc       `yaml:"teams"`
	Users       []UserDoc       `yaml:"users"`
	Memberships []MembershipDoc `yaml:"memberships"`
	Agents      []AgentDoc      `yaml:"agents"`
}

type TeamDoc struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Domain string `yaml:"domain"`
}

type UserDoc struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type MembershipDoc struct {
	UserID string `yaml:"user_id"`
	TeamID string `yaml:"team_id"`
}

type MailPolicyDoc struct {
	Mode      string   `yaml:"mode"`
	Allowlist []string `yaml:"allowlist,omitempty"`
}

type MultiRoundDoc struct {
	Enabled                  bool     `yaml:"enabled"`
	MaxRounds                int      `yaml:"max_rounds"`
	TimeoutMinutes           int      `yaml:"timeout_minutes"`
	CanCommunicateWithAgents bool     `yaml:"can_communicate_with_agents"`
	AllowedAgentUsernames    []string `yaml:"allowed_agent_usernames,omitempty"`
}

type AgentDoc struct {
	ID               string            `yaml:"id"`
	TeamID           string            `yaml:"team_id"`
	Username         string            `yaml:"username"`
	Name             string            `yaml:"name"`
	Role             string            `yaml:"role,omitempty"`
	Prompt           string            `yaml:"prompt"`
	MCPServerIDs     []string          `yaml:"mcp_server_ids,omitempty"`
	MailPolicy       MailPolicyDoc     `yaml:"mail_policy"`
	MultiRoundConfig MultiRoundDoc     `yaml:"multi_round_config"`
	Metadata         map[string]string `yaml:"metadata,omitempty"`
}

// Load reads path and converts it into an identity.Snapshot. An empty or
// missing path yields an empty snapshot — a fresh deployment with no
// agents configured yet, not an error.
func Load(path string) (identity.Snapshot, error) {
	if path == "" {
		return identity.Snapshot{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return identity.Snapshot{}, nil
		}
		return identity.Snapshot{}, fmt.Errorf("read identity seed: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return identity.Snapshot{}, fmt.Errorf("parse identity seed: %w", err)
	}

	return toSnapshot(doc)
}

func toSnapshot(doc Document) (identity.Snapshot, error) {
	snap := identity.Snapshot{
		Teams:       make([]domain.Team, 0, len(doc.Teams)),
		Users:       make([]domain.User, 0, len(doc.Users)),
		Memberships: make([]domain.Membership, 0, len(doc.Memberships)),
		Agents:      make([]domain.Agent, 0, len(doc.Agents)),
	}

	for i, t := range doc.Teams {
		if t.ID == "" || t.Domain == "" {
			return identity.Snapshot{}, fmt.Errorf("identity seed: teams[%d] needs id and domain", i)
		}
		snap.Teams = append(snap.Teams, domain.Team{ID: t.ID, Name: t.Name, Domain: t.Domain})
	}
	for i, u := range doc.Users {
		if u.ID == "" || u.Email == "" {
			return identity.Snapshot{}, fmt.Errorf("identity seed: users[%d] needs id and email", i)
		}
		snap.Users = append(snap.Users, domain.User{ID: u.ID, Name: u.Name, Email: u.Email})
	}
	for _, m := range doc.Memberships {
		snap.Memberships = append(snap.Memberships, domain.Membership{UserID: m.UserID, TeamID: m.TeamID})
	}
	for i, a := range doc.Agents {
		if a.ID == "" || a.TeamID == "" || a.Username == "" {
			return identity.Snapshot{}, fmt.Errorf("identity seed: agents[%d] needs id, team_id and username", i)
		}
		mode := domain.MailPolicyMode(strings.ToLower(a.MailPolicy.Mode))
		if mode == "" {
			mode = domain.PolicyTeamOnly
		}
		snap.Agents = append(snap.Agents, domain.Agent{
			ID:           a.ID,
			TeamID:       a.TeamID,
			Username:     a.Username,
			Name:         a.Name,
			Role:         a.Role,
			Prompt:       a.Prompt,
			MCPServerIDs: a.MCPServerIDs,
			MailPolicy: domain.MailPolicy{
				Mode:      mode,
				Allowlist: a.MailPolicy.Allowlist,
			},
			MultiRoundConfig: domain.MultiRoundConfig{
				Enabled:                  a.MultiRoundConfig.Enabled,
				MaxRounds:                a.MultiRoundConfig.MaxRounds,
				TimeoutMinutes:           a.MultiRoundConfig.TimeoutMinutes,
				CanCommunicateWithAgents: a.MultiRoundConfig.CanCommunicateWithAgents,
				AllowedAgentUsernames:    a.MultiRoundConfig.AllowedAgentUsernames,
			},
			Metadata: a.Metadata,
		})
	}

	return snap, nil
}
