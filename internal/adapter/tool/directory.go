package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"mailflow/internal/domain"
)

// DirectoryTool lets an agent look up teammates and peer agents within its
// own team (spec.md §4.5's "directory" backend) without granting it write
// access to identity data, which stays out of this engine's scope.
type DirectoryTool struct {
	identity domain.IdentityView
	logger   *slog.Logger
}

// NewDirectoryTool builds the agent directory tool.
func NewDirectoryTool(identity domain.IdentityView, logger *slog.Logger) *DirectoryTool {
	return &DirectoryTool{identity: identity, logger: logger}
}

func (t *DirectoryTool) Name() string { return "directory" }
func (t *DirectoryTool) Description() string {
	return "Look up the calling agent's team, its human members, and peer agents reachable within the team."
}

func (t *DirectoryTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["whoami", "list_team_members", "lookup_user"],
					"description": "The directory action to perform"
				},
				"email": {
					"type": "string",
					"description": "Email address to look up (lookup_user)"
				}
			},
			"required": ["action"]
		}`),
	}
}

type directoryParams struct {
	Action string `json:"action"`
	Email  string `json:"email,omitempty"`
}

func (t *DirectoryTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.directory", t.logger, params,
		Dispatch(func(p directoryParams) string { return p.Action }, ActionMap[directoryParams]{
			"whoami":            t.handleWhoami,
			"list_team_members": t.handleListTeamMembers,
			"lookup_user":       t.handleLookupUser,
		}),
	)
}

func (t *DirectoryTool) callingAgent(ctx context.Context) (*domain.Agent, *domain.Team, error) {
	agentID := domain.AgentIDFromContext(ctx)
	agent, err := t.identity.AgentByID(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving calling agent: %w", err)
	}
	team, err := t.identity.TeamByID(ctx, agent.TeamID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving agent team: %w", err)
	}
	return agent, team, nil
}

type directoryEntry struct {
	Username string `json:"username"`
	Address  string `json:"address"`
	Role     string `json:"role,omitempty"`
}

func (t *DirectoryTool) handleWhoami(ctx context.Context, _ directoryParams) (any, error) {
	agent, team, err := t.callingAgent(ctx)
	if err != nil {
		return nil, err
	}
	return directoryEntry{
		Username: agent.Username,
		Address:  agent.Address(team.Domain),
		Role:     agent.Role,
	}, nil
}

func (t *DirectoryTool) handleListTeamMembers(ctx context.Context, _ directoryParams) (any, error) {
	_, team, err := t.callingAgent(ctx)
	if err != nil {
		return nil, err
	}
	members, err := t.identity.TeamMembers(ctx, team.ID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return TextResult("No team members found."), nil
	}
	return members, nil
}

func (t *DirectoryTool) handleLookupUser(ctx context.Context, p directoryParams) (any, error) {
	if err := RequireField("email", p.Email); err != nil {
		return nil, err
	}
	user, err := t.identity.UserByEmail(ctx, p.Email)
	if err != nil {
		return nil, fmt.Errorf("user %q not found: %w", p.Email, err)
	}
	return user, nil
}
