package domain

// MailPolicyMode selects how an agent's Mail Policy evaluates a sender or recipient.
type MailPolicyMode string

const (
	PolicyOpen      MailPolicyMode = "open"
	PolicyTeamOnly  MailPolicyMode = "team-only"
	PolicyAllowlist MailPolicyMode = "allowlist"
)

// MailPolicy is the per-agent allow/deny configuration evaluated identically
// on send and on receive.
type MailPolicy struct {
	Mode      MailPolicyMode `json:"mode"                yaml:"mode"`
	Allowlist []string       `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
}

// MultiRoundConfig governs how many rounds a flow may take and which peer
// agents it may delegate to.
type MultiRoundConfig struct {
	Enabled                  bool     `json:"enabled"                     yaml:"enabled"`
	MaxRounds                int      `json:"maxRounds"                   yaml:"max_rounds"`
	TimeoutMinutes           int      `json:"timeoutMinutes"              yaml:"timeout_minutes"`
	CanCommunicateWithAgents bool     `json:"canCommunicateWithAgents"    yaml:"can_communicate_with_agents"`
	AllowedAgentUsernames    []string `json:"allowedAgentUsernames,omitempty" yaml:"allowed_agent_usernames,omitempty"`
}

// Agent is a persona with an address in a team's mail domain. It is
// immutable from the engine's perspective — created and edited by the
// out-of-scope admin surface.
type Agent struct {
	ID               string            `json:"id"                 yaml:"id"`
	TeamID           string            `json:"teamId"             yaml:"team_id"`
	Username         string            `json:"username"           yaml:"username"` // local-part only
	Name             string            `json:"name"               yaml:"name"`
	Role             string            `json:"role,omitempty"     yaml:"role,omitempty"`
	Prompt           string            `json:"prompt"             yaml:"prompt"` // system message for the LLM
	MCPServerIDs     []string          `json:"mcpServerIds,omitempty" yaml:"mcp_server_ids,omitempty"`
	MailPolicy       MailPolicy        `json:"mailPolicy"         yaml:"mail_policy"`
	MultiRoundConfig MultiRoundConfig  `json:"multiRoundConfig"   yaml:"multi_round_config"`
	Metadata         map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Address returns the agent's full mailbox address given its team's domain.
func (a Agent) Address(teamDomain string) string {
	return a.Username + "@" + teamDomain
}

// AgentStatus is a read-only snapshot of an agent's current flow load, used
// by operational surfaces outside this engine's scope.
type AgentStatus struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TeamID       string `json:"team_id"`
	ActiveFlows  int    `json:"active_flows"`
	WaitingFlows int    `json:"waiting_flows"`
}
