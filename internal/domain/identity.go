package domain

import "context"

// Team is a mail domain owner. Read-only to the core engine.
type Team struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"` // unique, lower-cased
}

// User is a member of one or more teams.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Membership associates a user with a team.
type Membership struct {
	UserID string `json:"userId"`
	TeamID string `json:"teamId"`
}

// Requester identifies the human who triggered a flow, independent of
// whether they resolve to a known User.
type Requester struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// IdentityView is a read-only snapshot of teams, users, memberships, and
// agents. It may be cached in-process; invalidation on admin mutation is
// out of scope for this engine.
type IdentityView interface {
	TeamByDomain(ctx context.Context, domain string) (*Team, error)
	TeamByID(ctx context.Context, teamID string) (*Team, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	AgentByUsername(ctx context.Context, teamID, username string) (*Agent, error)
	AgentByID(ctx context.Context, id string) (*Agent, error)
	TeamMembers(ctx context.Context, teamID string) ([]string, error)
}
