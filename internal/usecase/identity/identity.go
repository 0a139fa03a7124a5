// Package identity implements the Identity View (C2): a read-only
// snapshot of teams, users, memberships, and agents, loaded on demand
// from the admin-owned configuration the engine treats as an external
// collaborator (spec.md §1 "OUT OF SCOPE: Identity store").
package identity

import (
	"context"
	"strings"
	"sync"

	"mailflow/internal/domain"
)

// Snapshot is the raw data an IdentityView is built from.
type Snapshot struct {
	Teams       []domain.Team
	Users       []domain.User
	Memberships []domain.Membership
	Agents      []domain.Agent
}

// View is an in-memory, read-mostly implementation of domain.IdentityView.
// It may be rebuilt wholesale and swapped in; this package does not
// implement partial invalidation (spec.md §5 "out of scope").
type View struct {
	mu sync.RWMutex

	teamsByDomain  map[string]domain.Team
	teamsByID      map[string]domain.Team
	usersByEmail   map[string]domain.User
	agentsByID     map[string]domain.Agent
	agentsByTeamUn map[string]domain.Agent // teamID + "\x00" + username
	membersByTeam  map[string][]string
}

// NewView builds an IdentityView from a snapshot. All comparisons are
// case-folded per spec.md §4.2.
func NewView(snap Snapshot) *View {
	v := &View{
		teamsByDomain:  make(map[string]domain.Team, len(snap.Teams)),
		teamsByID:      make(map[string]domain.Team, len(snap.Teams)),
		usersByEmail:   make(map[string]domain.User, len(snap.Users)),
		agentsByID:     make(map[string]domain.Agent, len(snap.Agents)),
		agentsByTeamUn: make(map[string]domain.Agent, len(snap.Agents)),
		membersByTeam:  make(map[string][]string),
	}
	v.load(snap)
	return v
}

// Reload atomically replaces the view's contents with a fresh snapshot.
func (v *View) Reload(snap Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.teamsByDomain = make(map[string]domain.Team, len(snap.Teams))
	v.teamsByID = make(map[string]domain.Team, len(snap.Teams))
	v.usersByEmail = make(map[string]domain.User, len(snap.Users))
	v.agentsByID = make(map[string]domain.Agent, len(snap.Agents))
	v.agentsByTeamUn = make(map[string]domain.Agent, len(snap.Agents))
	v.membersByTeam = make(map[string][]string)
	v.load(snap)
}

func (v *View) load(snap Snapshot) {
	for _, t := range snap.Teams {
		v.teamsByDomain[strings.ToLower(t.Domain)] = t
		v.teamsByID[t.ID] = t
	}
	for _, u := range snap.Users {
		v.usersByEmail[strings.ToLower(u.Email)] = u
	}
	for _, a := range snap.Agents {
		v.agentsByID[a.ID] = a
		v.agentsByTeamUn[teamUsernameKey(a.TeamID, a.Username)] = a
	}
	for _, m := range snap.Memberships {
		email := ""
		for _, u := range snap.Users {
			if u.ID == m.UserID {
				email = u.Email
				break
			}
		}
		if email != "" {
			v.membersByTeam[m.TeamID] = append(v.membersByTeam[m.TeamID], email)
		}
	}
}

func teamUsernameKey(teamID, username string) string {
	return teamID + "\x00" + strings.ToLower(username)
}

// TeamByDomain does a lower-cased exact match.
func (v *View) TeamByDomain(_ context.Context, domainName string) (*domain.Team, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.teamsByDomain[strings.ToLower(domainName)]
	if !ok {
		return nil, domain.NewSubSystemError("team", "IdentityView.TeamByDomain", domain.ErrNotFound, domainName)
	}
	return &t, nil
}

// TeamByID resolves a team by its id.
func (v *View) TeamByID(_ context.Context, teamID string) (*domain.Team, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.teamsByID[teamID]
	if !ok {
		return nil, domain.NewSubSystemError("team", "IdentityView.TeamByID", domain.ErrNotFound, teamID)
	}
	return &t, nil
}

// UserByEmail does an exact email match across all teams.
func (v *View) UserByEmail(_ context.Context, email string) (*domain.User, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	u, ok := v.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, domain.NewSubSystemError("user", "IdentityView.UserByEmail", domain.ErrNotFound, email)
	}
	return &u, nil
}

// AgentByUsername resolves an agent by team and lower-cased local-part.
func (v *View) AgentByUsername(_ context.Context, teamID, username string) (*domain.Agent, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.agentsByTeamUn[teamUsernameKey(teamID, username)]
	if !ok {
		return nil, domain.NewSubSystemError("agent", "IdentityView.AgentByUsername", domain.ErrNotFound, username)
	}
	return &a, nil
}

// AgentByID resolves an agent by its id.
func (v *View) AgentByID(_ context.Context, id string) (*domain.Agent, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.agentsByID[id]
	if !ok {
		return nil, domain.NewSubSystemError("agent", "IdentityView.AgentByID", domain.ErrNotFound, id)
	}
	return &a, nil
}

// TeamMembers lists member emails for a team.
func (v *View) TeamMembers(_ context.Context, teamID string) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.membersByTeam[teamID]...), nil
}

var _ domain.IdentityView = (*View)(nil)
