// Package policy implements the Mail Policy (C3): pure allow/deny rules
// evaluated identically at send and receive time. No I/O.
package policy

import (
	"context"
	"fmt"
	"strings"

	"mailflow/internal/domain"
)

// Decision is the outcome of evaluating a policy rule.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Identity is the subset of domain.IdentityView the policy needs to
// resolve team membership, kept narrow so evaluation stays pure of the
// broader identity surface.
type Identity interface {
	TeamByDomain(ctx context.Context, domainName string) (*domain.Team, error)
	TeamMembers(ctx context.Context, teamID string) ([]string, error)
}

// EvaluateInbound applies spec.md §4.3's rule order to an inbound sender.
func EvaluateInbound(ctx context.Context, agent domain.Agent, team domain.Team, senderEmail string, identity Identity) Decision {
	switch agent.MailPolicy.Mode {
	case domain.PolicyOpen:
		return allow()
	case domain.PolicyTeamOnly:
		return evaluateTeamOnly(ctx, team, senderEmail, identity)
	case domain.PolicyAllowlist:
		return evaluateAllowlistInbound(agent, senderEmail)
	default:
		return deny("unrecognised mail policy mode %q", agent.MailPolicy.Mode)
	}
}

// EvaluateOutbound applies spec.md §4.3's rule order to an outbound
// recipient. requesterEmail and peerUsername are optional context used
// by the allowlist rule's exceptions; pass "" when not applicable.
func EvaluateOutbound(ctx context.Context, agent domain.Agent, team domain.Team, recipientEmail, requesterEmail, peerUsername string, identity Identity) Decision {
	switch agent.MailPolicy.Mode {
	case domain.PolicyOpen:
		return allow()
	case domain.PolicyTeamOnly:
		return evaluateTeamOnly(ctx, team, recipientEmail, identity)
	case domain.PolicyAllowlist:
		if strings.EqualFold(recipientEmail, requesterEmail) && requesterEmail != "" {
			return allow()
		}
		if peerUsername != "" {
			for _, u := range agent.MultiRoundConfig.AllowedAgentUsernames {
				if strings.EqualFold(u, peerUsername) {
					return allow()
				}
			}
		}
		return evaluateAllowlistInbound(agent, recipientEmail)
	default:
		return deny("unrecognised mail policy mode %q", agent.MailPolicy.Mode)
	}
}

func evaluateTeamOnly(ctx context.Context, team domain.Team, email string, identity Identity) Decision {
	senderDomain := domainOf(email)
	if strings.EqualFold(senderDomain, team.Domain) {
		return allow()
	}
	members, err := identity.TeamMembers(ctx, team.ID)
	if err == nil {
		for _, m := range members {
			if strings.EqualFold(m, email) {
				return allow()
			}
		}
	}
	return deny("team-only: %s is not in team %s's domain or membership", email, team.Domain)
}

func evaluateAllowlistInbound(agent domain.Agent, email string) Decision {
	for _, a := range agent.MailPolicy.Allowlist {
		if strings.EqualFold(a, email) {
			return allow()
		}
	}
	return deny("allowlist: %s not present in agent %s's allowlist", email, agent.Username)
}

func domainOf(email string) string {
	i := strings.LastIndexByte(email, '@')
	if i < 0 {
		return ""
	}
	return email[i+1:]
}
