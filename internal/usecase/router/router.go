// Package router implements the Message Router (C7): classifies inbound
// mail as a flow-response or a new request, and dispatches outbound
// agent-to-agent and agent-to-user mail, enforcing Mail Policy.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"mailflow/internal/adapter/mailgateway"
	"mailflow/internal/domain"
	"mailflow/internal/usecase/policy"
)

// requestIDPattern matches the literal `[Req: req-...]` tag the Flow
// Engine embeds in agent-to-agent subjects.
var requestIDPattern = regexp.MustCompile(`\[Req:\s*(req-[A-Za-z0-9_-]+)\]`)

// ExtractRequestID pulls the `[Req: req-...]` tag out of a subject line,
// the same pattern Classify uses for request-id matching.
func ExtractRequestID(subject string) (string, bool) {
	m := requestIDPattern.FindStringSubmatch(subject)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Sender is the outbound half of the Mail Gateway Adapter.
type Sender interface {
	Send(ctx context.Context, msg mailgateway.OutboundMessage) (*mailgateway.SendResult, error)
}

// Router implements Message Router classification and dispatch.
type Router struct {
	store    domain.MailStore
	flows    domain.FlowStore
	identity domain.IdentityView
	sender   Sender
	bus      domain.EventBus
	logger   *slog.Logger
}

// New builds a Router.
func New(store domain.MailStore, flows domain.FlowStore, identity domain.IdentityView, sender Sender, bus domain.EventBus, logger *slog.Logger) *Router {
	return &Router{store: store, flows: flows, identity: identity, sender: sender, bus: bus, logger: logger}
}

// ClassifyResult is the outcome of classifying an inbound mail.
type ClassifyResult struct {
	IsResponse bool
	FlowID     string // set iff IsResponse
}

// Classify implements spec.md §4.7's inbound matching algorithm: header
// match, then request-id match, then sender verification and expiry
// check against the matched flow's waitingFor.
func Classify(ctx context.Context, msg domain.InboundMail, recipientAgent domain.Agent, flows domain.FlowStore, now time.Time) (ClassifyResult, error) {
	waiting, err := flows.ListFlowsByAgent(ctx, recipientAgent.ID, domain.FlowWaiting)
	if err != nil {
		return ClassifyResult{}, err
	}

	inboundRefs := make(map[string]bool, len(msg.InReplyTo)+len(msg.References))
	for _, id := range msg.InReplyTo {
		inboundRefs[id] = true
	}
	for _, id := range msg.References {
		inboundRefs[id] = true
	}

	senderLocal := localPart(msg.From)

	var candidate *domain.Flow
	// 1. Header match.
	for i := range waiting {
		f := &waiting[i]
		if f.WaitingFor == nil {
			continue
		}
		for _, tid := range f.WaitingFor.ThreadMessageIDs {
			if inboundRefs[tid] {
				candidate = f
				break
			}
		}
		if candidate != nil {
			break
		}
	}

	// 2. Request-id match.
	if candidate == nil {
		if m := requestIDPattern.FindStringSubmatch(msg.Subject); m != nil {
			reqID := m[1]
			for i := range waiting {
				f := &waiting[i]
				if f.WaitingFor != nil && f.WaitingFor.RequestID == reqID {
					candidate = f
					break
				}
			}
		}
	}

	if candidate == nil {
		return ClassifyResult{IsResponse: false}, nil
	}

	// 3. Sender verification.
	if !strings.EqualFold(senderLocal, candidate.WaitingFor.TargetAgentUsername) {
		return ClassifyResult{IsResponse: false}, nil
	}

	// 4. Expiry check.
	if now.After(candidate.WaitingFor.ExpectedBy) {
		return ClassifyResult{IsResponse: false}, nil
	}

	return ClassifyResult{IsResponse: true, FlowID: candidate.ID}, nil
}

func localPart(email string) string {
	i := strings.IndexByte(email, '@')
	if i < 0 {
		return email
	}
	return email[:i]
}

// SendAgentToAgent sends a flow-internal agent-to-agent message, tagged
// with the requestId subject marker, enforcing
// multiRoundConfig.canCommunicateWithAgents, (if set) the allowlist, and
// Mail Policy's outbound rules (so e.g. a team-only agent cannot reach a
// peer outside its own team's domain).
func (r *Router) SendAgentToAgent(ctx context.Context, fromAgent, toAgent domain.Agent, team domain.Team, subject, body, flowID, requestID string) (*domain.StoredMailEntry, error) {
	if !fromAgent.MultiRoundConfig.CanCommunicateWithAgents {
		return nil, domain.NewSubSystemError("mail", "Router.SendAgentToAgent", domain.ErrPolicyDenied, "agent may not communicate with other agents")
	}
	if len(fromAgent.MultiRoundConfig.AllowedAgentUsernames) > 0 && !usernameAllowed(fromAgent.MultiRoundConfig.AllowedAgentUsernames, toAgent.Username) {
		return nil, domain.NewSubSystemError("mail", "Router.SendAgentToAgent", domain.ErrPolicyDenied, fmt.Sprintf("%s not in %s's allowed agent list", toAgent.Username, fromAgent.Username))
	}
	toAddress := toAgent.Address(team.Domain)
	if d := policy.EvaluateOutbound(ctx, fromAgent, team, toAddress, "", toAgent.Username, r.identity); !d.Allowed {
		return nil, domain.NewSubSystemError("mail", "Router.SendAgentToAgent", domain.ErrPolicyDenied, d.Reason)
	}

	taggedSubject := fmt.Sprintf("[Req: %s] %s", requestID, subject)
	from := fromAgent.Address(team.Domain)
	return r.dispatch(ctx, fromAgent.ID, from, toAddress, taggedSubject, body, nil, nil, nil)
}

func usernameAllowed(list []string, username string) bool {
	for _, u := range list {
		if strings.EqualFold(u, username) {
			return true
		}
	}
	return false
}

// SendAgentToUser sends a final reply to the human requester, threading
// to the flow's trigger message, running the Mail Policy outbound check,
// and carrying any attachments gathered during the decision (spec.md
// §4.6's attachment capture plus the original trigger attachments).
func (r *Router) SendAgentToUser(ctx context.Context, fromAgent domain.Agent, team domain.Team, toEmail, subject, body string, trigger *domain.InboundMail, attachments []domain.Attachment) (*domain.StoredMailEntry, error) {
	d := policy.EvaluateOutbound(ctx, fromAgent, team, toEmail, "", "", r.identity)
	if !d.Allowed {
		return nil, domain.NewSubSystemError("mail", "Router.SendAgentToUser", domain.ErrPolicyDenied, d.Reason)
	}

	from := fromAgent.Address(team.Domain)
	var inReplyTo []string
	var references []string
	if trigger != nil {
		inReplyTo = []string{trigger.MessageID}
		references = append(append([]string{}, trigger.References...), trigger.MessageID)
		attachments = append(attachments, trigger.Attachments...)
	}
	return r.dispatch(ctx, fromAgent.ID, from, toEmail, subject, body, inReplyTo, references, attachments)
}

func (r *Router) dispatch(ctx context.Context, agentID, from, to, subject, body string, inReplyTo, references []string, attachments []domain.Attachment) (*domain.StoredMailEntry, error) {
	var replyHeader string
	if len(inReplyTo) > 0 {
		replyHeader = inReplyTo[0]
	}

	result, sendErr := r.sender.Send(ctx, mailgateway.OutboundMessage{
		From:        from,
		To:          to,
		Subject:     subject,
		Body:        body,
		InReplyTo:   replyHeader,
		References:  references,
		Attachments: attachments,
	})

	entry := domain.StoredMailEntry{
		Kind:              domain.MailOutbound,
		Timestamp:         time.Now().UTC(),
		From:              from,
		To:                to,
		Subject:           subject,
		Body:              body,
		AgentID:           agentID,
		InReplyTo:         inReplyTo,
		References:        references,
		Attachments:       attachments,
		DeliveryConfirmed: sendErr == nil,
	}
	if sendErr == nil {
		entry.MessageID = result.MessageID
	} else {
		// Gateway did not confirm; still persist with a deterministic
		// synthetic id so the store's uniqueness invariant holds and the
		// sweeper can reconcile later, per spec.md §4.7/§5 ordering rules.
		entry.MessageID = fmt.Sprintf("unsent-%d-%s", time.Now().UnixNano(), agentID)
	}

	stored, storeErr := r.store.StoreOutbound(ctx, entry)
	if storeErr != nil {
		r.logger.Error("router: failed to persist outbound entry", "error", storeErr)
	}
	if r.bus != nil {
		r.bus.Publish(ctx, domain.Event{Type: domain.EventMailOutboundSent, Timestamp: time.Now().UTC()})
	}

	if sendErr != nil {
		return &stored, fmt.Errorf("%w: %v", domain.ErrSendFailed, sendErr)
	}
	return &stored, nil
}
