package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mailflow/internal/adapter/mailgateway"
	"mailflow/internal/domain"
	"mailflow/internal/usecase/policy"
)

// Sender is the outbound half of the Mail Gateway Adapter, the same
// interface the Message Router drives.
type Sender interface {
	Send(ctx context.Context, msg mailgateway.OutboundMessage) (*mailgateway.SendResult, error)
}

// EmailActionTool lets an agent reply to or forward an already-stored
// message (spec.md §4.5's email-action backend) rather than composing
// mail from scratch — composing a brand new message is the Flow Engine's
// job via Decision.complete, not a tool call.
type EmailActionTool struct {
	mail        domain.MailStore
	identity    domain.IdentityView
	sender      Sender
	sendLimiter *RateLimiter
	logger      *slog.Logger
}

// NewEmailActionTool builds the email-action tool.
func NewEmailActionTool(mail domain.MailStore, identity domain.IdentityView, sender Sender, maxSendsPerHour int, logger *slog.Logger) *EmailActionTool {
	return &EmailActionTool{
		mail:        mail,
		identity:    identity,
		sender:      sender,
		sendLimiter: NewRateLimiter(maxSendsPerHour, time.Hour),
		logger:      logger,
	}
}

func (t *EmailActionTool) Name() string { return "email" }
func (t *EmailActionTool) Description() string {
	return "Reply to or forward a message already in the mail history, by message_id. " +
		"Use this only for messages that exist in the conversation; it cannot compose unrelated mail."
}

func (t *EmailActionTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["reply", "forward"],
					"description": "reply keeps the original recipient; forward sends to a new address"
				},
				"message_id": {
					"type": "string",
					"description": "Message-ID of the stored mail entry to reply to or forward"
				},
				"to": {
					"type": "string",
					"description": "Recipient address (forward only)"
				},
				"body": {
					"type": "string",
					"description": "Reply or forward body text"
				}
			},
			"required": ["action", "message_id", "body"]
		}`),
	}
}

type emailActionParams struct {
	Action    string `json:"action"`
	MessageID string `json:"message_id"`
	To        string `json:"to,omitempty"`
	Body      string `json:"body"`
}

func (t *EmailActionTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.email", t.logger, params,
		Dispatch(func(p emailActionParams) string { return p.Action }, ActionMap[emailActionParams]{
			"reply":   t.handleReply,
			"forward": t.handleForward,
		}),
	)
}

func (t *EmailActionTool) handleReply(ctx context.Context, p emailActionParams) (any, error) {
	if err := RequireFields("message_id", p.MessageID, "body", p.Body); err != nil {
		return nil, err
	}
	original, agent, team, err := t.resolve(ctx, p.MessageID)
	if err != nil {
		return nil, err
	}
	recipient := replyRecipient(*original, agent.Address(team.Domain))
	if err := t.checkPolicy(ctx, *agent, *team, recipient); err != nil {
		return nil, err
	}
	return t.send(ctx, *agent, *team, *original, recipient, replySubject(original.Subject), p.Body)
}

func (t *EmailActionTool) handleForward(ctx context.Context, p emailActionParams) (any, error) {
	if err := RequireFields("message_id", p.MessageID, "to", p.To, "body", p.Body); err != nil {
		return nil, err
	}
	original, agent, team, err := t.resolve(ctx, p.MessageID)
	if err != nil {
		return nil, err
	}
	if err := t.checkPolicy(ctx, *agent, *team, p.To); err != nil {
		return nil, err
	}
	body := p.Body + "\n\n---------- Forwarded message ----------\n" +
		fmt.Sprintf("From: %s\nSubject: %s\n\n%s", original.From, original.Subject, original.Body)
	return t.send(ctx, *agent, *team, *original, p.To, "Fwd: "+original.Subject, body)
}

// resolve looks up the referenced stored message and the calling agent's
// identity from the tool-scope context (spec.md §4.5's per-call
// `context { teamId, userId, agentId }`).
func (t *EmailActionTool) resolve(ctx context.Context, messageID string) (*domain.StoredMailEntry, *domain.Agent, *domain.Team, error) {
	original, err := t.mail.GetByMessageID(ctx, messageID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("message %q not found in mail history", messageID)
	}
	agentID := domain.AgentIDFromContext(ctx)
	agent, err := t.identity.AgentByID(ctx, agentID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolving calling agent: %w", err)
	}
	team, err := t.identity.TeamByID(ctx, agent.TeamID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolving agent team: %w", err)
	}
	return original, agent, team, nil
}

func (t *EmailActionTool) checkPolicy(ctx context.Context, agent domain.Agent, team domain.Team, recipient string) error {
	d := policy.EvaluateOutbound(ctx, agent, team, recipient, "", "", t.identity)
	if !d.Allowed {
		return fmt.Errorf("mail policy denies sending to %q: %s", recipient, d.Reason)
	}
	return nil
}

func (t *EmailActionTool) send(ctx context.Context, agent domain.Agent, team domain.Team, original domain.StoredMailEntry, to, subject, body string) (any, error) {
	if !t.sendLimiter.Allow() {
		return nil, fmt.Errorf("send rate limit exceeded (max sends per hour reached)")
	}
	res, sendErr := t.sender.Send(ctx, mailgateway.OutboundMessage{
		From:      agent.Address(team.Domain),
		To:        to,
		Subject:   subject,
		Body:      body,
		InReplyTo: original.MessageID,
	})
	entry := domain.StoredMailEntry{
		Kind:              domain.MailOutbound,
		From:              agent.Address(team.Domain),
		To:                to,
		Subject:           subject,
		Body:              body,
		AgentID:           agent.ID,
		InReplyTo:         []string{original.MessageID},
		DeliveryConfirmed: sendErr == nil,
	}
	if sendErr != nil {
		entry.MessageID = fmt.Sprintf("unsent-%d-%s", time.Now().UnixNano(), agent.ID)
		t.logger.Warn("email action: send failed", "message_id", original.MessageID, "error", sendErr)
	} else {
		entry.MessageID = res.MessageID
	}
	if _, err := t.mail.StoreOutbound(ctx, entry); err != nil {
		t.logger.Warn("email action: store outbound failed", "error", err)
	}
	if sendErr != nil {
		return nil, sendErr
	}
	return TextResult(fmt.Sprintf("Sent to %s.", to)), nil
}

// replyRecipient returns whichever party on the original message is not
// the replying agent.
func replyRecipient(original domain.StoredMailEntry, agentAddress string) string {
	if strings.EqualFold(original.From, agentAddress) {
		return original.To
	}
	return original.From
}

func replySubject(subject string) string {
	const prefix = "Re: "
	if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
		return subject
	}
	return prefix + subject
}
