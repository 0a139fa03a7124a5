package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mailflow/internal/adapter/mailgateway"
	"mailflow/internal/domain"
	"mailflow/internal/usecase/policy"
	"mailflow/internal/usecase/router"
)

// FlowEngine is the subset of the Flow Engine the Webhook Handler drives.
type FlowEngine interface {
	StartFlow(ctx context.Context, params domain.StartFlowParams) (domain.Flow, error)
	ExecuteRound(ctx context.Context, flowID string) error
	ResumeFlow(ctx context.Context, flowID string, incoming domain.StoredMailEntry) error
}

// InboundHandler implements the Webhook Handler (C9): the single HTTP
// entry point the mail gateway posts inbound messages to.
type InboundHandler struct {
	auth     Authenticator
	mail     domain.MailStore
	identity domain.IdentityView
	flows    domain.FlowStore
	engine   FlowEngine
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewInboundHandler builds the Webhook Handler. The 1MB request body cap
// is enforced in mailgateway.DecodeHTTPRequest.
func NewInboundHandler(auth Authenticator, mail domain.MailStore, identity domain.IdentityView, flows domain.FlowStore, engine FlowEngine, bus domain.EventBus, logger *slog.Logger) *InboundHandler {
	return &InboundHandler{
		auth:     auth,
		mail:     mail,
		identity: identity,
		flows:    flows,
		engine:   engine,
		bus:      bus,
		logger:   logger,
	}
}

// ServeHTTP implements spec.md §4.9: a single POST endpoint for inbound
// mail that always answers HTTP 200 {ok:true}, even when internal
// processing fails, so the gateway never retries a message it already
// delivered once.
func (h *InboundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := h.authenticate(r); err != nil {
		h.logger.Warn("webhook handler: rejected unauthenticated request", "error", err, "remote", r.RemoteAddr)
		h.publish(r.Context(), domain.EventMailInboundDropped)
		h.respondOK(w)
		return
	}

	fields, err := mailgateway.DecodeHTTPRequest(w, r)
	if err != nil {
		h.logger.Warn("webhook handler: malformed inbound payload", "error", err)
		h.respondOK(w)
		return
	}

	inbound := mailgateway.ParseInbound(fields)
	if inbound.MessageID == "" || inbound.From == "" || inbound.To == "" {
		h.logger.Warn("webhook handler: inbound payload missing required fields", "to", inbound.To, "from", inbound.From)
		h.respondOK(w)
		return
	}

	ctx := r.Context()
	h.process(ctx, inbound)
	h.respondOK(w)
}

func (h *InboundHandler) respondOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (h *InboundHandler) authenticate(r *http.Request) error {
	if h.auth == nil {
		return nil
	}
	token := r.Header.Get("X-Inbound-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	_, err := h.auth.Authenticate(token)
	return err
}

// process runs the full inbound pipeline: store, resolve recipient,
// enforce mail policy, classify as a flow-response or a new request, and
// drive the Flow Engine accordingly. Errors are logged, never surfaced
// to the gateway — the 200 response is unconditional per spec.md §4.9.
func (h *InboundHandler) process(ctx context.Context, inbound domain.InboundMail) {
	agent, team, err := h.resolveRecipient(ctx, inbound.To)
	if err != nil {
		h.logger.Warn("webhook handler: unresolvable recipient", "to", inbound.To, "error", err)
		h.publish(ctx, domain.EventMailInboundDropped)
		return
	}

	stored, err := h.mail.StoreInbound(ctx, domain.StoredMailEntry{
		Kind:        domain.MailInbound,
		Timestamp:   time.Now().UTC(),
		MessageID:   domain.NormalizeMessageID(inbound.MessageID),
		From:        inbound.From,
		To:          inbound.To,
		Subject:     inbound.Subject,
		Body:        inbound.Body,
		AgentID:     agent.ID,
		InReplyTo:   inbound.InReplyTo,
		References:  inbound.References,
		Attachments: inbound.Attachments,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateMessageID) {
			h.logger.Info("webhook handler: duplicate inbound message ignored", "message_id", inbound.MessageID)
			return
		}
		h.logger.Error("webhook handler: failed to persist inbound mail", "error", err)
		return
	}
	h.publish(ctx, domain.EventMailInboundStored)

	decision := policy.EvaluateInbound(ctx, *agent, *team, inbound.From, h.identity)
	if !decision.Allowed {
		h.logger.Info("webhook handler: mail policy denied inbound sender", "from", inbound.From, "agent", agent.Username, "reason", decision.Reason)
		h.publish(ctx, domain.EventMailPolicyDenied)
		return
	}

	classified, err := router.Classify(ctx, inbound, *agent, h.flows, time.Now().UTC())
	if err != nil {
		h.logger.Error("webhook handler: classify failed", "error", err)
		return
	}

	if classified.IsResponse {
		if err := h.engine.ResumeFlow(ctx, classified.FlowID, stored); err != nil {
			h.logger.Error("webhook handler: resume flow failed", "flow_id", classified.FlowID, "error", err)
		}
		return
	}

	flow, err := h.engine.StartFlow(ctx, h.startParams(ctx, *agent, *team, inbound))
	if err != nil {
		h.logger.Error("webhook handler: start flow failed", "error", err)
		return
	}
	if err := h.engine.ExecuteRound(ctx, flow.ID); err != nil {
		h.logger.Error("webhook handler: execute round failed", "flow_id", flow.ID, "error", err)
	}
}

// startParams builds StartFlowParams for a new inbound request. When the
// sender address resolves to a known agent and the subject carries the
// `[Req: ...]` tag the Flow Engine embeds in agent-to-agent mail, this is
// a delegated request: the requester and user context are inherited from
// the delegating agent's own waiting flow rather than attributed to the
// sending agent (spec.md §4.8's delegation-preserves-requester rule).
func (h *InboundHandler) startParams(ctx context.Context, agent domain.Agent, team domain.Team, inbound domain.InboundMail) domain.StartFlowParams {
	params := domain.StartFlowParams{
		Agent:     agent,
		Team:      team,
		Trigger:   inbound,
		Requester: domain.Requester{Email: inbound.From},
	}

	senderAgent, _, err := h.resolveRecipient(ctx, inbound.From)
	if err != nil {
		return params
	}
	reqID, ok := router.ExtractRequestID(inbound.Subject)
	if !ok {
		return params
	}
	waiting, err := h.flows.ListFlowsByAgent(ctx, senderAgent.ID, domain.FlowWaiting)
	if err != nil {
		return params
	}
	for _, f := range waiting {
		if f.WaitingFor != nil && f.WaitingFor.RequestID == reqID {
			params.Requester = f.Requester
			params.UserID = f.UserID
			params.DelegatingRequestID = reqID
			break
		}
	}
	return params
}

// resolveRecipient splits the To address into a team domain and agent
// username and resolves both against the Identity View.
func (h *InboundHandler) resolveRecipient(ctx context.Context, to string) (*domain.Agent, *domain.Team, error) {
	addr := firstAddress(to)
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return nil, nil, domain.NewSubSystemError("agent", "InboundHandler.resolveRecipient", domain.ErrInvalidInput, to)
	}
	username, domainName := addr[:i], addr[i+1:]

	team, err := h.identity.TeamByDomain(ctx, domainName)
	if err != nil {
		return nil, nil, err
	}
	agent, err := h.identity.AgentByUsername(ctx, team.ID, username)
	if err != nil {
		return nil, nil, err
	}
	return agent, team, nil
}

// firstAddress takes the first comma-separated address in a To/Cc-style
// field and strips any "Display Name <addr>" wrapper.
func firstAddress(field string) string {
	first := strings.TrimSpace(strings.SplitN(field, ",", 2)[0])
	if i := strings.IndexByte(first, '<'); i >= 0 {
		first = first[i+1:]
		first = strings.TrimSuffix(first, ">")
	}
	return strings.TrimSpace(first)
}

func (h *InboundHandler) publish(ctx context.Context, evt domain.EventType) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(ctx, domain.Event{Type: evt, Timestamp: time.Now().UTC()})
}
