package flow

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"mailflow/internal/domain"
	"mailflow/internal/usecase/decision"
	"mailflow/internal/usecase/policy"
	"mailflow/internal/usecase/router"
)

// Router is the subset of the Message Router the engine drives.
type Router interface {
	SendAgentToAgent(ctx context.Context, fromAgent, toAgent domain.Agent, team domain.Team, subject, body, flowID, requestID string) (*domain.StoredMailEntry, error)
	SendAgentToUser(ctx context.Context, fromAgent domain.Agent, team domain.Team, toEmail, subject, body string, trigger *domain.InboundMail, attachments []domain.Attachment) (*domain.StoredMailEntry, error)
}

// Decider is the subset of the Decision Engine the flow engine drives.
type Decider interface {
	Decide(ctx context.Context, dc decision.Context) (domain.Decision, []domain.ToolCallRecord, error)
}

// Engine implements the Flow Engine (C8): flow lifecycle, round
// execution, suspension, resumption, timeout, and termination.
type Engine struct {
	store                 domain.FlowStore
	identity              domain.IdentityView
	decider               Decider
	router                Router
	locker                *Locker
	bus                   domain.EventBus
	logger                *slog.Logger
	tracer                trace.Tracer
	maxRoundsDefault      int
	timeoutMinutesDefault int
}

// New builds a Flow Engine.
func New(store domain.FlowStore, identity domain.IdentityView, decider Decider, rtr Router, bus domain.EventBus, logger *slog.Logger, tracer trace.Tracer) *Engine {
	return &Engine{
		store:                 store,
		identity:              identity,
		decider:               decider,
		router:                rtr,
		locker:                NewLocker(),
		bus:                   bus,
		logger:                logger,
		tracer:                tracer,
		maxRoundsDefault:      10,
		timeoutMinutesDefault: 30,
	}
}

// SetFlowDefaults overrides the engine-wide fallbacks used when an
// agent's own MultiRoundConfig leaves maxRounds/timeoutMinutes unset
// (spec.md §6's MAX_ROUNDS_DEFAULT/TIMEOUT_MINUTES_DEFAULT). Values <= 0
// leave the corresponding default unchanged.
func (e *Engine) SetFlowDefaults(maxRounds, timeoutMinutes int) {
	if maxRounds > 0 {
		e.maxRoundsDefault = maxRounds
	}
	if timeoutMinutes > 0 {
		e.timeoutMinutesDefault = timeoutMinutes
	}
}

// StartFlow allocates a flow id, resolves the requester, and stores the
// initial running record.
func (e *Engine) StartFlow(ctx context.Context, params domain.StartFlowParams) (domain.Flow, error) {
	maxRounds := params.MaxRounds
	if maxRounds == 0 {
		maxRounds = params.Agent.MultiRoundConfig.MaxRounds
	}
	if maxRounds <= 0 {
		maxRounds = e.maxRoundsDefault
	}
	timeoutMinutes := params.Agent.MultiRoundConfig.TimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = e.timeoutMinutesDefault
	}

	now := time.Now().UTC()
	flow := domain.Flow{
		ID:                  newULID(),
		AgentID:             params.Agent.ID,
		TeamID:              params.Team.ID,
		UserID:              params.UserID,
		Requester:           params.Requester,
		Status:              domain.FlowRunning,
		Trigger:             params.Trigger,
		CurrentRound:        0,
		MaxRounds:           maxRounds,
		StartedAt:           now,
		Deadline:            now.Add(time.Duration(timeoutMinutes) * time.Minute),
		DelegatingRequestID: params.DelegatingRequestID,
	}

	if err := e.store.SaveFlow(ctx, flow); err != nil {
		return domain.Flow{}, fmt.Errorf("FlowEngine.StartFlow: %w", err)
	}
	e.publish(ctx, domain.EventFlowStarted, flow.ID)
	return flow, nil
}

// ExecuteRound runs decision rounds for a running flow until it reaches a
// terminal or waiting state. A `continue` decision loops immediately
// in-process rather than recursing through the locked entry point, since
// the per-flow lock below is not reentrant.
func (e *Engine) ExecuteRound(ctx context.Context, flowID string) error {
	unlock, err := e.locker.Lock(ctx, flowID)
	if err != nil {
		return domain.NewSubSystemError("flow", "FlowEngine.ExecuteRound", domain.ErrFlowBusy, flowID)
	}
	defer unlock()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "FlowEngine.ExecuteRound")
		defer span.End()
	}

	for {
		cont, err := e.runOneRound(ctx, flowID)
		if err != nil || !cont {
			return err
		}
	}
}

// runOneRound executes a single decision round. It reports cont=true
// when the outcome was `continue` and the caller (already holding the
// flow lock) should loop and run another round immediately.
func (e *Engine) runOneRound(ctx context.Context, flowID string) (cont bool, err error) {
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return false, err
	}
	if flow.Status != domain.FlowRunning {
		return false, domain.NewSubSystemError("flow", "FlowEngine.ExecuteRound", domain.ErrPreconditionFailed, string(flow.Status))
	}

	now := time.Now().UTC()
	if now.After(flow.Deadline) {
		flow.Status = domain.FlowExpired
		e.notifyExpired(ctx, flow)
		return false, e.persist(ctx, flow, domain.EventFlowExpired)
	}

	agent, team, err := e.resolveAgentTeam(ctx, flow.AgentID)
	if err != nil {
		return false, err
	}

	lastChance := flow.CurrentRound >= flow.MaxRounds
	dc := decision.Context{
		Flow:       *flow,
		Agent:      *agent,
		Team:       *team,
		PeerAgents: e.peerAgents(ctx, *agent, *team),
		NowUTC:     now,
		LastChance: lastChance,
	}

	d, toolCalls, err := e.decider.Decide(ctx, dc)
	if err != nil {
		return false, fmt.Errorf("FlowEngine.ExecuteRound: %w", err)
	}
	if lastChance && (d.Kind == domain.DecisionContinue || d.Kind == domain.DecisionWaitForAgent) {
		d = domain.Decision{Kind: domain.DecisionFail, Reasoning: "max rounds reached"}
	}

	round := domain.Round{
		Number:    flow.CurrentRound + 1,
		StartedAt: now,
		EndedAt:   time.Now().UTC(),
		Decision:  d,
		MCPCalls:  toolCalls,
	}
	flow.Rounds = append(flow.Rounds, round)
	flow.CurrentRound++

	return e.dispatchDecision(ctx, flow, *agent, *team, d)
}

func (e *Engine) dispatchDecision(ctx context.Context, flow *domain.Flow, agent domain.Agent, team domain.Team, d domain.Decision) (cont bool, err error) {
	switch d.Kind {
	case domain.DecisionComplete:
		flow.FinalResponse = d.FinalResponse
		flow.Status = domain.FlowCompleted
		if _, err := e.router.SendAgentToUser(ctx, agent, team, flow.Requester.Email, replySubject(flow.Trigger.Subject), d.FinalResponse, &flow.Trigger, d.Attachments); err != nil {
			e.logger.Warn("flow engine: final reply send failed", "flow_id", flow.ID, "error", err)
		}
		return false, e.persist(ctx, flow, domain.EventFlowCompleted)

	case domain.DecisionWaitForAgent:
		target, err := e.identity.AgentByUsername(ctx, team.ID, d.TargetUsername)
		if err != nil {
			flow.Status = domain.FlowFailed
			return false, e.persist(ctx, flow, domain.EventFlowFailed)
		}
		requestID := "req-" + nanoid(10)
		sent, sendErr := e.router.SendAgentToAgent(ctx, agent, *target, team, d.Subject, d.Body, flow.ID, requestID)
		if sendErr != nil {
			e.logger.Warn("flow engine: agent-to-agent send failed", "flow_id", flow.ID, "error", sendErr)
			flow.Status = domain.FlowFailed
			e.notifyFailure(ctx, flow, "I was unable to complete your request.")
			return false, e.persist(ctx, flow, domain.EventFlowFailed)
		}
		remaining := time.Until(flow.Deadline)
		timeoutMinutes := agent.MultiRoundConfig.TimeoutMinutes
		expiry := time.Duration(timeoutMinutes) * time.Minute
		if expiry <= 0 || expiry > remaining {
			expiry = remaining
		}
		waitingFor := &domain.WaitingFor{
			Type:                "agent_response",
			RequestID:           requestID,
			TargetAgentUsername: target.Username,
			ExpectedBy:          time.Now().UTC().Add(expiry),
		}
		if sent != nil {
			waitingFor.SentMessageID = sent.MessageID
			waitingFor.ThreadMessageIDs = []string{sent.MessageID}
		}
		flow.WaitingFor = waitingFor
		flow.Status = domain.FlowWaiting
		return false, e.persist(ctx, flow, domain.EventFlowWaiting)

	case domain.DecisionContinue:
		flow.Status = domain.FlowRunning
		if err := e.persist(ctx, flow, domain.EventFlowRound); err != nil {
			return false, err
		}
		return true, nil

	case domain.DecisionFail:
		flow.Status = domain.FlowFailed
		if d.FinalResponse != "" {
			if _, err := e.router.SendAgentToUser(ctx, agent, team, flow.Requester.Email, replySubject(flow.Trigger.Subject), d.FinalResponse, &flow.Trigger, nil); err != nil {
				e.logger.Warn("flow engine: failure reply send failed", "flow_id", flow.ID, "error", err)
			}
		}
		return false, e.persist(ctx, flow, domain.EventFlowFailed)

	default:
		return false, domain.NewSubSystemError("flow", "FlowEngine.dispatchDecision", domain.ErrInvariantViolation, string(d.Kind))
	}
}

// ResumeFlow appends an incoming message to the current round, clears
// waitingFor, and re-enters ExecuteRound in the same step.
func (e *Engine) ResumeFlow(ctx context.Context, flowID string, incoming domain.StoredMailEntry) error {
	unlock, err := e.locker.Lock(ctx, flowID)
	if err != nil {
		return domain.NewSubSystemError("flow", "FlowEngine.ResumeFlow", domain.ErrFlowBusy, flowID)
	}

	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		unlock()
		return err
	}
	if flow.Status != domain.FlowWaiting {
		unlock()
		return domain.NewSubSystemError("flow", "FlowEngine.ResumeFlow", domain.ErrPreconditionFailed, string(flow.Status))
	}

	if len(flow.Rounds) > 0 {
		last := &flow.Rounds[len(flow.Rounds)-1]
		last.Messages = append(last.Messages, incoming)
	}
	flow.Status = domain.FlowRunning
	flow.WaitingFor = nil

	if err := e.store.SaveFlow(ctx, *flow); err != nil {
		unlock()
		return fmt.Errorf("FlowEngine.ResumeFlow: %w", err)
	}
	e.publish(ctx, domain.EventFlowResumed, flow.ID)
	unlock()

	return e.ExecuteRound(ctx, flowID)
}

// GetFlow looks up a flow by id.
func (e *Engine) GetFlow(ctx context.Context, id string) (*domain.Flow, error) {
	return e.store.GetFlow(ctx, id)
}

// ListAgentFlows lists an agent's flows, optionally filtered by status.
func (e *Engine) ListAgentFlows(ctx context.Context, agentID string, status domain.FlowStatus) ([]domain.Flow, error) {
	return e.store.ListFlowsByAgent(ctx, agentID, status)
}

// SweepExpired scans active flows past deadline and expires them,
// sending a best-effort terminal notice to the requester. This is the
// action the Timeout Sweeper's scheduled task invokes.
func (e *Engine) SweepExpired(ctx context.Context) error {
	active, err := e.store.ListActiveFlows(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, f := range active {
		if now.Before(f.Deadline) {
			continue
		}
		if err := e.expireFlow(ctx, f.ID); err != nil {
			e.logger.Warn("timeout sweeper: failed to expire flow", "flow_id", f.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) expireFlow(ctx context.Context, flowID string) error {
	unlock, err := e.locker.Lock(ctx, flowID)
	if err != nil {
		return err
	}
	defer unlock()

	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	if flow.Status.Terminal() {
		return nil
	}
	flow.Status = domain.FlowExpired
	e.notifyExpired(ctx, flow)
	return e.persist(ctx, flow, domain.EventFlowExpired)
}

func (e *Engine) notifyExpired(ctx context.Context, flow *domain.Flow) {
	e.notifyFailure(ctx, flow, "I was unable to complete your request in time.")
}

// notifyFailure sends a best-effort terminal apology to the requester. A
// short, non-technical message per spec.md §7 — internal diagnostic
// detail (policy reasons, send errors) never crosses the mail boundary.
func (e *Engine) notifyFailure(ctx context.Context, flow *domain.Flow, message string) {
	if flow.FinalResponse != "" || flow.Requester.Email == "" {
		return
	}
	agent, team, err := e.resolveAgentTeam(ctx, flow.AgentID)
	if err != nil {
		return
	}
	_, _ = e.router.SendAgentToUser(ctx, *agent, *team, flow.Requester.Email, replySubject(flow.Trigger.Subject),
		message, &flow.Trigger, nil)
}

func (e *Engine) resolveAgentTeam(ctx context.Context, agentID string) (*domain.Agent, *domain.Team, error) {
	agent, err := e.identity.AgentByID(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	team, err := e.identity.TeamByID(ctx, agent.TeamID)
	if err != nil {
		return nil, nil, err
	}
	return agent, team, nil
}

func (e *Engine) peerAgents(ctx context.Context, agent domain.Agent, team domain.Team) []domain.Agent {
	if !agent.MultiRoundConfig.CanCommunicateWithAgents {
		return nil
	}
	var peers []domain.Agent
	for _, username := range agent.MultiRoundConfig.AllowedAgentUsernames {
		if p, err := e.identity.AgentByUsername(ctx, team.ID, username); err == nil {
			d := policy.EvaluateOutbound(ctx, agent, team, "", "", p.Username, e.identity)
			if d.Allowed {
				peers = append(peers, *p)
			}
		}
	}
	return peers
}

func (e *Engine) persist(ctx context.Context, flow *domain.Flow, evt domain.EventType) error {
	if err := e.store.SaveFlow(ctx, *flow); err != nil {
		return fmt.Errorf("FlowEngine: persist: %w", err)
	}
	e.publish(ctx, evt, flow.ID)
	return nil
}

func (e *Engine) publish(ctx context.Context, evt domain.EventType, flowID string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(domain.ContextWithFlowID(ctx, flowID), domain.Event{
		Type:      evt,
		Timestamp: time.Now().UTC(),
		SessionID: flowID,
	})
}

func replySubject(subject string) string {
	const prefix = "Re: "
	if len(subject) >= len(prefix) && (subject[:len(prefix)] == prefix) {
		return subject
	}
	return prefix + subject
}

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}

const nanoidAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// nanoid generates a short random id for request correlation, matching
// the teacher's usecase/session.go id-generation idiom but sized per
// spec.md's requestId convention ("req-" + nanoid(10)).
func nanoid(n int) string {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(nanoidAlphabet))))
		if err != nil {
			b[i] = nanoidAlphabet[0]
			continue
		}
		b[i] = nanoidAlphabet[idx.Int64()]
	}
	return string(b)
}

var _ Router = (*router.Router)(nil)
