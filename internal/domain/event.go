package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMessageReceived   EventType = "message.received"
	EventMessageSent       EventType = "message.sent"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventToolApprovalReq   EventType = "tool.approval.request"
	EventToolApprovalResp  EventType = "tool.approval.response"
	EventLLMCallStarted    EventType = "llm.call.started"
	EventLLMCallCompleted  EventType = "llm.call.completed"
	EventAgentError        EventType = "agent.error"
	EventAgentRouted       EventType = "agent.routed"

	// Flow engine events.
	EventFlowStarted   EventType = "flow.started"
	EventFlowRound     EventType = "flow.round.completed"
	EventFlowWaiting   EventType = "flow.waiting"
	EventFlowResumed   EventType = "flow.resumed"
	EventFlowCompleted EventType = "flow.completed"
	EventFlowFailed    EventType = "flow.failed"
	EventFlowExpired   EventType = "flow.expired"

	// Mail events.
	EventMailInboundStored  EventType = "mail.inbound.stored"
	EventMailOutboundSent   EventType = "mail.outbound.sent"
	EventMailInboundDropped EventType = "mail.inbound.rejected"
	EventMailPolicyDenied   EventType = "mail.policy.denied"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
