package domain

import (
	"context"
	"time"
)

// FlowStatus is the lifecycle state of a Flow.
type FlowStatus string

const (
	FlowRunning   FlowStatus = "running"
	FlowWaiting   FlowStatus = "waiting"
	FlowCompleted FlowStatus = "completed"
	FlowFailed    FlowStatus = "failed"
	FlowExpired   FlowStatus = "expired"
)

// Terminal reports whether status admits no further rounds.
func (s FlowStatus) Terminal() bool {
	return s == FlowCompleted || s == FlowFailed || s == FlowExpired
}

// DecisionKind tags the variant of a Decision Engine output.
type DecisionKind string

const (
	DecisionComplete     DecisionKind = "complete"
	DecisionWaitForAgent DecisionKind = "wait_for_agent"
	DecisionContinue     DecisionKind = "continue"
	DecisionFail         DecisionKind = "fail"
)

// Decision is the Decision Engine's per-round verdict. Exactly one of the
// kind-specific field groups is meaningful, selected by Kind.
type Decision struct {
	Kind       DecisionKind `json:"decision"`
	Reasoning  string       `json:"reasoning"`
	Confidence float64      `json:"confidence"`

	// complete
	FinalResponse string       `json:"finalResponse,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`

	// waitForAgent
	TargetUsername string `json:"targetUsername,omitempty"`
	Subject        string `json:"subject,omitempty"`
	Body           string `json:"body,omitempty"`
	Question       string `json:"question,omitempty"`
	RequestID      string `json:"requestId,omitempty"` // assigned by the engine, not the model
}

// ToolCallRecord records one tool invocation made during a round's
// decision loop, for replay and audit.
type ToolCallRecord struct {
	ToolCallID string    `json:"toolCallId"`
	Name       string    `json:"name"`
	Arguments  string    `json:"arguments"`
	Result     string    `json:"result"`
	IsError    bool      `json:"isError"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
}

// Round is one decision cycle inside a flow.
type Round struct {
	Number    int               `json:"number"`
	StartedAt time.Time         `json:"startedAt"`
	EndedAt   time.Time         `json:"endedAt"`
	Decision  Decision          `json:"decision"`
	MCPCalls  []ToolCallRecord  `json:"mcpCalls,omitempty"`
	Messages  []StoredMailEntry `json:"messages,omitempty"`
}

// WaitingFor is populated iff a flow's status is FlowWaiting: it describes
// the single incoming event that will resume the flow.
type WaitingFor struct {
	Type                 string    `json:"type"` // always "agent_response"
	RequestID            string    `json:"requestId"`
	TargetAgentUsername  string    `json:"targetAgentUsername"`
	SentMessageID        string    `json:"sentMessageId"`
	ThreadMessageIDs     []string  `json:"threadMessageIds"`
	ExpectedBy           time.Time `json:"expectedBy"`
}

// Flow is the central entity: a persistent, multi-round state machine
// owning one inbound-triggered conversation.
type Flow struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agentId"`
	TeamID    string     `json:"teamId"`
	UserID    string     `json:"userId,omitempty"`
	Requester Requester  `json:"requester"`

	Status FlowStatus `json:"status"`

	Trigger InboundMail `json:"trigger"`

	CurrentRound int       `json:"currentRound"`
	MaxRounds    int       `json:"maxRounds"`
	StartedAt    time.Time `json:"startedAt"`
	Deadline     time.Time `json:"deadline"`

	Rounds []Round `json:"rounds"`

	WaitingFor *WaitingFor `json:"waitingFor,omitempty"`

	FinalResponse string `json:"finalResponse,omitempty"`

	// DelegatingRequestID, when set, is the requestId of the upstream
	// flow this flow's requester context was inherited from (spec.md
	// §4.8 "Delegation preserves requester").
	DelegatingRequestID string `json:"delegatingRequestId,omitempty"`
}

// StartFlowParams is the input to FlowEngine.StartFlow.
type StartFlowParams struct {
	Agent     Agent
	Team      Team
	Trigger   InboundMail
	Requester Requester
	UserID    string
	MaxRounds int // 0 = agent.MultiRoundConfig.MaxRounds
	// DelegatingRequestID carries requester context across an
	// agent-to-agent handoff; see Flow.DelegatingRequestID.
	DelegatingRequestID string
}

// FlowStore persists flows for resumability and sweeper scans. Writes at
// every status transition must be atomic per spec.md invariant (v).
type FlowStore interface {
	SaveFlow(ctx context.Context, flow Flow) error
	GetFlow(ctx context.Context, id string) (*Flow, error)
	ListFlowsByAgent(ctx context.Context, agentID string, status FlowStatus) ([]Flow, error)
	ListActiveFlows(ctx context.Context) ([]Flow, error) // status in {running, waiting}
	DeleteFlow(ctx context.Context, id string) error
}
