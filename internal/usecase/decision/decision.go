// Package decision implements the Decision Engine (C6): the per-round
// adapter that turns flow state into a typed domain.Decision, optionally
// via a bounded LLM tool loop.
package decision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"mailflow/internal/domain"
	"mailflow/internal/usecase"
)

// maxToolIterations bounds the tool loop per spec.md §4.6.
const maxToolIterations = 5

// Context is the input to Decide: flow state plus the agent persona and
// the current time, matching spec.md §4.6's DecisionContext.
type Context struct {
	Flow        domain.Flow
	Agent       domain.Agent
	Team        domain.Team
	PeerAgents  []domain.Agent // candidates for wait_for_agent, already policy-filtered
	NowUTC      time.Time
	LastChance  bool // true when currentRound >= maxRounds; continue/waitForAgent are disallowed
}

// Engine builds prompts, calls the LLM, and parses the model's reply into
// a domain.Decision.
type Engine struct {
	provider    domain.LLMProvider
	tools       domain.ToolExecutor
	modelPlain  string
	modelTools  string
	toolLoopCap int
	classifier  *usecase.ErrorClassifier
	tokens      *tokenCounter
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New builds a Decision Engine. tools may be nil, in which case the
// engine always takes the no-tools path.
func New(provider domain.LLMProvider, tools domain.ToolExecutor, modelPlain, modelTools string, logger *slog.Logger, tracer trace.Tracer) *Engine {
	return &Engine{
		provider:    provider,
		tools:       tools,
		modelPlain:  modelPlain,
		modelTools:  modelTools,
		toolLoopCap: maxToolIterations,
		classifier:  usecase.NewErrorClassifier(),
		tokens:      newTokenCounter(logger),
		logger:      logger,
		tracer:      tracer,
	}
}

// SetToolLoopCap overrides the bounded tool loop's iteration cap (spec.md
// §4.6's TOOL_LOOP_CAP, configurable; defaults to 5). Values <= 0 are
// ignored.
func (e *Engine) SetToolLoopCap(n int) {
	if n > 0 {
		e.toolLoopCap = n
	}
}

// ToolCall pairs an executed tool's result with the record the Flow
// Engine appends to the round.
type toolCallOutcome struct {
	record domain.ToolCallRecord
}

// Decide runs the no-tools or tool-loop path and returns a validated
// Decision plus the tool call records made along the way.
func (e *Engine) Decide(ctx context.Context, dc Context) (domain.Decision, []domain.ToolCallRecord, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "DecisionEngine.Decide")
		defer span.End()
	}

	ctx = domain.ContextWithFlowID(ctx, dc.Flow.ID)
	ctx = domain.ContextWithToolScope(ctx, dc.Agent.ID, dc.Team.ID, dc.Flow.UserID)

	messages := e.buildPrompt(dc)

	if e.tools == nil || len(e.tools.Schemas()) == 0 {
		resp, err := e.callLLMWithRetry(ctx, domain.ChatRequest{
			Model:    e.modelPlain,
			Messages: messages,
		})
		if err != nil {
			return domain.Decision{}, nil, fmt.Errorf("DecisionEngine.Decide: %w", err)
		}
		return e.parseDecision(resp.Message.Content, dc), nil, nil
	}

	return e.toolLoop(ctx, messages, dc)
}

func (e *Engine) toolLoop(ctx context.Context, messages []domain.Message, dc Context) (domain.Decision, []domain.ToolCallRecord, error) {
	var records []domain.ToolCallRecord
	var attachments []domain.Attachment

	for iter := 0; iter < e.toolLoopCap; iter++ {
		resp, err := e.callLLMWithRetry(ctx, domain.ChatRequest{
			Model:    e.modelTools,
			Messages: messages,
			Tools:    e.tools.Schemas(),
		})
		if err != nil {
			return domain.Decision{}, records, fmt.Errorf("DecisionEngine.toolLoop: %w", err)
		}

		if len(resp.Message.ToolCalls) == 0 {
			d := e.parseDecision(resp.Message.Content, dc)
			if d.Kind == domain.DecisionComplete {
				d.Attachments = append(d.Attachments, attachments...)
			}
			return d, records, nil
		}

		messages = append(messages, resp.Message)
		for _, call := range resp.Message.ToolCalls {
			outcome := e.executeTool(ctx, call)
			records = append(records, outcome.record)
			if att, ok := bufferedAttachment(call.Name, outcome.record); ok {
				attachments = append(attachments, att)
			}
			messages = append(messages, domain.Message{
				Role:    domain.RoleTool,
				Content: outcome.record.Result,
				Name:    call.Name,
			})
		}
	}

	return domain.Decision{
		Kind:          domain.DecisionFail,
		Reasoning:     "max tool iterations reached",
		FinalResponse: "I'm sorry, I wasn't able to complete this request after several attempts. A human will need to follow up.",
	}, records, nil
}

// bufferedAttachment recognises a successful datasafe "download" tool
// result (spec.md §4.6's attachment capture) and decodes it into a
// domain.Attachment ready to carry on the outbound message.
func bufferedAttachment(toolName string, rec domain.ToolCallRecord) (domain.Attachment, bool) {
	if toolName != "datasafe" || rec.IsError {
		return domain.Attachment{}, false
	}
	var dl struct {
		Filename      string `json:"filename"`
		MimeType      string `json:"mime_type"`
		Size          int    `json:"size"`
		ContentBase64 string `json:"content_base64"`
	}
	if err := json.Unmarshal([]byte(rec.Result), &dl); err != nil || dl.ContentBase64 == "" {
		return domain.Attachment{}, false
	}
	data, err := base64.StdEncoding.DecodeString(dl.ContentBase64)
	if err != nil {
		return domain.Attachment{}, false
	}
	return domain.Attachment{
		Filename: dl.Filename,
		MimeType: dl.MimeType,
		Size:     dl.Size,
		Data:     data,
	}, true
}

func (e *Engine) executeTool(ctx context.Context, call domain.ToolCall) toolCallOutcome {
	started := time.Now().UTC()
	rec := domain.ToolCallRecord{
		ToolCallID: call.ID,
		Name:       call.Name,
		Arguments:  string(call.Arguments),
		StartedAt:  started,
	}

	t, err := e.tools.Get(call.Name)
	if err != nil {
		rec.IsError = true
		rec.Result = fmt.Sprintf(`{"error":%q}`, err.Error())
		rec.EndedAt = time.Now().UTC()
		return toolCallOutcome{record: rec}
	}

	result, err := t.Execute(ctx, call.Arguments)
	rec.EndedAt = time.Now().UTC()
	if err != nil {
		rec.IsError = true
		rec.Result = fmt.Sprintf(`{"error":%q}`, err.Error())
		return toolCallOutcome{record: rec}
	}
	rec.IsError = result.IsError
	rec.Result = result.Content
	return toolCallOutcome{record: rec}
}

// callLLMWithRetry retries once on a retryable classified error, per
// spec.md §7's "retried once... on second failure, fail decision"
// policy, grounded on the teacher's agent.go callLLMWithRetry.
func (e *Engine) callLLMWithRetry(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := e.provider.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}

	classified := e.classifier.Classify(err)
	if classified.Category != usecase.ErrorCategoryRetryable {
		return nil, err
	}

	e.logger.Warn("decision engine: retrying LLM call after transient error", "error", err)
	time.Sleep(backoffWithJitter(1))
	return e.provider.Chat(ctx, req)
}

func backoffWithJitter(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * 200 * time.Millisecond
	jitter := time.Duration(rand.Intn(100)) * time.Millisecond
	return base + jitter
}

// modelDecision is the raw JSON shape the LLM is asked to reply with.
type modelDecision struct {
	Decision      string  `json:"decision"`
	Reasoning     string  `json:"reasoning"`
	Confidence    float64 `json:"confidence"`
	TargetAgent   string  `json:"target_agent,omitempty"`
	Subject       string  `json:"subject,omitempty"`
	Body          string  `json:"body,omitempty"`
	FinalResponse string  `json:"final_response,omitempty"`
}

// parseDecision validates and maps the model's raw content into a
// domain.Decision. Unparseable content is treated as `complete` with the
// raw text as the final response; unknown decision strings fall back to
// `continue` with a logged warning, per spec.md §4.6.
func (e *Engine) parseDecision(content string, dc Context) domain.Decision {
	var md modelDecision
	if err := json.Unmarshal([]byte(extractJSON(content)), &md); err != nil {
		return domain.Decision{
			Kind:          domain.DecisionComplete,
			Reasoning:     "model returned non-JSON content; treated as final response",
			FinalResponse: content,
			Confidence:    1,
		}
	}

	d := domain.Decision{
		Reasoning:      md.Reasoning,
		Confidence:     clamp01(md.Confidence),
		FinalResponse:  md.FinalResponse,
		TargetUsername: md.TargetAgent,
		Subject:        md.Subject,
		Body:           md.Body,
	}

	switch domain.DecisionKind(md.Decision) {
	case domain.DecisionComplete:
		d.Kind = domain.DecisionComplete
		if d.FinalResponse == "" {
			d.Kind = domain.DecisionFail
			d.Reasoning = "complete decision missing finalResponse"
		}
	case domain.DecisionWaitForAgent:
		if dc.LastChance {
			d.Kind = domain.DecisionFail
			d.Reasoning = "max rounds reached"
			break
		}
		if d.TargetUsername == "" || d.Subject == "" || d.Body == "" {
			d.Kind = domain.DecisionFail
			d.Reasoning = "wait_for_agent decision missing required fields"
			break
		}
		d.Kind = domain.DecisionWaitForAgent
	case domain.DecisionContinue:
		if dc.LastChance {
			d.Kind = domain.DecisionFail
			d.Reasoning = "max rounds reached"
			break
		}
		d.Kind = domain.DecisionContinue
	case domain.DecisionFail:
		d.Kind = domain.DecisionFail
	default:
		e.logger.Warn("decision engine: unrecognised decision kind, falling back to continue", "decision", md.Decision)
		d.Kind = domain.DecisionContinue
	}
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// extractJSON trims surrounding prose/code-fences a model sometimes
// wraps its JSON reply in.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// buildPrompt assembles the system + context messages spec.md §4.6
// names: agent prompt, temporal context, the original request, a
// trimmed round history, and the peer-agent roster.
func (e *Engine) buildPrompt(dc Context) []domain.Message {
	var sb strings.Builder
	sb.WriteString(dc.Agent.Prompt)
	sb.WriteString("\n\n")
	sb.WriteString(temporalContext(dc.NowUTC))
	sb.WriteString("\n\n")
	sb.WriteString("Original request:\nSubject: ")
	sb.WriteString(dc.Flow.Trigger.Subject)
	sb.WriteString("\nBody: ")
	sb.WriteString(dc.Flow.Trigger.Body)
	sb.WriteString("\n\n")
	sb.WriteString(e.roundHistory(dc.Flow.Rounds))
	sb.WriteString("\n\n")
	sb.WriteString(peerRoster(dc.PeerAgents))
	sb.WriteString("\n\n")
	sb.WriteString(decisionSchemaBlock(dc.LastChance))

	return []domain.Message{
		{Role: domain.RoleSystem, Content: sb.String(), Timestamp: dc.NowUTC},
	}
}

func temporalContext(now time.Time) string {
	return fmt.Sprintf("Current time: %s (%s). Tomorrow is %s. \"today\"/\"heute\" = %s, \"tomorrow\"/\"morgen\" = %s.",
		now.Format(time.RFC3339), now.Weekday(), now.AddDate(0, 0, 1).Format("2006-01-02"),
		now.Format("2006-01-02"), now.AddDate(0, 0, 1).Format("2006-01-02"))
}

// maxHistoryTokens bounds the round-history block of the prompt. Rounds
// are kept newest-first until adding the next-oldest one would exceed
// the budget, so a handful of verbose rounds don't starve the rest of
// the prompt the way a fixed round count would.
const maxHistoryTokens = 2000

// roundHistory summarises prior rounds' decisions and gathered
// information, trimmed to keep the prompt bounded as rounds accumulate.
func (e *Engine) roundHistory(rounds []domain.Round) string {
	if len(rounds) == 0 {
		return "No prior rounds."
	}
	entries := make([]string, len(rounds))
	for i, r := range rounds {
		var sb strings.Builder
		fmt.Fprintf(&sb, "- round %d: %s (%s)\n", r.Number, r.Decision.Kind, truncate(r.Decision.Reasoning, 200))
		for _, tc := range r.MCPCalls {
			fmt.Fprintf(&sb, "  tool %s -> %s\n", tc.Name, truncate(tc.Result, 200))
		}
		entries[i] = sb.String()
	}

	kept := entries
	used := 0
	for i := len(entries) - 1; i >= 0; i-- {
		n := e.tokens.count(entries[i])
		if used+n > maxHistoryTokens && used > 0 {
			kept = entries[i+1:]
			break
		}
		used += n
	}

	var sb strings.Builder
	sb.WriteString("Prior rounds:\n")
	for _, entry := range kept {
		sb.WriteString(entry)
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func peerRoster(peers []domain.Agent) string {
	if len(peers) == 0 {
		return "No peer agents available."
	}
	var sb strings.Builder
	sb.WriteString("Peer agents you may delegate to:\n")
	for _, p := range peers {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", p.Username, p.Name, p.Role)
	}
	return sb.String()
}

func decisionSchemaBlock(lastChance bool) string {
	allowed := `"complete", "wait_for_agent", "continue", "fail"`
	if lastChance {
		allowed = `"complete", "fail" (this is the final round; continue/wait_for_agent are not permitted)`
	}
	return "Reply with JSON only: " +
		`{"decision": one of ` + allowed + `, "reasoning": string, "confidence": number 0-1, ` +
		`"target_agent": string (wait_for_agent only), "subject": string (wait_for_agent only), ` +
		`"body": string (wait_for_agent only), "final_response": string (complete only)}`
}
