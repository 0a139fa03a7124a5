package domain

import "context"

type ctxKey string

const (
	flowCtxKey  ctxKey = "flow_id"
	agentCtxKey ctxKey = "agent_id"
	teamCtxKey  ctxKey = "team_id"
	userCtxKey  ctxKey = "user_id"
)

// ContextWithFlowID returns a new context carrying the flow ID.
func ContextWithFlowID(ctx context.Context, flowID string) context.Context {
	return context.WithValue(ctx, flowCtxKey, flowID)
}

// FlowIDFromContext extracts the flow ID from the context.
// Returns empty string if not set.
func FlowIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(flowCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithToolScope attaches the agent/team/user triple a Tool Registry
// backend needs (spec.md §4.5's "context { teamId, userId, agentId }") so
// a single shared ToolExecutor can serve every agent without per-call
// reconstruction.
func ContextWithToolScope(ctx context.Context, agentID, teamID, userID string) context.Context {
	ctx = context.WithValue(ctx, agentCtxKey, agentID)
	ctx = context.WithValue(ctx, teamCtxKey, teamID)
	return context.WithValue(ctx, userCtxKey, userID)
}

// AgentIDFromContext extracts the tool-scope agent ID, or "" if unset.
func AgentIDFromContext(ctx context.Context) string { return stringFromCtx(ctx, agentCtxKey) }

// TeamIDFromContext extracts the tool-scope team ID, or "" if unset.
func TeamIDFromContext(ctx context.Context) string { return stringFromCtx(ctx, teamCtxKey) }

// UserIDFromContext extracts the tool-scope user ID, or "" if unset.
func UserIDFromContext(ctx context.Context) string { return stringFromCtx(ctx, userCtxKey) }

func stringFromCtx(ctx context.Context, key ctxKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
