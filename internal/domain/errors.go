package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound    = fmt.Errorf("llm provider not found")
	ErrToolNotFound        = fmt.Errorf("tool not found")
	ErrMaxIterations       = fmt.Errorf("decision engine reached max tool iterations")
	ErrSSRFBlocked         = fmt.Errorf("request to private/reserved IP blocked")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrDecryption          = fmt.Errorf("decryption failed")
	ErrEncryption          = fmt.Errorf("encryption operation failed")
	ErrAuditWrite          = fmt.Errorf("audit log write failed")
	ErrToolApprovalDenied  = fmt.Errorf("tool approval denied")
	ErrToolApprovalTimeout = fmt.Errorf("tool approval timed out")

	// Gateway / internal RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	ErrForbidden = fmt.Errorf("forbidden: insufficient permissions")

	// Resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrToolFailure     = fmt.Errorf("tool execution failed")

	// Mail flow errors (spec §7 error table).
	ErrDuplicateMessageID = fmt.Errorf("duplicate message id")
	ErrFlowBusy           = fmt.Errorf("flow is locked by another operation")
	ErrExpired            = fmt.Errorf("flow deadline exceeded")
	ErrPolicyDenied       = fmt.Errorf("mail policy denied")
	ErrSendFailed         = fmt.Errorf("gateway send failed")
	ErrInvariantViolation = fmt.Errorf("invariant violation")
	ErrPreconditionFailed = fmt.Errorf("precondition failed")
	ErrUnreferencedReply  = fmt.Errorf("inReplyTo references an absent mail entry")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "FlowEngine.ExecuteRound")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "flow", "mail"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
// Use this with category sentinels (ErrNotFound, ErrTimeout, etc.) so that ErrorCodeOf
// can map the combination of sentinel + subsystem to a specific ErrorCode.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes grouped by subsystem. Every sentinel error maps to exactly one code.
const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
	CodeToolApprovalDenied ErrorCode = "TOOL_APPROVAL_DENIED"
	CodeToolApprovalTimout ErrorCode = "TOOL_APPROVAL_TIMEOUT"
	CodeMaxIterations      ErrorCode = "MAX_ITERATIONS"
	CodeSSRFBlocked        ErrorCode = "SSRF_BLOCKED"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeAuditWrite         ErrorCode = "AUDIT_WRITE"
	CodeGatewayAuth        ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload  ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeForbidden          ErrorCode = "FORBIDDEN"

	// Mail flow codes.
	CodeDuplicateMessageID ErrorCode = "DUPLICATE_MESSAGE_ID"
	CodeFlowBusy           ErrorCode = "FLOW_BUSY"
	CodeFlowExpired        ErrorCode = "FLOW_EXPIRED"
	CodeFlowNotFound       ErrorCode = "FLOW_NOT_FOUND"
	CodeMailEntryNotFound  ErrorCode = "MAIL_ENTRY_NOT_FOUND"
	CodeTeamNotFound       ErrorCode = "TEAM_NOT_FOUND"
	CodeUserNotFound       ErrorCode = "USER_NOT_FOUND"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodePolicyDenied       ErrorCode = "POLICY_DENIED"
	CodeSendFailed         ErrorCode = "SEND_FAILED"
	CodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	CodeFlowPrecondition   ErrorCode = "FLOW_PRECONDITION_FAILED"
	CodeUnreferencedReply  ErrorCode = "UNREFERENCED_REPLY"

	// Category error codes — fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrProviderNotFound:    CodeProviderNotFound,
	ErrToolNotFound:        CodeToolNotFound,
	ErrToolFailure:         CodeToolFailure,
	ErrToolApprovalDenied:  CodeToolApprovalDenied,
	ErrToolApprovalTimeout: CodeToolApprovalTimout,
	ErrMaxIterations:       CodeMaxIterations,
	ErrSSRFBlocked:         CodeSSRFBlocked,
	ErrConfigLoad:          CodeConfigLoad,
	ErrDecryption:          CodeDecryption,
	ErrEncryption:          CodeEncryption,
	ErrAuditWrite:          CodeAuditWrite,
	ErrGatewayAuthFailed:   CodeGatewayAuth,
	ErrRPCMethodNotFound:   CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:   CodeRPCInvalidPayload,
	ErrContextOverflow:     CodeContextOverflow,
	ErrRateLimit:           CodeRateLimit,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrForbidden:           CodeForbidden,

	ErrDuplicateMessageID: CodeDuplicateMessageID,
	ErrFlowBusy:           CodeFlowBusy,
	ErrExpired:            CodeFlowExpired,
	ErrPolicyDenied:       CodePolicyDenied,
	ErrSendFailed:         CodeSendFailed,
	ErrInvariantViolation: CodeInvariantViolation,
	ErrPreconditionFailed: CodeFlowPrecondition,
	ErrUnreferencedReply:  CodeUnreferencedReply,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"flow":  CodeFlowNotFound,
		"mail":  CodeMailEntryNotFound,
		"team":  CodeTeamNotFound,
		"user":  CodeUserNotFound,
		"agent": CodeAgentNotFound,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
