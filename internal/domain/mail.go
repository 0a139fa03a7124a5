package domain

import (
	"context"
	"strings"
	"time"
)

// MailKind distinguishes a stored entry's direction.
type MailKind string

const (
	MailInbound  MailKind = "inbound"
	MailOutbound MailKind = "outbound"
)

// Attachment describes a file carried by a mail entry. Content, when
// present, has already been lifted into datasafe storage and Data/MimeType
// describe the lifted copy.
type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mimeType"`
	Size         int    `json:"size"`
	DatasafePath string `json:"datasafePath,omitempty"`
	Data         []byte `json:"-"` // transient; never persisted alongside the entry
}

// StoredMailEntry is one append-only record in the Mail Store.
type StoredMailEntry struct {
	ID             string       `json:"id"`
	Kind           MailKind     `json:"kind"`
	Timestamp      time.Time    `json:"timestamp"`
	MessageID      string       `json:"messageId"` // globally unique, lower-cased, angle-brackets stripped
	From           string       `json:"from"`
	To             string       `json:"to"`
	Subject        string       `json:"subject"`
	Body           string       `json:"body"`
	AgentID        string       `json:"agentId,omitempty"`
	ConversationID string       `json:"conversationId"`
	InReplyTo      []string     `json:"inReplyTo,omitempty"`
	References     []string     `json:"references,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	// DeliveryConfirmed is false when an outbound entry was persisted
	// despite the gateway call failing (spec §4.7: "the stored entry in
	// that case is still written with a flag that the gateway did not
	// confirm").
	DeliveryConfirmed bool `json:"deliveryConfirmed"`
}

// InboundMail is the normalised shape every inbound webhook payload is
// reduced to by the Mail Gateway Adapter, regardless of the provider's
// field-naming quirks. Nothing downstream of the adapter sees the raw
// payload map.
type InboundMail struct {
	MessageID   string
	From        string
	To          string
	Subject     string
	Body        string
	HTML        string
	InReplyTo   []string
	References  []string
	Attachments []Attachment
}

// MailStore is the append-only record that feeds threading, auditing, and
// replay. Implementations must serialise writes behind a single writer
// lock so the MessageID uniqueness invariant holds cheaply; reads are
// lock-free snapshots.
type MailStore interface {
	StoreInbound(ctx context.Context, entry StoredMailEntry) (StoredMailEntry, error)
	StoreOutbound(ctx context.Context, entry StoredMailEntry) (StoredMailEntry, error)
	GetByMessageID(ctx context.Context, id string) (*StoredMailEntry, error)
	ConversationFor(ctx context.Context, id string) ([]StoredMailEntry, error)
	ClearForAgent(ctx context.Context, agentID string) error
}

// NormalizeMessageID lower-cases a message-id and strips surrounding
// angle brackets, matching the comparison rule spec.md mandates
// throughout (Mail Store lookups, threading header parsing, conversation
// grouping).
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(id)
}
