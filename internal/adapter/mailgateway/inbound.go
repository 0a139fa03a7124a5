// Package mailgateway implements the Mail Gateway Adapter: normalising
// provider-shaped inbound webhook payloads into domain.InboundMail, and
// sending outbound mail with threading headers and attachments.
package mailgateway

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"mailflow/internal/domain"
)

// fieldSynonyms maps a canonical field name to the provider-shaped keys
// (case-insensitive) that may carry it, in preference order.
var fieldSynonyms = map[string][]string{
	"messageId": {"messageid", "message-id"},
	"from":      {"from", "sender"},
	"to":        {"to", "recipient", "recipients"},
	"subject":   {"subject"},
	"inReplyTo": {"in-reply-to"},
	"references": {"references"},
}

// bodyFieldPreference is the order in which body fields are preferred,
// per spec.md §4.4/§6.
var bodyFieldPreference = []string{"stripped-text", "text", "body-plain", "body"}
var htmlFieldPreference = []string{"stripped-html", "html"}

// ParseInbound normalises a case-insensitive field map (already decoded
// from JSON, form, or multipart) into a domain.InboundMail. Nothing
// downstream of this function sees the raw payload shape.
func ParseInbound(fields map[string][]string) domain.InboundMail {
	lower := make(map[string][]string, len(fields))
	for k, v := range fields {
		lower[strings.ToLower(k)] = v
	}

	get := func(canonical string) string {
		for _, key := range fieldSynonyms[canonical] {
			if v := first(lower[key]); v != "" {
				return v
			}
		}
		return ""
	}

	body := ""
	for _, key := range bodyFieldPreference {
		if v := first(lower[key]); v != "" {
			body = v
			break
		}
	}
	html := ""
	for _, key := range htmlFieldPreference {
		if v := first(lower[key]); v != "" {
			html = v
			break
		}
	}

	msg := domain.InboundMail{
		MessageID:  domain.NormalizeMessageID(get("messageId")),
		From:       strings.TrimSpace(get("from")),
		To:         strings.TrimSpace(get("to")),
		Subject:    get("subject"),
		Body:       body,
		HTML:       html,
		InReplyTo:  parseThreadingHeader(get("inReplyTo")),
		References: parseThreadingHeader(get("references")),
	}
	msg.Attachments = parseAttachments(lower)
	return msg
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// parseThreadingHeader splits an In-Reply-To/References header on
// whitespace and angle-bracket groups, normalising every extracted id.
func parseThreadingHeader(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	seen := make(map[string]bool)
	for _, tok := range strings.Fields(raw) {
		id := domain.NormalizeMessageID(tok)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// parseAttachments supports both an "attachments" array field (already
// decoded into synthetic filename/mimetype/size keys by the caller) and
// the numbered attachment-1..attachment-N convention with an
// attachment-count field.
func parseAttachments(lower map[string][]string) []domain.Attachment {
	var atts []domain.Attachment

	countStr := first(lower["attachment-count"])
	n, _ := strconv.Atoi(countStr)
	for i := 1; i <= n; i++ {
		name := first(lower[fmt.Sprintf("attachment-%d", i)])
		if name == "" {
			continue
		}
		atts = append(atts, domain.Attachment{
			Filename: name,
			MimeType: guessMimeType(name),
		})
	}
	return atts
}

func guessMimeType(filename string) string {
	if ext := lastExt(filename); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}

func lastExt(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i:]
}

// DecodeHTTPRequest reads an inbound webhook HTTP request into the
// case-insensitive field map ParseInbound expects, supporting
// application/json, application/x-www-form-urlencoded and
// multipart/form-data, capped at 1MB per spec.md §4.9's grounding note.
func DecodeHTTPRequest(w http.ResponseWriter, r *http.Request) (map[string][]string, error) {
	const maxBody = 1 << 20 // 1MB
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "application/x-www-form-urlencoded"
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		if err := r.ParseMultipartForm(maxBody); err != nil {
			return nil, fmt.Errorf("mailgateway: parse multipart: %w", err)
		}
		out := map[string][]string{}
		for k, v := range r.MultipartForm.Value {
			out[k] = v
		}
		return out, nil
	case mediaType == "application/json":
		return decodeJSONFields(r)
	default:
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("mailgateway: parse form: %w", err)
		}
		out := map[string][]string{}
		for k, v := range r.Form {
			out[k] = v
		}
		return out, nil
	}
}

// decodeJSONFields flattens a top-level JSON object into the
// case-insensitive field map ParseInbound expects. Arrays of scalars are
// joined with whitespace (matching the threading-header convention);
// the "attachments" array, if present, is rewritten into the numbered
// attachment-N/attachment-count convention so ParseInbound handles both
// payload shapes identically.
func decodeJSONFields(r *http.Request) (map[string][]string, error) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("mailgateway: decode json: %w", err)
	}

	out := map[string][]string{}
	for k, v := range raw {
		if strings.EqualFold(k, "attachments") {
			continue
		}
		out[k] = jsonValueToStrings(v)
	}

	if atts, ok := raw["attachments"].([]any); ok {
		out["attachment-count"] = []string{strconv.Itoa(len(atts))}
		for i, a := range atts {
			obj, ok := a.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := obj["filename"].(string); ok {
				out[fmt.Sprintf("attachment-%d", i+1)] = []string{name}
			}
		}
	}
	return out, nil
}

func jsonValueToStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
			}
		}
		return []string{strings.Join(parts, " ")}
	case nil:
		return nil
	default:
		return []string{fmt.Sprint(t)}
	}
}
