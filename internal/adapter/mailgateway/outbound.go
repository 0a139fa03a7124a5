package mailgateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"mailflow/internal/domain"
)

// OutboundMessage is the payload the Mail Gateway Adapter submits to the
// provider on send.
type OutboundMessage struct {
	From        string
	To          string
	Subject     string
	Body        string
	HTML        string
	InReplyTo   string
	References  []string
	Attachments []domain.Attachment
}

// Sender submits outbound mail through a Mailgun-shaped
// `POST /v3/<domain>/messages` API: HTTP basic auth, form-encoded body,
// tracking disabled, threading headers passed as h:In-Reply-To/h:References.
type Sender struct {
	httpClient *http.Client
	baseURL    string // e.g. "https://api.mailgun.net"
	domain     string
	apiKey     string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*SendResult]
}

// SendResult is the provider's response to an accepted send.
type SendResult struct {
	MessageID string
}

// NewSender builds a gateway sender. ratePerSecond bounds outbound send
// throughput the way the teacher's adapter/tool/email.go hand-rolled
// RateLimiter did, rebuilt here on golang.org/x/time/rate per
// SPEC_FULL.md's domain-stack wiring.
func NewSender(baseURL, domainName, apiKey string, ratePerSecond float64, httpClient *http.Client) *Sender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	s := &Sender{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		domain:     domainName,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
	s.breaker = gobreaker.NewCircuitBreaker[*SendResult](gobreaker.Settings{
		Name:        "mailgateway.send",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return s
}

// Send submits one outbound message, returning the provider-assigned
// message-id on success. Failures are wrapped in domain.ErrSendFailed so
// callers (the Message Router) can persist a DeliveryConfirmed=false
// entry without losing the underlying cause.
func (s *Sender) Send(ctx context.Context, msg OutboundMessage) (*SendResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, domain.WrapOp("MailGatewayAdapter.Send", err)
	}

	result, err := s.breaker.Execute(func() (*SendResult, error) {
		return s.doSend(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}
	return result, nil
}

func (s *Sender) doSend(ctx context.Context, msg OutboundMessage) (*SendResult, error) {
	form := url.Values{}
	form.Set("from", msg.From)
	form.Set("to", msg.To)
	form.Set("subject", msg.Subject)
	form.Set("text", msg.Body)
	if msg.HTML != "" {
		form.Set("html", msg.HTML)
	}
	if msg.InReplyTo != "" {
		form.Set("h:In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		form.Set("h:References", strings.Join(msg.References, " "))
	}
	form.Set("o:tracking", "no")
	for i, att := range msg.Attachments {
		form.Set(fmt.Sprintf("attachment-%d", i+1), base64.StdEncoding.EncodeToString(att.Data))
	}

	endpoint := fmt.Sprintf("%s/v3/%s/messages", s.baseURL, s.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway status %d: %s", resp.StatusCode, body.Message)
	}
	if body.ID == "" {
		return nil, fmt.Errorf("gateway response missing message id")
	}
	return &SendResult{MessageID: domain.NormalizeMessageID(body.ID)}, nil
}
