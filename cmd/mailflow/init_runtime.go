package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"

	"mailflow/internal/adapter/gateway"
	"mailflow/internal/adapter/mailgateway"
	"mailflow/internal/domain"
	"mailflow/internal/infra/config"
	"mailflow/internal/infra/middleware"
	"mailflow/internal/security"
	"mailflow/internal/usecase/decision"
	"mailflow/internal/usecase/eventbus"
	"mailflow/internal/usecase/flow"
	"mailflow/internal/usecase/router"
	"mailflow/internal/usecase/scheduling"
)

const tracerName = "mailflow"

// initSender builds the Mail Gateway Adapter's outbound Sender, hardened
// against SSRF since cfg.Mail.GatewayBaseURL is an operator-supplied URL.
// Returns nil when no gateway base URL is configured — agents can still
// run without outbound mail (e.g. calendar/kanban-only deployments).
func initSender(cfg *config.Config) *mailgateway.Sender {
	if cfg.Mail.GatewayBaseURL == "" {
		return nil
	}
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: security.NewSSRFSafeTransport(),
	}
	return mailgateway.NewSender(cfg.Mail.GatewayBaseURL, cfg.Mail.GatewayDomain, cfg.Mail.GatewayAPIKey, cfg.Mail.SendRatePerSecond, httpClient)
}

// runtimeComponents is everything main needs to start serving: the HTTP
// handler for the inbound mail webhook and the scheduler driving the
// flow-timeout sweep.
type runtimeComponents struct {
	Handler   http.Handler
	Scheduler *scheduling.Scheduler
}

// disabledSender stands in for the Mail Gateway Adapter when no gateway
// base URL is configured, so a nil *mailgateway.Sender is never stored
// behind the router.Sender interface (that would panic on first Send,
// since Send dereferences the real Sender's rate limiter).
type disabledSender struct{}

func (disabledSender) Send(ctx context.Context, msg mailgateway.OutboundMessage) (*mailgateway.SendResult, error) {
	return nil, domain.NewSubSystemError("mail", "disabledSender.Send", domain.ErrSendFailed, "mail gateway not configured")
}

func initRuntime(cfg *config.Config, stores *storeComponents, llmComp *llmComponents, tools *toolComponents, sender *mailgateway.Sender, bus *eventbus.Bus, log *slog.Logger) (*runtimeComponents, error) {
	tr := otel.Tracer(tracerName)

	var routerSender router.Sender
	if sender != nil {
		routerSender = sender
	} else {
		routerSender = disabledSender{}
		log.Warn("mail gateway not configured, outbound mail disabled")
	}
	msgRouter := router.New(stores.Mail, stores.Flows, stores.Identity, routerSender, bus, log)

	model := defaultModel(cfg)
	decisionEngine := decision.New(llmComp.Default, tools.Registry, model, model, log, tr)
	decisionEngine.SetToolLoopCap(cfg.Flow.ToolLoopCap)

	flowEngine := flow.New(stores.Flows, stores.Identity, decisionEngine, msgRouter, bus, log, tr)
	flowEngine.SetFlowDefaults(cfg.Flow.MaxRoundsDefault, cfg.Flow.TimeoutMinutesDefault)

	auth := gateway.NewStaticTokenAuth([]struct {
		Token string
		Name  string
		Roles []string
	}{
		{Token: cfg.Mail.InboundToken, Name: "mail-gateway", Roles: []string{"inbound"}},
	})

	inboundHandler := gateway.NewInboundHandler(auth, stores.Mail, stores.Identity, stores.Flows, flowEngine, bus, log)

	var handler http.Handler = inboundHandler
	handler = middleware.SecurityHeaders(handler)
	handler = middleware.RateLimit(context.Background(), 600, 100)(handler)

	scheduler := scheduling.NewScheduler(log)
	scheduler.RegisterAction(scheduling.ActionFlowSweep, flowEngine.SweepExpired)
	if cfg.Scheduler.Enabled {
		for _, t := range cfg.Scheduler.Tasks {
			if err := scheduler.AddTask(scheduling.ScheduledTask{
				Name:     t.Name,
				Schedule: t.Schedule,
				Action:   scheduling.ScheduledAction(t.Action),
				OneShot:  t.OneShot,
			}); err != nil {
				return nil, err
			}
		}
	}

	return &runtimeComponents{Handler: handler, Scheduler: scheduler}, nil
}

// defaultModel resolves the model identifier for the engine's default
// provider, matched by name against cfg.LLM.Providers.
func defaultModel(cfg *config.Config) string {
	for _, pc := range cfg.LLM.Providers {
		if pc.Name == cfg.LLM.DefaultProvider {
			return pc.Model
		}
	}
	return ""
}
