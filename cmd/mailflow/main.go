// Command mailflow runs the email-driven multi-agent orchestration
// engine: one HTTP process serving the inbound mail webhook, the Flow
// Engine's round loop, and the timeout sweeper.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mailflow/internal/infra/config"
	"mailflow/internal/infra/logger"
	"mailflow/internal/infra/tracer"
	"mailflow/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`mailflow - email-driven multi-agent orchestration engine

USAGE:
    mailflow [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: MAILFLOW_* variables override config

The engine listens for inbound mail webhooks, decides what each
addressed agent should do with an LLM, and sends replies back through
the configured mail gateway.`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("MAILFLOW_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Security (audit log, attachment-at-rest encryption)
	sec, secCleanup, err := initSecurity(cfg, log)
	if err != nil {
		return fmt.Errorf("security: %w", err)
	}
	defer secCleanup()

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()
	wireAuditSubscriber(bus, sec, log)

	// 5. Stores + Identity View
	stores, storesCleanup, err := initStores(cfg, sec, log)
	if err != nil {
		return fmt.Errorf("stores: %w", err)
	}
	defer storesCleanup()

	// 6. LLM providers
	llmComp, err := initLLM(cfg, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	// 7. Mail Gateway Adapter sender, shared by the email tool and the Router
	sender := initSender(cfg)

	// 8. Tool Registry
	tools, toolsCleanup, err := initTools(ctx, cfg, stores, sender, log)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	defer toolsCleanup()

	// 9. Decision Engine, Message Router, Flow Engine, Webhook Handler, Scheduler
	runtime, err := initRuntime(cfg, stores, llmComp, tools, sender, bus, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	// 10. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runtime.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer runtime.Scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Gateway.Addr,
		Handler:      runtime.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("mailflow listening", "addr", cfg.Gateway.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	log.Info("mailflow started",
		"llm_default_provider", cfg.LLM.DefaultProvider,
		"tools", len(tools.Registry.Schemas()),
		"scheduler_tasks", len(cfg.Scheduler.Tasks),
		"identity_teams", cfg.Identity.SeedFile != "",
	)

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		log.Error("gateway server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
