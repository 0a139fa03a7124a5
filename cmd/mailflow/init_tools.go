package main

import (
	"context"
	"log/slog"

	"mailflow/internal/adapter/mailgateway"
	"mailflow/internal/adapter/tool"
	"mailflow/internal/infra/config"
)

// toolComponents bundles the Tool Registry (C5) and the pieces main needs
// to close on shutdown (the MCP bridge keeps subprocess/connections open).
type toolComponents struct {
	Registry *tool.Registry
	mcp      *tool.MCPBridge
}

// initTools registers every backend spec.md §4.5 enables in cfg.Tools,
// mirroring the teacher's initAgent: one optional backend per config flag,
// warn and skip on backend construction failure rather than fail the boot.
func initTools(ctx context.Context, cfg *config.Config, stores *storeComponents, sender *mailgateway.Sender, log *slog.Logger) (*toolComponents, func(), error) {
	registry := tool.NewRegistry(log)
	tc := &toolComponents{Registry: registry}
	cleanup := func() {
		if tc.mcp != nil {
			tc.mcp.Close()
		}
	}

	if cfg.Tools.CalendarEnabled {
		backend := tool.NewMockCalendarBackend()
		calTool := tool.NewCalendarTool(backend, cfg.Tools.CalendarTimeout, log)
		if err := registry.Register(calTool); err != nil {
			return nil, cleanup, err
		}
		log.Info("registered tool", "tool", "calendar")
	}

	if cfg.Tools.KanbanEnabled {
		backend := tool.NewMockKanbanBackend()
		kanbanTool := tool.NewKanbanTool(backend, log)
		if err := registry.Register(kanbanTool); err != nil {
			return nil, cleanup, err
		}
		log.Info("registered tool", "tool", "kanban")
	}

	if cfg.Tools.DirectoryEnabled {
		dirTool := tool.NewDirectoryTool(stores.Identity, log)
		if err := registry.Register(dirTool); err != nil {
			return nil, cleanup, err
		}
		log.Info("registered tool", "tool", "directory")
	}

	if cfg.Tools.DatasafeEnabled {
		dsTool := tool.NewDatasafeTool(stores.Datasafe, log)
		if err := registry.Register(dsTool); err != nil {
			return nil, cleanup, err
		}
		log.Info("registered tool", "tool", "datasafe")
	}

	if cfg.Tools.EmailEnabled {
		if sender == nil {
			log.Warn("email tool enabled but mail gateway is not configured, skipping")
		} else {
			emailTool := tool.NewEmailActionTool(stores.Mail, stores.Identity, sender, cfg.Tools.EmailMaxSendsPerHour, log)
			if err := registry.Register(emailTool); err != nil {
				return nil, cleanup, err
			}
			log.Info("registered tool", "tool", "email_action")
		}
	}

	if cfg.Tools.MCPEnabled && len(cfg.Tools.MCPServers) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, cfg.Tools.MCPServers, log)
		if err != nil {
			log.Warn("MCP bridge init failed, continuing without it", "error", err)
		} else {
			tc.mcp = bridge
			for _, t := range bridge.Tools() {
				if err := registry.Register(t); err != nil {
					log.Warn("MCP tool registration failed", "error", err)
				}
			}
			log.Info("registered MCP tools", "servers", len(cfg.Tools.MCPServers), "tools", len(bridge.Tools()))
		}
	}

	return tc, cleanup, nil
}
