package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"mailflow/internal/domain"
	"mailflow/internal/infra/config"
	"mailflow/internal/security"
	"mailflow/internal/usecase/eventbus"
)

// securityComponents holds the ambient security machinery shared across
// the process: an optional audit logger and an optional at-rest
// attachment encryptor, both off by default until an operator configures
// a log path / key env var.
type securityComponents struct {
	Audit     *security.FileAuditLogger
	Encryptor *security.AESContentEncryptor
}

func initSecurity(cfg *config.Config, log *slog.Logger) (*securityComponents, func(), error) {
	sc := &securityComponents{}
	cleanup := func() {
		if sc.Audit != nil {
			if err := sc.Audit.Close(); err != nil {
				log.Warn("audit logger close failed", "error", err)
			}
		}
	}

	if cfg.Security.AuditLogPath != "" {
		audit, err := security.NewFileAuditLogger(cfg.Security.AuditLogPath)
		if err != nil {
			return nil, cleanup, err
		}
		retention := security.RetentionPolicy{}
		if cfg.Security.AuditRetentionMaxAge != "" {
			if d, err := time.ParseDuration(cfg.Security.AuditRetentionMaxAge); err == nil {
				retention.MaxAge = d
			} else {
				log.Warn("invalid audit_retention_max_age, ignoring", "value", cfg.Security.AuditRetentionMaxAge)
			}
		}
		if cfg.Security.AuditRetentionMaxSize != "" {
			if n, err := security.ParseRetentionMaxSize(cfg.Security.AuditRetentionMaxSize); err == nil {
				retention.MaxSize = n
			} else {
				log.Warn("invalid audit_retention_max_size, ignoring", "value", cfg.Security.AuditRetentionMaxSize)
			}
		}
		audit.SetRetention(retention)
		sc.Audit = audit
		log.Info("audit logging enabled", "path", cfg.Security.AuditLogPath)
	}

	if cfg.Security.ContentEncryptionKeyEnv != "" {
		passphrase := os.Getenv(cfg.Security.ContentEncryptionKeyEnv)
		if passphrase == "" {
			log.Warn("content encryption key env set but empty, attachments stored unencrypted",
				"env", cfg.Security.ContentEncryptionKeyEnv)
		} else {
			enc, err := security.NewAESContentEncryptor(passphrase)
			if err != nil {
				return nil, cleanup, err
			}
			sc.Encryptor = enc
			log.Info("attachment-at-rest encryption enabled")
		}
	}

	return sc, cleanup, nil
}

// wireAuditSubscriber mirrors every domain event into the audit log, when
// one is configured. This is the engine's only consumer of SubscribeAll —
// every other component reacts to specific event types.
func wireAuditSubscriber(bus *eventbus.Bus, sc *securityComponents, log *slog.Logger) {
	if sc.Audit == nil {
		return
	}
	bus.SubscribeAll(func(ctx context.Context, evt domain.Event) {
		detail := map[string]string{"session_id": evt.SessionID}
		if len(evt.Payload) > 0 {
			detail["payload"] = string(evt.Payload)
		}
		auditEvent := domain.AuditEvent{
			Timestamp: evt.Timestamp,
			Type:      domain.AuditDataEvent,
			Detail:    detail,
			Action:    string(evt.Type),
		}
		if err := sc.Audit.Log(ctx, auditEvent); err != nil {
			log.Warn("audit log write failed", "error", err)
		}
	})
}
