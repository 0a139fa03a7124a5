package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"mailflow/internal/adapter/datasafe"
	"mailflow/internal/domain"
	"mailflow/internal/infra/config"
	"mailflow/internal/infra/seed"
	"mailflow/internal/usecase/flow"
	"mailflow/internal/usecase/identity"
	"mailflow/internal/usecase/mailstore"
)

// storeComponents bundles the Mail Store (C1), Flow Store (part of C8),
// Identity View (C2), and the attachment Datasafe.
type storeComponents struct {
	Mail     *mailstore.SQLiteMailStore
	Flows    *flow.SQLiteFlowStore
	Identity domain.IdentityView
	Datasafe *datasafe.Store
}

func dataDir(cfg *config.Config) string {
	if cfg.Tools.DatasafeBaseDir != "" {
		return filepath.Dir(cfg.Tools.DatasafeBaseDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".mailflow", "data")
}

func initStores(cfg *config.Config, sec *securityComponents, log *slog.Logger) (*storeComponents, func(), error) {
	dir := dataDir(cfg)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, func() {}, err
	}

	mailStore, err := mailstore.NewSQLiteMailStore(filepath.Join(dir, "mail.db"))
	if err != nil {
		return nil, func() {}, err
	}

	flowStore, err := flow.NewSQLiteFlowStore(filepath.Join(dir, "flows.db"))
	if err != nil {
		mailStore.Close()
		return nil, func() {}, err
	}

	snap, err := seed.Load(cfg.Identity.SeedFile)
	if err != nil {
		mailStore.Close()
		flowStore.Close()
		return nil, func() {}, err
	}
	identityView := identity.NewView(snap)
	log.Info("identity snapshot loaded",
		"teams", len(snap.Teams), "users", len(snap.Users), "agents", len(snap.Agents))

	var dsOpts []datasafe.Option
	if sec.Encryptor != nil {
		dsOpts = append(dsOpts, datasafe.WithEncryptor(sec.Encryptor))
	}
	baseDir := cfg.Tools.DatasafeBaseDir
	if baseDir == "" {
		baseDir = filepath.Join(dir, "datasafe")
	}
	ds := datasafe.New(baseDir, dsOpts...)

	sc := &storeComponents{Mail: mailStore, Flows: flowStore, Identity: identityView, Datasafe: ds}
	cleanup := func() {
		mailStore.Close()
		flowStore.Close()
	}
	return sc, cleanup, nil
}
