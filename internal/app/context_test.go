package app_test

import (
	"context"
	"testing"

	"autoflow/internal/app"
	"autoflow/internal/config"
	"autoflow/internal/db"
	"autoflow/internal/migrate"
	"autoflow/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestResolveConfigSeedsDefault(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	cfg, err := app.ResolveConfig(ctx, "chain-1", r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Chain.ID != "chain-1" {
		t.Fatalf("chain id = %q, want chain-1", cfg.Chain.ID)
	}
	// resolving again reads the stored row, it does not reseed
	again, err := app.ResolveConfig(ctx, "other-chain", r)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again.Chain.ID != "chain-1" {
		t.Fatalf("chain id after reseed = %q, want chain-1", again.Chain.ID)
	}
}

// ImportConfig runs outside any transaction; it must replace both the stored
// config and the accepted-denom table in that mode.
func TestImportConfigReplacesDenoms(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	cfg := config.Default("chain-1")
	cfg.Denoms = []config.DenomConfig{
		{Denom: "uusdc", MaxDebt: 1000, MinBalanceThreshold: 10},
		{Denom: "uatom", MaxDebt: 500, MinBalanceThreshold: 5},
	}
	if err := app.ImportConfig(ctx, r, cfg); err != nil {
		t.Fatalf("import: %v", err)
	}

	cfg.Denoms = cfg.Denoms[:1]
	if err := app.ImportConfig(ctx, r, cfg); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	denoms, err := r.ListAcceptedDenoms(ctx, nil)
	if err != nil {
		t.Fatalf("list denoms: %v", err)
	}
	if len(denoms) != 1 || denoms[0].Denom != "uusdc" {
		t.Fatalf("denoms = %+v, want just uusdc", denoms)
	}
	if denoms[0].MaxDebt != 1000 || denoms[0].MinBalanceThreshold != 10 {
		t.Fatalf("denom config = %+v", denoms[0])
	}
}
