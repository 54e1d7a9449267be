package app

import (
	"context"
	"errors"
	"fmt"

	"autoflow/internal/config"
	"autoflow/internal/domain"
	"autoflow/internal/repo"
)

// ResolveConfig loads the chain config stored in the workspace DB, seeding a
// default single-denom config on first use. The accepted-denom table is kept
// in step with the config's denom list.
func ResolveConfig(ctx context.Context, chainID string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetChainConfig(ctx, nil)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if chainID == "" {
		chainID = "localnet"
	}
	cfg = config.Default(chainID)
	if err := ImportConfig(ctx, r, cfg); err != nil {
		return nil, fmt.Errorf("seed chain config: %w", err)
	}
	return cfg, nil
}

// ImportConfig validates and installs a config, replacing the accepted-denom
// set to match its denom list.
func ImportConfig(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := r.UpsertChainConfig(ctx, nil, cfg); err != nil {
		return err
	}
	denoms := make([]domain.AcceptedDenom, 0, len(cfg.Denoms))
	for _, d := range cfg.Denoms {
		denoms = append(denoms, domain.AcceptedDenom{
			Denom:               d.Denom,
			MaxDebt:             d.MaxDebt,
			MinBalanceThreshold: d.MinBalanceThreshold,
		})
	}
	return r.SeedAcceptedDenoms(ctx, nil, denoms)
}
