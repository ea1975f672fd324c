package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/ikoma-ops/ikoma/internal/config"
	"github.com/ikoma-ops/ikoma/internal/order"
	"github.com/ikoma-ops/ikoma/internal/store"
)

// baselinePlaybooks is the catalog seeded into a fresh installation.
var baselinePlaybooks = []order.Playbook{
	{
		Key:           "nginx.reload",
		Name:          "Reload nginx configuration",
		Category:      order.PlaybookBase,
		RiskLevel:     order.RiskLow,
		SchemaVersion: "v1",
		IsPublished:   true,
	},
	{
		Key:           "nginx.deploy_site",
		Name:          "Deploy an nginx site",
		Category:      order.PlaybookStandard,
		RiskLevel:     order.RiskMedium,
		RequiresScopes: []string{"sites:write"},
		SchemaVersion: "v1",
		IsPublished:   true,
	},
	{
		Key:           "cert.renew",
		Name:          "Renew TLS certificates",
		Category:      order.PlaybookStandard,
		RiskLevel:     order.RiskMedium,
		SchemaVersion: "v1",
		IsPublished:   true,
	},
	{
		Key:           "system.diagnostics",
		Name:          "Control plane self-test",
		Category:      order.PlaybookBase,
		RiskLevel:     order.RiskLow,
		SchemaVersion: "v1",
		IsPublished:   true,
	},
}

// NewSeedCommand creates the seed command: insert baseline playbooks into
// the store. Already-present keys are skipped, so seeding is idempotent.
func NewSeedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed baseline playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}

			st, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return WrapExitError(ExitCommandError, "open store", err)
			}
			defer st.Close()

			seeded, skipped, err := seedPlaybooks(cmd.Context(), st)
			if err != nil {
				return WrapExitError(ExitFailure, "seed", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: os.Stdout, Verbose: opts.Verbose}
			return out.Success(map[string]int{"seeded": seeded, "skipped": skipped})
		},
	}
}

func seedPlaybooks(ctx context.Context, st *store.Store) (seeded, skipped int, err error) {
	for _, p := range baselinePlaybooks {
		if _, err := st.GetPlaybookByKey(ctx, p.Key); err == nil {
			skipped++
			continue
		} else if _, ok := order.IsNotFound(err); !ok {
			return seeded, skipped, err
		}
		if _, err := st.CreatePlaybook(ctx, p); err != nil {
			return seeded, skipped, err
		}
		seeded++
	}
	return seeded, skipped, nil
}
