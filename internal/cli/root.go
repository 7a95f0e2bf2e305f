// Package cli implements the twill command, which demonstrates registering
// capsules and running them through a registry and orchestrator.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"go.alexhamlin.co/twill/internal/capsule"
	"go.alexhamlin.co/twill/internal/config"
	"go.alexhamlin.co/twill/internal/log"
	"go.alexhamlin.co/twill/internal/offload"
	"go.alexhamlin.co/twill/internal/registry"
)

// NewRootCommand builds the twill command tree.
func NewRootCommand(version string) *cobra.Command {
	var cfg config.Config

	root := &cobra.Command{
		Use:           "twill",
		Short:         "Run named blocking functions from a cooperative scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			cfg = loaded
			log.SetVerbose(cfg.Verbose)
			return nil
		},
	}
	config.Flags(root.PersistentFlags())

	root.AddCommand(
		newDemoCommand(&cfg),
		newCallCommand(&cfg),
		newRunAllCommand(&cfg),
		newVersionCommand(version),
	)
	return root
}

// sampleCapsules returns the capsules registered by every demo command.
func sampleCapsules() []*capsule.Capsule {
	return []*capsule.Capsule{
		capsule.Must("add", func(a, b int) int { return a + b }, capsule.WithArgs(3, 4)),
		capsule.Must("hello", func(kw capsule.Kwargs) string {
			return fmt.Sprintf("Hello, %s!", kw["name"])
		}, capsule.WithKwarg("name", "Twill")),
	}
}

// withSampleRegistry builds a registry of the sample capsules on a fresh pool,
// passes it to fn, and drains the pool afterward.
func withSampleRegistry(ctx context.Context, cfg *config.Config, fn func(*registry.Registry) error) (err error) {
	pool := offload.NewPool(cfg.PoolOptions())
	defer func() {
		if shutdownErr := pool.Shutdown(ctx); err == nil {
			err = shutdownErr
		}
	}()

	reg, err := registry.New(pool, sampleCapsules()...)
	if err != nil {
		return err
	}
	return fn(reg)
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
