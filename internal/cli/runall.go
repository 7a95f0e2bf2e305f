package cli

import (
	"github.com/spf13/cobra"

	"go.alexhamlin.co/twill/internal/config"
	"go.alexhamlin.co/twill/internal/loop"
	"go.alexhamlin.co/twill/internal/orchestrator"
	"go.alexhamlin.co/twill/internal/registry"
)

func newRunAllCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run every sample capsule as one batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSampleRegistry(cmd.Context(), cfg, func(reg *registry.Registry) error {
				var results map[string]any
				err := orchestrator.Scope(reg, cfg.OrchestratorOptions(), func(o *orchestrator.Orchestrator) error {
					return loop.Run(cmd.Context(), func(co *loop.Coroutine) (err error) {
						results, err = o.RunAll(co)
						return err
					})
				})
				if err != nil {
					return err
				}
				return printResults(cmd.OutOrStdout(), cfg.Output, results)
			})
		},
	}
}
