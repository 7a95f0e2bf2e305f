package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"go.alexhamlin.co/twill/internal/config"
	"go.alexhamlin.co/twill/internal/loop"
	"go.alexhamlin.co/twill/internal/registry"
)

func newCallCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "call NAME...",
		Short: "Call sample capsules by name, concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSampleRegistry(cmd.Context(), cfg, func(reg *registry.Registry) error {
				results, err := callEach(cmd, reg, args)
				if err != nil {
					return err
				}
				return printResults(cmd.OutOrStdout(), cfg.Output, results)
			})
		},
	}
}

// callEach calls every name from its own coroutine and waits for all of them.
// Repeated names are called once per occurrence.
func callEach(cmd *cobra.Command, reg *registry.Registry, names []string) (map[string]any, error) {
	results := make(map[string]any, len(names))
	err := loop.Run(cmd.Context(), func(co *loop.Coroutine) error {
		tasks := make([]*loop.Task, len(names))
		for i, name := range names {
			tasks[i] = co.Spawn(func(co *loop.Coroutine) (any, error) {
				return reg.Call(co, name)
			})
		}
		var errs []error
		for i, task := range tasks {
			value, err := task.Await(co)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			results[names[i]] = value
		}
		return errors.Join(errs...)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
