package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"go.alexhamlin.co/twill/internal/capsule"
	"go.alexhamlin.co/twill/internal/config"
	"go.alexhamlin.co/twill/internal/loop"
	"go.alexhamlin.co/twill/internal/offload"
	"go.alexhamlin.co/twill/internal/orchestrator"
	"go.alexhamlin.co/twill/internal/registry"
)

func newDemoCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Walk through registry and orchestrator behavior",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSampleRegistry(cmd.Context(), cfg, func(reg *registry.Registry) error {
				return loop.Run(cmd.Context(), func(co *loop.Coroutine) error {
					return demo(co, cmd.OutOrStdout(), cfg, reg)
				})
			})
		},
	}
}

// demo exercises a registry holding the sample capsules. Expected failures are
// printed; anything unexpected is returned.
func demo(co *loop.Coroutine, w io.Writer, cfg *config.Config, reg *registry.Registry) error {
	step := func(label string, value any, err error) {
		if err != nil {
			fmt.Fprintf(w, "%s: error: %v\n", label, err)
			return
		}
		fmt.Fprintf(w, "%s: %v\n", label, value)
	}

	value, err := reg.Call(co, "add")
	if err != nil {
		return err
	}
	step("call add", value, nil)

	dup := capsule.Must("add", func(a, b int) int { return a * b }, capsule.WithArgs(3, 4))
	err = reg.Add(dup, false)
	if !errors.Is(err, registry.ErrDuplicateName) {
		return fmt.Errorf("adding a duplicate: got %v, want %v", err, registry.ErrDuplicateName)
	}
	step("add duplicate", nil, err)
	if err := reg.Add(dup, true); err != nil {
		return err
	}
	value, err = reg.Call(co, "add")
	if err != nil {
		return err
	}
	step("call add after force", value, nil)

	_, err = reg.Call(co, "missing")
	if !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("calling a missing name: got %v, want %v", err, registry.ErrNotFound)
	}
	step("call missing", nil, err)

	_, err = reg.CallKey(co, 123)
	if !errors.Is(err, registry.ErrTypeMismatch) {
		return fmt.Errorf("calling a non-string key: got %v, want %v", err, registry.ErrTypeMismatch)
	}
	step("call 123", nil, err)

	emptyPool := offload.NewPool(offload.Options{Workers: 1})
	defer emptyPool.Shutdown(co.Context())
	empty, err := registry.New(emptyPool)
	if err != nil {
		return err
	}
	_, err = orchestrator.Open(empty, cfg.OrchestratorOptions())
	if !errors.Is(err, orchestrator.ErrEmptyRegistry) {
		return fmt.Errorf("opening an empty registry: got %v, want %v", err, orchestrator.ErrEmptyRegistry)
	}
	step("open empty registry", nil, err)

	return orchestrator.Scope(reg, cfg.OrchestratorOptions(), func(o *orchestrator.Orchestrator) error {
		results, err := o.RunAll(co)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "run-all:")
		return printResults(w, cfg.Output, results)
	})
}
