package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/samber/lo"
	"go.yaml.in/yaml/v3"

	"go.alexhamlin.co/twill/internal/config"
)

// printResults writes results to w in the requested format. Text output has
// one "name: value" line per result, sorted by name.
func printResults(w io.Writer, format string, results map[string]any) error {
	switch format {
	case config.OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)

	case config.OutputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(results); err != nil {
			return err
		}
		return enc.Close()

	default:
		names := lo.Keys(results)
		slices.Sort(names)
		for _, name := range names {
			if _, err := fmt.Fprintf(w, "%s: %v\n", name, results[name]); err != nil {
				return err
			}
		}
		return nil
	}
}
