package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/artpar/modhost/adapters/hasher"
	"github.com/artpar/modhost/adapters/loader"
	"github.com/artpar/modhost/bootstrap"
	"github.com/artpar/modhost/config"
	"github.com/artpar/modhost/core/filter"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [manifest...]",
	Short: "Validate configuration and module manifests",
	Long: `Validate the modhost configuration and module manifests.

Checks:
  - Config YAML syntax and values
  - Every manifest in the modules directory (or the ones given)
  - Manifest activators exist in this build
  - Requirement filters compile

Examples:
  modhost validate
  modhost validate modules/orders/module.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)
	fmt.Fprintf(out, "  %s Modules dir: %s\n", checkMark, cfg.Modules.Dir)
	fmt.Fprintf(out, "  %s Journal: %s (enabled: %v)\n", checkMark, cfg.Journal.DSN, cfg.Journal.Enabled)

	acts := bootstrap.Builtins()
	for _, name := range cfg.Modules.Builtin {
		if _, ok := acts.New(name); !ok {
			fmt.Fprintf(out, "  %s Builtin %s\n", crossMark, name)
			return fmt.Errorf("unknown builtin module %q", name)
		}
		fmt.Fprintf(out, "  %s Builtin %s\n", checkMark, name)
	}

	dir, err := loader.NewDir(cfg.Modules.Dir, acts, hasher.Blake2b{})
	if err != nil {
		return err
	}
	paths := args
	if len(paths) == 0 {
		if _, err := os.Stat(dir.Root()); err != nil {
			fmt.Fprintf(out, "  - Modules dir %s not found, no manifests checked\n", dir.Root())
			return nil
		}
		if paths, err = dir.Scan(); err != nil {
			return err
		}
	}

	filters := filter.NewCompiler()
	failed := 0
	for _, path := range paths {
		if !checkManifest(cmd.Context(), out, dir, filters, path) {
			failed++
		}
	}
	fmt.Fprintf(out, "\n%d manifests, %d invalid\n", len(paths), failed)
	if failed > 0 {
		return fmt.Errorf("%d invalid manifests", failed)
	}
	return nil
}

func checkManifest(ctx context.Context, out io.Writer, dir *loader.Dir, filters *filter.Compiler, path string) bool {
	art, err := dir.Load(ctx, path)
	if err == nil {
		err = art.Validate(filters)
	}
	if err != nil {
		fmt.Fprintf(out, "  %s %s\n", crossMark, path)
		fmt.Fprintf(out, "      Error: %v\n", err)
		return false
	}
	fmt.Fprintf(out, "  %s %s (%s %s)\n", checkMark, path, art.Name, art.Version)
	return true
}
