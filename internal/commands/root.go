// Package commands wires the cua_agent CLI's cobra root command,
// adapted from the teacher's internal/commands/root.go: a persistent
// JSON slog handler, config-dir bootstrap in PersistentPreRunE, and a
// single default RunE since this CLI drives one interactive task loop
// rather than vybe's resume/push/task/memory subcommand tree.
package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cua-agent/cua-agent/internal/config"
	"github.com/cua-agent/cua-agent/internal/output"
)

// printedError marks an error whose message has already been written to
// the output envelope, so Execute's top-level logger does not double-log
// it (mirrors the teacher's root.go usage of the same sentinel type).
type printedError struct{ err error }

func (p printedError) Error() string { return p.err.Error() }
func (p printedError) Unwrap() error { return p.err }

// Execute runs the CLI application for the given version string.
func Execute(version string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	var adapterFlag string

	root := &cobra.Command{
		Use:           "cua_agent",
		Short:         "Perceive-plan-act-verify desktop automation agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.EnsureConfigDir(); err != nil {
				return err
			}
			if adapterFlag != "" {
				os.Setenv("CUA_ADAPTER", adapterFlag)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				type resp struct {
					Version string `json:"version"`
				}
				return output.PrintSuccess(resp{Version: version})
			}
			return runLoop(context.Background())
		},
	}

	root.PersistentFlags().StringVar(&adapterFlag, "adapter", "", "Computer Adapter backend module to load (default: $CUA_ADAPTER, falls back to the in-process fake)")
	root.Flags().BoolP("version", "v", false, "version for cua_agent")

	err := root.Execute()
	if err != nil {
		var pe printedError
		if !errors.As(err, &pe) {
			slog.Default().Error("command failed", "error", err.Error())
		}
	}
	return err
}
