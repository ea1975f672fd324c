package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ikoma-ops/ikoma/internal/config"
	"github.com/ikoma-ops/ikoma/internal/diag"
	"github.com/ikoma-ops/ikoma/internal/report"
	"github.com/ikoma-ops/ikoma/internal/store"
)

// NewDiagnoseCommand creates the diagnose command: run the synthetic
// self-test against the configured store and print its report. Exits
// nonzero when the report is not ok.
func NewDiagnoseCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Run the system.diagnostics self-test",
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

			res, err := diag.New(st, nil).Run(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "diagnostics", err)
			}

			if opts.Format == "json" {
				raw, err := report.MarshalCanonical(res.Report)
				if err != nil {
					return WrapExitError(ExitFailure, "marshal report", err)
				}
				fmt.Fprintln(os.Stdout, string(raw))
			} else {
				printReportText(res)
			}

			if !res.Report.OK {
				return WrapExitError(ExitFailure, "diagnostics reported failures", nil)
			}
			return nil
		},
	}
}

func printReportText(res *diag.Result) {
	rep := res.Report
	fmt.Printf("diagnostics: ok=%v  %s\n", rep.OK, rep.Summary)
	for _, st := range rep.Steps {
		fmt.Printf("  %-28s %-8s %6.0fms", st.Name, st.Status, st.DurationMs)
		if st.Error != "" {
			fmt.Printf("  %s", st.Error)
		}
		fmt.Println()
	}
	if len(res.Public) > 0 {
		raw, _ := json.Marshal(res.Public)
		fmt.Printf("  public: %s\n", raw)
	}
}
