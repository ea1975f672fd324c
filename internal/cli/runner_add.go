package cli

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/ikoma-ops/ikoma/internal/config"
	"github.com/ikoma-ops/ikoma/internal/store"
)

// NewRunnerAddCommand creates the runner-add command: register a runner
// and print its credential. The cleartext token is shown exactly once;
// only the bcrypt hash is stored.
func NewRunnerAddCommand(opts *RootOptions) *cobra.Command {
	var scopes []string

	cmd := &cobra.Command{
		Use:   "runner-add NAME",
		Short: "Register a runner and issue its credential",
		Args:  cobra.ExactArgs(1),
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

			token := uuid.NewString()
			hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
			if err != nil {
				return WrapExitError(ExitFailure, "hash token", err)
			}

			runner, err := st.CreateRunner(cmd.Context(), args[0], scopes, string(hash))
			if err != nil {
				return WrapExitError(ExitFailure, "create runner", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: os.Stdout, Verbose: opts.Verbose}
			if opts.Format == "json" {
				return out.Success(map[string]any{
					"id":    runner.ID,
					"name":  runner.Name,
					"token": token,
				})
			}
			fmt.Fprintf(os.Stdout, "runner %s registered\n", runner.Name)
			fmt.Fprintf(os.Stdout, "  id:    %s\n", runner.ID)
			fmt.Fprintf(os.Stdout, "  token: %s\n", token)
			fmt.Fprintln(os.Stdout, "store this token now; it cannot be recovered")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope to grant (repeatable)")
	return cmd
}
