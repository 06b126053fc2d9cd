// Package cli contains the enqctl Cobra commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultAdminURL = "http://localhost:8081"

// NewRoot constructs the enqctl root command.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "enqctl",
		Short:         "Operate enqworker streams, dead letters and the job ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		NewDLQCommand(adminURLFromEnv),
		NewMigrateCommand(),
		NewSendCommand(),
	)
	return root
}

// BaseURLFunc provides the admin server URL.
type BaseURLFunc func() string

func adminURLFromEnv() string {
	if v := os.Getenv("ENQ_ADMIN_URL"); v != "" {
		return v
	}
	return defaultAdminURL
}
