// Package turnpipecmder
package turnpipecmder

import (
	"github.com/spf13/cobra"

	healthcmder "github.com/kumonrecept/turnpipe/cmd/turnpipe/health"
	migratecmder "github.com/kumonrecept/turnpipe/cmd/turnpipe/migrate"
	servecmder "github.com/kumonrecept/turnpipe/cmd/turnpipe/serve"
	versioncmder "github.com/kumonrecept/turnpipe/cmd/version"
)

const turnpipeLongDesc string = `turnpipe is the WhatsApp conversational receptionist core.

Run the service using:
  turnpipe serve     Run the ingress + admin servers and the delivery pool
  turnpipe migrate   Create or update the outbox schema
  turnpipe health    Check a running instance's /healthz and /readyz`

const turnpipeShortDesc string = "turnpipe - WhatsApp turn pipeline core"

func NewTurnpipeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turnpipe",
		Short: turnpipeShortDesc,
		Long:  turnpipeLongDesc,
	}

	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override path to the directory containing config.toml")

	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(migratecmder.NewMigrateCmd())
	cmd.AddCommand(healthcmder.NewHealthCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
