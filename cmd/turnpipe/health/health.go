// Package healthcmder provides the health command: an operator-facing
// client that probes a running instance's admin surface.
package healthcmder

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kumonrecept/turnpipe/pkg/logger"
)

const healthLongDesc string = `Probe a running turnpipe instance's admin surface.

Fetches /healthz (delivery pool liveness) and /readyz (outbox store
reachability) from the given address and prints the result. Exits non-zero
if either probe fails, so it can be used directly as a deploy health check.

Examples:
  turnpipe health --admin-addr http://localhost:8081`

const healthShortDesc string = "Check a running instance's /healthz and /readyz"

type healthCommander struct {
	adminAddr string
	timeout   time.Duration
}

func NewHealthCmd() *cobra.Command {
	cmder := &healthCommander{}

	cmd := &cobra.Command{
		Use:   "health",
		Short: healthShortDesc,
		Long:  healthLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmder.run()
		},
	}

	cmd.Flags().StringVar(&cmder.adminAddr, "admin-addr", "http://localhost:8081", "Base URL of the admin/health surface")
	cmd.Flags().DurationVar(&cmder.timeout, "timeout", 5*time.Second, "Per-request timeout")

	return cmd
}

func (c *healthCommander) run() error {
	log := logger.New(logger.WithPretty(true))
	client := &http.Client{Timeout: c.timeout}

	healthy, err := c.probe(client, "/healthz")
	logProbe(log, "healthz", healthy, err)

	ready, readyErr := c.probe(client, "/readyz")
	logProbe(log, "readyz", ready, readyErr)

	if err != nil || readyErr != nil || !healthy || !ready {
		return fmt.Errorf("instance at %s is not healthy", c.adminAddr)
	}
	return nil
}

func (c *healthCommander) probe(client *http.Client, path string) (bool, error) {
	resp, err := client.Get(c.adminAddr + path)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return false, fmt.Errorf("status %d: %v", resp.StatusCode, body)
	}
	return true, nil
}

func logProbe(log *slog.Logger, probe string, ok bool, err error) {
	if ok {
		log.Info("probe succeeded", "probe", probe, "status", "ok")
		return
	}
	if err != nil {
		log.Error("probe failed", "probe", probe, "error", err)
		return
	}
	log.Error("probe failed", "probe", probe)
}
