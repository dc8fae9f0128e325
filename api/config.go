// Package api provides the Admin/Health HTTP surface (C10): liveness,
// readiness, operator-facing outbox counters, and manual failed-item
// retry, kept on its own listener so operator tooling never shares a
// port with the webhook ingress.
package api

// Config is the admin/health server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8081")
	ListenAddr string
}
