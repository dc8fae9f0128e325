package api

import (
	"github.com/gofiber/fiber/v2"
)

// errorResponse is the JSON body for a 4xx/5xx admin response.
type errorResponse struct {
	Error string `json:"error"`
}

// handleHealthz is the liveness probe: it succeeds as long as the process
// is up and the delivery worker pool hasn't been shut down. It does not
// touch Postgres or Redis — a slow downstream should fail readyz, not
// liveness, or an orchestrator would kill and restart a pod that's merely
// waiting on a dependency.
func (s *Server) handleHealthz(c *fiber.Ctx) error {
	if s.pool != nil && !s.pool.Running() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: "delivery pool stopped"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleReadyz is the readiness probe: it fails when the authoritative
// outbox store is unreachable, so a load balancer stops routing webhooks
// to an instance that can't persist a turn's plan.
func (s *Server) handleReadyz(c *fiber.Ctx) error {
	if s.db == nil {
		return c.JSON(fiber.Map{"status": "ready"})
	}
	if err := s.db.Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: "outbox store unreachable"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// handleStats returns outbox counters for a conversation, for operator
// inspection. conversation_id is required since the repository tracks
// counters per conversation, not globally.
func (s *Server) handleStats(c *fiber.Ctx) error {
	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "conversation_id query parameter required"})
	}

	counts, err := s.outbox.Stats(c.Context(), conversationID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to load outbox stats"})
	}

	return c.JSON(fiber.Map{
		"conversation_id": conversationID,
		"counts":          counts,
	})
}

// retryRequest is the body of POST /admin/outbox/retry.
type retryRequest struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
}

// handleRetry resets a turn's failed outbox items back to queued, per
// spec's "failed rows may be retried later by explicit operator action".
// It only changes the rows' status; it does not run delivery for the turn.
func (s *Server) handleRetry(c *fiber.Ctx) error {
	var req retryRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
	}
	if req.ConversationID == "" || req.TurnID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "conversation_id and turn_id are required"})
	}

	retried, err := s.outbox.Retry(c.Context(), req.ConversationID, req.TurnID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to retry outbox items"})
	}

	return c.JSON(fiber.Map{"retried": retried})
}
