package ingress

import (
	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts the webhook endpoint on app. The handler always
// returns 200 — Handle never surfaces a caller-facing error, so there is
// nothing for the gateway to usefully retry on, and a non-200 response
// would only cause it to resend a webhook Handle already classified.
func (i *Ingress) RegisterRoutes(app *fiber.App) {
	app.Post("/webhook", i.handleWebhook)
}

func (i *Ingress) handleWebhook(c *fiber.Ctx) error {
	result, err := i.Handle(c.Context(), c.Body())
	if err != nil {
		i.log.Error("ingress: unexpected Handle error")
		return c.JSON(fiber.Map{"status": "error"})
	}

	body := fiber.Map{"status": string(result.Status)}
	if result.Reason != "" {
		body["reason"] = string(result.Reason)
	}
	return c.JSON(body)
}
