package servecmder

import "github.com/gofiber/fiber/v2"

func newFiberApp() *fiber.App {
	return fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
}
