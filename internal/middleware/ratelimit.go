package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimit caps requests per client IP over a sliding window.
func RateLimit(max int, window time.Duration) fiber.Handler {
	return newLimiter(max, window, false)
}

// LoginRateLimit counts only failed attempts, so the two legitimate
// accounts are never locked out by their own successful logins.
func LoginRateLimit(max int, window time.Duration) fiber.Handler {
	return newLimiter(max, window, true)
}

func newLimiter(max int, window time.Duration, skipSuccessful bool) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:                    max,
		Expiration:             window,
		SkipSuccessfulRequests: skipSuccessful,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too many requests"})
		},
	})
}
