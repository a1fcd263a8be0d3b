package auth

import "github.com/gofiber/fiber/v2"

const claimsLocal = "auth.claims"

// SetClaims stores verified claims on the request.
func SetClaims(c *fiber.Ctx, claims Claims) {
	c.Locals(claimsLocal, claims)
}

// ClaimsFrom returns the claims stored by the bearer middleware.
func ClaimsFrom(c *fiber.Ctx) (Claims, bool) {
	claims, ok := c.Locals(claimsLocal).(Claims)
	return claims, ok
}
