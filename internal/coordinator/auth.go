package coordinator

import (
	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// WorkerAuth gates the coordinator's /api group with a single shared
// worker token, hashed once at start-up. The fleet has one tenant, so a
// per-client credential store is more than this surface needs; what's
// kept is the pattern of comparing hashed secrets rather than storing
// them plain.
type WorkerAuth struct {
	tokenHash []byte
}

// NewWorkerAuth hashes token once; RequireWorkerToken compares against
// the hash on every request.
func NewWorkerAuth(token string) (*WorkerAuth, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &WorkerAuth{tokenHash: hash}, nil
}

// RequireWorkerToken rejects requests missing or presenting the wrong
// X-Worker-Token header.
func (a *WorkerAuth) RequireWorkerToken() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Get("X-Worker-Token")
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing X-Worker-Token"})
		}
		if err := bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid worker token"})
		}
		return c.Next()
	}
}
