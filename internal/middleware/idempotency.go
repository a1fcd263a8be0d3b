package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader    = "Idempotency-Key"
	idempotencyReplayHeader = "Idempotent-Replayed"
	idempotencyPrefix       = "idempotency:"
	inProgressMarker        = "__in_progress__"
	idempotencyStoreTimeout = 2 * time.Second
)

// idempotencyRecord is what Redis holds for a finished request.
type idempotencyRecord struct {
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers"`
}

// IdempotencyConfig tunes the Idempotency middleware.
type IdempotencyConfig struct {
	TTL time.Duration
	// Optional lets requests without the header through unrecorded.
	Optional bool
	// Scope namespaces keys, for example by the calling peer bank, so two
	// callers choosing the same key do not collide.
	Scope func(c *fiber.Ctx) string
}

// Idempotency replays the recorded response when an unsafe request repeats
// its Idempotency-Key. Only final outcomes are recorded: a 5xx releases the
// key so the caller can retry it. Reusing a key for a different request is
// rejected with 422. A nil cache disables the middleware.
func Idempotency(cache *redis.Client, cfg IdempotencyConfig, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			if cfg.Optional {
				return c.Next()
			}
			return fiber.NewError(http.StatusBadRequest, "missing Idempotency-Key header")
		}
		if cfg.Scope != nil {
			key = cfg.Scope(c) + ":" + key
		}
		cacheKey := idempotencyPrefix + key
		fingerprint := requestFingerprint(c)
		log := logger.With(slog.String("idempotency_key", key))

		ctx, cancel := context.WithTimeout(c.UserContext(), idempotencyStoreTimeout)
		defer cancel()

		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, cfg.TTL).Result()
		if err != nil {
			log.Error("idempotency reservation failed", slog.Any("error", err))
			return fiber.NewError(http.StatusServiceUnavailable, "idempotency store unavailable")
		}
		if !reserved {
			return replay(ctx, c, cache, cacheKey, fingerprint, log)
		}

		release := func() {
			// The request context may already be gone.
			ctx, cancel := context.WithTimeout(context.Background(), idempotencyStoreTimeout)
			defer cancel()
			if err := cache.Del(ctx, cacheKey).Err(); err != nil {
				log.Warn("idempotency release failed", slog.Any("error", err))
			}
		}

		if err := c.Next(); err != nil {
			var fe *fiber.Error
			if !errors.As(err, &fe) || fe.Code >= http.StatusInternalServerError {
				release()
				return err
			}
			// Render the client error now so it is recorded like a success.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				release()
				return herr
			}
		}
		if c.Response().StatusCode() >= http.StatusInternalServerError {
			release()
			return nil
		}

		rec := idempotencyRecord{
			Fingerprint: fingerprint,
			Status:      c.Response().StatusCode(),
			Body:        string(c.Response().Body()),
			Headers:     map[string]string{},
		}
		c.Response().Header.VisitAll(func(k, v []byte) {
			if !strings.EqualFold(string(k), fiber.HeaderContentLength) {
				rec.Headers[string(k)] = string(v)
			}
		})
		payload, err := json.Marshal(rec)
		if err != nil {
			release()
			return err
		}

		persistCtx, persistCancel := context.WithTimeout(context.Background(), idempotencyStoreTimeout)
		defer persistCancel()
		if err := cache.Set(persistCtx, cacheKey, payload, cfg.TTL).Err(); err != nil {
			// The response already went through; a retry will run the
			// handler again and the ledger's own dedupe decides.
			log.Error("idempotency record failed", slog.Any("error", err))
			release()
		}
		return nil
	}
}

func replay(ctx context.Context, c *fiber.Ctx, cache *redis.Client, cacheKey, fingerprint string, log *slog.Logger) error {
	raw, err := cache.Get(ctx, cacheKey).Result()
	if errors.Is(err, redis.Nil) || raw == inProgressMarker {
		return fiber.NewError(http.StatusConflict, "a request with this Idempotency-Key is still processing")
	}
	if err != nil {
		log.Error("idempotency lookup failed", slog.Any("error", err))
		return fiber.NewError(http.StatusServiceUnavailable, "idempotency store unavailable")
	}

	var rec idempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		log.Warn("undecodable idempotency record", slog.Any("error", err))
		return fiber.NewError(http.StatusConflict, "duplicate request")
	}
	if rec.Fingerprint != fingerprint {
		return fiber.NewError(http.StatusUnprocessableEntity, "Idempotency-Key was already used for a different request")
	}

	for header, value := range rec.Headers {
		c.Set(header, value)
	}
	c.Set(idempotencyReplayHeader, "true")
	return c.Status(rec.Status).SendString(rec.Body)
}

func requestFingerprint(c *fiber.Ctx) string {
	h := sha256.New()
	h.Write([]byte(c.Method()))
	h.Write([]byte{0})
	h.Write([]byte(c.Path()))
	h.Write([]byte{0})
	h.Write(c.Body())
	return hex.EncodeToString(h.Sum(nil))
}
