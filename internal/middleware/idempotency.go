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

	"github.com/congo-pay/offlinepay/internal/apperror"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v2:"
	inProgressMarker     = "__in_progress__"
	cacheOpTimeout       = 2 * time.Second
)

var (
	errMissingKey = apperror.BadRequest("IDEMPOTENCY_KEY_REQUIRED", "missing Idempotency-Key header")
	errInFlight   = apperror.Conflict("IDEMPOTENCY_IN_PROGRESS", "a request with this key is still processing")
	errKeyReused  = apperror.New("IDEMPOTENCY_KEY_REUSED", http.StatusUnprocessableEntity, "Idempotency-Key was used with a different request body")
	errCacheDown  = apperror.New("IDEMPOTENCY_UNAVAILABLE", http.StatusServiceUnavailable, "idempotency store unavailable")
)

type storedResponse struct {
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers"`
}

// Idempotency replays the first response recorded for an Idempotency-Key on
// money-moving routes. Keys are scoped by method and path, and a replay with a
// different body is refused. Server errors are not recorded so the client may
// retry. A nil cache disables the middleware.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
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
			return errMissingKey
		}
		cacheKey := idempotencyPrefix + c.Method() + ":" + c.Path() + ":" + key
		fingerprint := bodyFingerprint(c.Body())

		ctx, cancel := context.WithTimeout(c.UserContext(), cacheOpTimeout)
		defer cancel()

		cached, err := cache.Get(ctx, cacheKey).Result()
		switch {
		case err == nil:
			return replay(c, cached, fingerprint, logger, key)
		case !errors.Is(err, redis.Nil):
			logger.Error("idempotency lookup failed", slog.String("idempotency_key", key), slog.Any("error", err))
			return errCacheDown
		}

		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
		if err != nil {
			logger.Error("idempotency reservation failed", slog.String("idempotency_key", key), slog.Any("error", err))
			return errCacheDown
		}
		if !reserved {
			return errInFlight
		}

		release := func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
			defer cancel()
			cache.Del(cleanupCtx, cacheKey)
		}

		if err := c.Next(); err != nil {
			// Structural failures replay; anything else stays retryable.
			if apperror.Code(err) == "" || apperror.Status(err) >= fiber.StatusInternalServerError {
				release()
				return err
			}
			if storeErr := store(cache, cacheKey, storedResponse{
				Fingerprint: fingerprint,
				Status:      apperror.Status(err),
				Body:        string(errorBody(err)),
				Headers:     map[string]string{fiber.HeaderContentType: fiber.MIMEApplicationJSON},
			}, ttl); storeErr != nil {
				logger.Error("failed to persist idempotent response", slog.String("idempotency_key", key), slog.Any("error", storeErr))
				release()
			}
			return err
		}

		if c.Response().StatusCode() >= fiber.StatusInternalServerError {
			release()
			return nil
		}

		resp := storedResponse{
			Fingerprint: fingerprint,
			Status:      c.Response().StatusCode(),
			Body:        string(c.Response().Body()),
			Headers:     map[string]string{},
		}
		c.Response().Header.VisitAll(func(k, v []byte) {
			resp.Headers[string(k)] = string(v)
		})
		if err := store(cache, cacheKey, resp, ttl); err != nil {
			logger.Error("failed to persist idempotent response", slog.String("idempotency_key", key), slog.Any("error", err))
			release()
		}
		return nil
	}
}

func replay(c *fiber.Ctx, cached, fingerprint string, logger *slog.Logger, key string) error {
	if cached == inProgressMarker {
		return errInFlight
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		logger.Warn("failed to decode stored idempotent response", slog.String("idempotency_key", key), slog.Any("error", err))
		return errInFlight
	}
	if stored.Fingerprint != fingerprint {
		return errKeyReused
	}
	for header, value := range stored.Headers {
		if strings.EqualFold(header, fiber.HeaderContentLength) || strings.EqualFold(header, requestIDHeader) {
			continue
		}
		c.Set(header, value)
	}
	c.Set("Idempotent-Replayed", "true")
	return c.Status(stored.Status).SendString(stored.Body)
}

func store(cache *redis.Client, cacheKey string, resp storedResponse, ttl time.Duration) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	return cache.Set(ctx, cacheKey, payload, ttl).Err()
}

func bodyFingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// errorBody renders err the way the server's error handler does.
func errorBody(err error) []byte {
	body, _ := json.Marshal(ErrorResponse(err))
	return body
}
