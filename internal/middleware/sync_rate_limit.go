package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/offlinepay/internal/apperror"
)

const syncRateLimitPrefix = "rl:sync:"

var errSyncRateLimited = apperror.New("SYNC_RATE_LIMITED", http.StatusTooManyRequests, "too many sync uploads from this device, try again shortly")

// SyncRateLimit caps sync uploads per merchant device per minute, falling back
// to the client IP when the body names no device. It fails open when Redis is
// missing or erroring.
func SyncRateLimit(cache *redis.Client, perMinute int, logger *slog.Logger) fiber.Handler {
	if perMinute <= 0 {
		perMinute = 30
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		var req struct {
			MerchantDeviceID string `json:"merchantDeviceId"`
		}
		_ = json.Unmarshal(c.Body(), &req)
		subject := req.MerchantDeviceID
		if subject == "" {
			subject = "ip:" + c.IP()
		}

		window := time.Now().UTC().Unix() / 60
		key := syncRateLimitPrefix + subject + ":" + strconv.FormatInt(window, 10)

		ctx, cancel := context.WithTimeout(c.UserContext(), cacheOpTimeout)
		defer cancel()

		pipe := cache.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*time.Minute)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.Warn("sync rate limit unavailable", slog.String("subject", subject), slog.Any("error", err))
			return c.Next()
		}
		if incr.Val() > int64(perMinute) {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(60-int(time.Now().UTC().Unix()%60)))
			return errSyncRateLimited
		}
		return c.Next()
	}
}
