package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nelsonandreproton/NPBot/internal/mcp"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// Refresher re-runs tool discovery. The catalog satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, server string) ([]mcp.ToolDescriptor, error)
	RefreshAll(ctx context.Context) error
}

// commandHandler returns a [MessageHandler] for the refresh command
// topic. An empty payload refreshes every server; otherwise the
// payload names one server. Refreshes run in the background so the
// broker callback returns immediately, bounded by timeout.
func commandHandler(ctx context.Context, r Refresher, timeout time.Duration, logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		server := strings.TrimSpace(string(payload))
		logger.Info("mqtt refresh command received", "topic", topic, "server", server)

		go func() {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var err error
			if server == "" {
				err = r.RefreshAll(ctx)
			} else {
				_, err = r.Refresh(ctx, server)
			}
			if err != nil {
				logger.Warn("mqtt refresh command failed", "server", server, "error", err)
			}
		}()
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter
// and logs a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
