package alert

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redisv9 "github.com/redis/go-redis/v9"
)

// RedisStreamSink appends alerts to a Redis stream so that an external
// notifier (pager, chat bridge) can consume them.
type RedisStreamSink struct {
	client *redisv9.Client
	stream string
	maxLen int64
	logger *slog.Logger
	now    func() time.Time
}

func NewRedisStreamSink(client *redisv9.Client, stream string, maxLen int64, logger *slog.Logger) *RedisStreamSink {
	if stream == "" {
		stream = "docdelta:alerts"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStreamSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStreamSink) SendAlert(ctx context.Context, severity Severity, alertType, message string, fields map[string]any) {
	a := Alert{
		ID:         uuid.NewString(),
		Severity:   severity,
		Type:       alertType,
		Message:    message,
		Fields:     fields,
		OccurredAt: s.now(),
	}
	raw, err := json.Marshal(a)
	if err != nil {
		s.logger.Error("marshal alert failed", "type", alertType, "error", err)
		return
	}

	args := &redisv9.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"severity": string(severity),
			"type":     alertType,
			"alert":    raw,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		s.logger.Error("publish alert failed", "stream", s.stream, "type", alertType, "error", err)
	}
}
