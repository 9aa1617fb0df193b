package status

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// HashWriter is the subset of the redis client the sink uses.
type HashWriter interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisSink mirrors each stage's latest status into a redis hash at
// <prefix>:<stage> so other processes can render the pipeline board.
type RedisSink struct {
	client  HashWriter
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  logrus.FieldLogger
}

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithKeyPrefix sets the hash key prefix.
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisSink) {
		s.prefix = p
	}
}

// WithTTL expires each stage hash after ttl. Zero keeps keys forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisSink) {
		s.ttl = ttl
	}
}

// WithRedisLogger sets where write failures are logged.
func WithRedisLogger(l logrus.FieldLogger) RedisOption {
	return func(s *RedisSink) {
		s.logger = l
	}
}

// NewRedisSink creates a sink writing through client.
func NewRedisSink(client HashWriter, opts ...RedisOption) *RedisSink {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &RedisSink{
		client:  client,
		prefix:  "heliowatch:pipeline",
		ttl:     24 * time.Hour,
		timeout: 2 * time.Second,
		logger:  discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the hash key for stage.
func (s *RedisSink) Key(stage string) string {
	return s.prefix + ":" + stage
}

// Report implements Sink. Failures are logged, never returned.
func (s *RedisSink) Report(st StageStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	key := s.Key(st.Stage)
	fields := map[string]interface{}{
		"run_id":        st.RunID,
		"name":          st.Name,
		"status":        string(st.State),
		"progress":      strconv.Itoa(st.Progress),
		"rows":          strconv.Itoa(st.Rows),
		"throughput":    strconv.FormatFloat(st.Throughput, 'f', 2, 64),
		"last_activity": st.LastActivity.UTC().Format(time.RFC3339Nano),
		"error":         st.Error,
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		s.logger.WithFields(logrus.Fields{"key": key, "error": err}).Warn("status write failed")
		return
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			s.logger.WithFields(logrus.Fields{"key": key, "error": err}).Warn("status expire failed")
		}
	}
}
