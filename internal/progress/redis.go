package progress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
)

const keyPrefix = "dataload:progress:"

// DefaultTTL is how long a job's progress hash outlives its last update.
const DefaultTTL = 24 * time.Hour

// Redis stores the latest update per job in a hash so other processes can
// poll it.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis returns a sink writing through client. A ttl <= 0 uses DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// DialRedis parses a redis:// URL and returns a connected client.
func DialRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func redisKey(jobID string) string { return keyPrefix + jobID }

// Publish writes u and refreshes the key's expiry in one transaction.
func (r *Redis) Publish(ctx context.Context, u Update) error {
	key := redisKey(u.JobID)
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}

	pipe := r.client.WithContext(ctx).TxPipeline()
	pipe.HMSet(key, map[string]interface{}{
		"status":         u.Status,
		"progress":       strconv.FormatFloat(u.Percent, 'f', 2, 64),
		"rows_processed": u.RowsProcessed,
		"total_rows":     u.TotalRows,
		"at":             at.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(key, r.ttl)

	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("publish progress for %s: %w", u.JobID, err)
	}
	return nil
}

// Get reads the stored update for jobID. ok is false when nothing is stored.
func (r *Redis) Get(ctx context.Context, jobID string) (u Update, ok bool, err error) {
	fields, err := r.client.WithContext(ctx).HGetAll(redisKey(jobID)).Result()
	if err != nil {
		return Update{}, false, fmt.Errorf("read progress for %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return Update{}, false, nil
	}

	u = Update{JobID: jobID, Status: fields["status"]}
	u.Percent, _ = strconv.ParseFloat(fields["progress"], 64)
	u.RowsProcessed, _ = strconv.Atoi(fields["rows_processed"])
	u.TotalRows, _ = strconv.Atoi(fields["total_rows"])
	u.At, _ = time.Parse(time.RFC3339Nano, fields["at"])
	return u, true, nil
}
