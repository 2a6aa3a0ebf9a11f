// Package store persists source descriptors changed at runtime.
package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"rextrack-worker-go/internal/models"
)

// RedisStore keeps one JSON document per source in a Redis hash.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects to addr (host:port or a redis://, rediss:// or
// redis-sentinel:// URL) and checks the connection.
func NewRedisStore(ctx context.Context, addr, key string) (*RedisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisStore{client: c, key: key}, nil
}

func (r *RedisStore) Save(ctx context.Context, d models.SourceDescriptor) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.key, d.ID, b).Err()
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.HDel(ctx, r.key, id).Err()
}

// Get returns the stored descriptor of id. ok is false when none is stored.
func (r *RedisStore) Get(ctx context.Context, id string) (d models.SourceDescriptor, ok bool, err error) {
	b, err := r.client.HGet(ctx, r.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return d, false, nil
	}
	if err != nil {
		return d, false, err
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, false, fmt.Errorf("stored source %s: %w", id, err)
	}
	return d, true, nil
}

// List returns every stored descriptor ordered by id. Undecodable entries
// are reported as an error after the rest are returned.
func (r *RedisStore) List(ctx context.Context) ([]models.SourceDescriptor, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.SourceDescriptor, 0, len(all))
	var errs []error
	for id, raw := range all {
		var d models.SourceDescriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			errs = append(errs, fmt.Errorf("stored source %s: %w", id, err))
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, errors.Join(errs...)
}

func (r *RedisStore) Close() error { return r.client.Close() }

func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}

	q := u.Query()
	dbStr := q.Get("db")
	switch u.Scheme {
	case "redis", "rediss":
		if p := strings.TrimPrefix(u.Path, "/"); p != "" {
			dbStr = p
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid db: %v", err)
		}
		opts.DB = db
	}
	if strings.HasPrefix(u.Scheme, "rediss") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
