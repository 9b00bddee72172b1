package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/buzzni/virtual-try-on/internal/domain/entities"
	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

type RedisConfig struct {
	Address        string
	MaxConnections int
	TTL            time.Duration
	Prefix         string
}

// RedisStore persists composite results so that they survive restarts and
// are shared between replicas. Entries are msgpack records; per-version index
// sets make invalidation a lookup instead of a scan.
type RedisStore struct {
	pool   *redis.Pool
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

var _ repositories.ResultStore = (*RedisStore)(nil)

type record struct {
	Fingerprint string                       `msgpack:"fingerprint"`
	Versions    valueobjects.ModelVersionSet `msgpack:"versions"`
	StoredAt    time.Time                    `msgpack:"stored_at"`
	Result      *entities.CompositeResult    `msgpack:"result"`
}

func NewRedisStore(cfg RedisConfig, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tryon"
	}
	pool := &redis.Pool{
		MaxIdle:     cfg.MaxConnections,
		MaxActive:   cfg.MaxConnections,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", cfg.Address,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(10*time.Second),
				redis.DialWriteTimeout(10*time.Second))
		},
	}
	return &RedisStore{pool: pool, ttl: cfg.TTL, prefix: prefix, logger: logger}
}

// conn returns a pooled connection. The caller must Close it.
func (s *RedisStore) conn(ctx context.Context) (redis.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := s.pool.Get()
	if err := conn.Err(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get redis connection: %w", err)
	}
	return conn, nil
}

func (s *RedisStore) resultKey(fingerprint string) string {
	return s.prefix + ":result:" + fingerprint
}

func (s *RedisStore) indexKey(key valueobjects.ModelKey, version string) string {
	return fmt.Sprintf("%s:idx:%s:%s", s.prefix, key, version)
}

// Load returns a transport error when redis is unreachable. A record that
// fails to decode or does not match its key is deleted and reported as an
// InternalError.
func (s *RedisStore) Load(ctx context.Context, fingerprint string) (*entities.CompositeResult, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	key := s.resultKey(fingerprint)
	data, err := redis.Bytes(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get result %s: %w", fingerprint, err)
	}

	rec, err := decodeRecord(data)
	if err == nil && rec.Fingerprint != fingerprint {
		err = fmt.Errorf("stored record %s holds fingerprint %s", fingerprint, rec.Fingerprint)
	}
	if err != nil {
		if _, delErr := conn.Do("DEL", key); delErr != nil {
			s.logger.Warn("failed to delete corrupt result", "fingerprint", fingerprint, "error", delErr)
		}
		return nil, false, failures.Wrap(failures.InternalError, err, "corrupt stored result %s", fingerprint)
	}
	return rec.Result, true, nil
}

func (s *RedisStore) Save(ctx context.Context, fingerprint string, result *entities.CompositeResult) error {
	data, err := encodeRecord(fingerprint, result, time.Now())
	if err != nil {
		return err
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ttlSeconds := int64(s.ttl / time.Second)
	commands := []redis.Args{{"MULTI"}}
	if ttlSeconds > 0 {
		commands = append(commands, redis.Args{"SET", s.resultKey(fingerprint), data, "EX", ttlSeconds})
	} else {
		commands = append(commands, redis.Args{"SET", s.resultKey(fingerprint), data})
	}
	for key, version := range result.ModelVersions {
		idx := s.indexKey(key, version)
		commands = append(commands, redis.Args{"SADD", idx, fingerprint})
		if ttlSeconds > 0 {
			commands = append(commands, redis.Args{"EXPIRE", idx, ttlSeconds})
		}
	}
	for _, cmd := range commands {
		if err := conn.Send(cmd[0].(string), cmd[1:]...); err != nil {
			return fmt.Errorf("failed to queue %s for result %s: %w", cmd[0], fingerprint, err)
		}
	}
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to save result %s: %w", fingerprint, err)
	}
	return nil
}

func (s *RedisStore) InvalidateVersion(ctx context.Context, key valueobjects.ModelKey, version string) (int, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	idx := s.indexKey(key, version)
	fingerprints, err := redis.Strings(conn.Do("SMEMBERS", idx))
	if err != nil {
		return 0, fmt.Errorf("failed to read index %s: %w", idx, err)
	}

	args := redis.Args{}.Add(idx)
	for _, fp := range fingerprints {
		args = args.Add(s.resultKey(fp))
	}
	removed, err := redis.Int(conn.Do("DEL", args...))
	if err != nil {
		return 0, fmt.Errorf("failed to delete results for %s@%s: %w", key, version, err)
	}
	// DEL counts the index set itself
	if removed > 0 {
		removed--
	}
	s.logger.Debug("redis results invalidated", "model", key, "version", version, "count", removed)
	return removed, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PING")
	return err
}

func (s *RedisStore) Close() error {
	return s.pool.Close()
}

func encodeRecord(fingerprint string, result *entities.CompositeResult, now time.Time) ([]byte, error) {
	data, err := msgpack.Marshal(&record{
		Fingerprint: fingerprint,
		Versions:    result.ModelVersions,
		StoredAt:    now,
		Result:      result,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode result %s: %w", fingerprint, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*record, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode stored result: %w", err)
	}
	if rec.Result == nil {
		return nil, errors.New("stored record has no result")
	}
	if !rec.Result.ModelVersions.Equal(rec.Versions) {
		return nil, fmt.Errorf("stored record versions %s disagree with result %s", rec.Versions, rec.Result.ModelVersions)
	}
	return &rec, nil
}
