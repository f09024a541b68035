// Package backend turns configuration into a queue backend and an event sink.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/novasolve/nova-cmo-sub003/internal/config"
	"github.com/novasolve/nova-cmo-sub003/internal/events"
	"github.com/novasolve/nova-cmo-sub003/internal/model"
	"github.com/novasolve/nova-cmo-sub003/internal/queue"
	"github.com/novasolve/nova-cmo-sub003/internal/redisq"
	"github.com/novasolve/nova-cmo-sub003/internal/storage"
)

const dbFileName = "queue.db"

func redisOptions(c config.Redis) *redis.Options {
	return &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}
}

// Open returns the queue selected by cfg.Backend. The caller closes it.
func Open(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return queue.NewMemory(), nil
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, model.Persistence("create data dir", err)
		}
		return storage.OpenSQLite(filepath.Join(cfg.DataDir, dbFileName))
	case config.BackendPostgres:
		return storage.OpenPostgres(cfg.PostgresDSN)
	case config.BackendRedis:
		return redisq.Dial(ctx, redisOptions(cfg.Redis), cfg.Redis.Prefix)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// Sink builds the event sinks named in cfg.Events.Sinks. The returned close func
// releases any client the sinks opened.
func Sink(cfg *config.Config, log logrus.FieldLogger) (events.Sink, func() error, error) {
	var (
		sinks  events.Multi
		closer = func() error { return nil }
	)
	for _, name := range cfg.Events.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, events.NewLogSink(log))
		case "redis":
			rdb := redis.NewClient(redisOptions(cfg.Redis))
			closer = rdb.Close
			sinks = append(sinks, events.NewRedisSink(rdb, cfg.Events.Stream, cfg.Events.MaxLen))
		default:
			closer()
			return nil, nil, fmt.Errorf("unknown event sink %q", name)
		}
	}
	switch len(sinks) {
	case 0:
		return events.Nop{}, closer, nil
	case 1:
		return sinks[0], closer, nil
	}
	return sinks, closer, nil
}
