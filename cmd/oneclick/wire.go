package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cwygoda/oneclick/internal/adapter/inproc"
	"github.com/cwygoda/oneclick/internal/adapter/memory"
	"github.com/cwygoda/oneclick/internal/adapter/postgres"
	"github.com/cwygoda/oneclick/internal/adapter/redis"
	"github.com/cwygoda/oneclick/internal/adapter/sqlite"
	"github.com/cwygoda/oneclick/internal/config"
	"github.com/cwygoda/oneclick/internal/domain"
)

// resources closes what main opened, in reverse order.
type resources struct {
	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

func (r *resources) add(name string, c io.Closer) {
	r.closers = append(r.closers, namedCloser{name, c})
}

func (r *resources) close(logger *slog.Logger) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		nc := r.closers[i]
		if err := nc.c.Close(); err != nil {
			logger.Warn("close failed", "resource", nc.name, "error", err)
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, res *resources) (domain.JobStore, error) {
	var store domain.JobStore
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory store; jobs are lost on exit")
		store = memory.New()
	case "sqlite":
		repo, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("database", "path", cfg.Store.SQLitePath)
		store = repo
	case "postgres":
		pc := cfg.Store.Postgres
		pg, err := postgres.Open(ctx, postgres.Config{
			URL:             pc.URL,
			MaxConns:        pc.MaxConns,
			MinConns:        pc.MinConns,
			MaxConnLifetime: pc.MaxConnLifetime,
			MaxConnIdleTime: pc.MaxConnIdleTime,
			DialTimeout:     pc.DialTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		store = pg
	case "redis":
		client, err := redisClient(cfg.Store.RedisURL, res)
		if err != nil {
			return nil, err
		}
		store = redis.NewStore(client, redis.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	res.add("store", store)
	if err := store.Ping(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func openQueue(cfg *config.Config, logger *slog.Logger, res *resources) (domain.TaskQueue, error) {
	var queue domain.TaskQueue
	switch cfg.Queue.Driver {
	case "local":
		queue = inproc.New(inproc.WithBuffer(cfg.Queue.Buffer), inproc.WithLogger(logger))
	case "redis":
		client, err := redisClient(cfg.Queue.RedisURL, res)
		if err != nil {
			return nil, err
		}
		queue = redis.NewQueue(client, cfg.Queue.Name,
			redis.WithPollInterval(cfg.Queue.PollInterval),
			redis.WithQueueLogger(logger),
		)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
	res.add("queue", queue)
	return queue, nil
}

func redisClient(url string, res *resources) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	res.add("redis", client)
	return client, nil
}
