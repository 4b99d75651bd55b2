package main

import (
	"context"
	"fmt"
	"log/slog"

	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-distlock/v1/adapter"
	"github.com/mirkobrombin/go-distlock/v1/lock"
	"github.com/mirkobrombin/go-distlock/v1/presets"
)

// openLock builds the lock for the selected backend. The returned cleanup
// closes whatever connection the backend opened.
func openLock(ctx context.Context, o options, logger *slog.Logger) (*lock.DistLock, func(), error) {
	lopts := presets.LockOptions{
		Table:              o.table,
		KeyField:           o.keyField,
		Key:                o.key,
		Lease:              o.lease,
		ClockSkewTolerance: o.skew,
		Logger:             logger,
	}
	noop := func() {}

	switch o.backend {
	case "redis":
		l, closer := presets.NewRedis(presets.RedisOptions{Addr: o.redisAddr}, lopts)
		return l, func() { _ = closer() }, nil
	case "nats":
		conn, err := nats.Connect(o.natsURL, nats.Name("distlock"))
		if err != nil {
			return nil, noop, fmt.Errorf("connect nats: %w", err)
		}
		l, err := presets.NewNATS(conn, lopts)
		if err != nil {
			conn.Close()
			return nil, noop, err
		}
		return l, func() { _ = conn.Drain() }, nil
	case "dynamodb":
		client, err := presets.NewDynamoDBClient(presets.DynamoDBOptions{Region: o.dynamoRegion, Endpoint: o.dynamoEndpoint})
		if err != nil {
			return nil, noop, err
		}
		if o.dynamoCreateTbl {
			if err := adapter.NewDynamoDBStore(client).CreateTable(ctx, o.table, o.keyField); err != nil {
				return nil, noop, err
			}
		}
		return presets.NewDynamoDBWithClient(client, lopts), noop, nil
	case "sqlite":
		l, err := presets.NewSQLite(o.sqlitePath, lopts)
		return l, noop, err
	default:
		return presets.NewInMemoryStandalone(lopts), noop, nil
	}
}
