// Package presets wires a DistLock to a backend in one call.
package presets

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-distlock/v1/adapter"
	"github.com/mirkobrombin/go-distlock/v1/driver"
	"github.com/mirkobrombin/go-distlock/v1/lock"
	"github.com/mirkobrombin/go-distlock/v1/syncbus"
)

// LockOptions names the lock and its lease.
type LockOptions struct {
	Table    string
	KeyField string
	// Key is the partition key value. Default "singleton".
	Key                string
	Lease              time.Duration
	ClockSkewTolerance time.Duration
	Logger             *slog.Logger
}

func (o LockOptions) build(store adapter.Store, bus syncbus.Bus) *lock.DistLock {
	cfg := driver.DefaultConfig()
	cfg.TableName = o.Table
	cfg.PartitionKeyFieldName = o.KeyField
	if o.Key != "" {
		cfg.PartitionKeyValue = o.Key
	}
	cfg.ClockSkewTolerance = o.ClockSkewTolerance
	d := driver.New(store, cfg, driver.WithLogger(o.Logger))
	opts := []lock.Option{lock.WithLogger(o.Logger)}
	if bus != nil {
		opts = append(opts, lock.WithBus(bus))
	}
	return lock.New(d, o.Lease, opts...)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis returns a lock stored in a Redis hash, with releases announced
// over Redis pub/sub on the same connection. The returned func closes the
// bus subscriptions and the client.
func NewRedis(ropts RedisOptions, opts LockOptions) (*lock.DistLock, func() error) {
	client := redis.NewClient(&redis.Options{
		Addr:     ropts.Addr,
		Password: ropts.Password,
		DB:       ropts.DB,
	})
	bus := syncbus.NewRedisBus(client)
	closer := func() error {
		_ = bus.Close()
		return client.Close()
	}
	return opts.build(adapter.NewRedisStore(client), bus), closer
}

// DynamoDBOptions configures the AWS session. Empty fields use the SDK's
// environment and shared config resolution.
type DynamoDBOptions struct {
	Region   string
	Endpoint string
}

// NewDynamoDBClient builds a DynamoDB client from dopts.
func NewDynamoDBClient(dopts DynamoDBOptions) (*dynamodb.DynamoDB, error) {
	cfg := aws.NewConfig()
	if dopts.Region != "" {
		cfg = cfg.WithRegion(dopts.Region)
	}
	if dopts.Endpoint != "" {
		cfg = cfg.WithEndpoint(dopts.Endpoint)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return dynamodb.New(sess), nil
}

// NewDynamoDB returns a lock stored in a DynamoDB table. There is no
// release bus: waiters poll.
func NewDynamoDB(dopts DynamoDBOptions, opts LockOptions) (*lock.DistLock, error) {
	client, err := NewDynamoDBClient(dopts)
	if err != nil {
		return nil, err
	}
	return NewDynamoDBWithClient(client, opts), nil
}

// NewDynamoDBWithClient is NewDynamoDB with a caller supplied client.
func NewDynamoDBWithClient(client dynamodbiface.DynamoDBAPI, opts LockOptions) *lock.DistLock {
	return opts.build(adapter.NewDynamoDBStore(client), nil)
}

// NewNATS returns a lock stored in a JetStream key-value bucket named after
// the table, with releases announced on a core NATS subject.
func NewNATS(conn *nats.Conn, opts LockOptions) (*lock.DistLock, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return opts.build(adapter.NewNATSStore(js), syncbus.NewNATSBus(conn)), nil
}

// NewSQLite returns a lock stored in a SQLite database at path. Locks only
// coordinate processes sharing the file.
func NewSQLite(path string, opts LockOptions) (*lock.DistLock, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewGorm(db, opts), nil
}

// NewGorm returns a lock stored in any database GORM can reach.
func NewGorm(db *gorm.DB, opts LockOptions) *lock.DistLock {
	return opts.build(adapter.NewGormStore(db), nil)
}

// NewInMemoryStandalone returns a lock that coordinates goroutines of a
// single process. Useful for local development and tests.
func NewInMemoryStandalone(opts LockOptions) *lock.DistLock {
	return opts.build(adapter.NewInMemoryStore(), syncbus.NewInMemoryBus())
}

// NewInMemoryGroup returns n locks sharing one in-memory store and bus, as
// if held by n separate processes.
func NewInMemoryGroup(n int, opts LockOptions) []*lock.DistLock {
	store := adapter.NewInMemoryStore()
	bus := syncbus.NewInMemoryBus()
	out := make([]*lock.DistLock, n)
	for i := range out {
		out[i] = opts.build(store, bus)
	}
	return out
}
