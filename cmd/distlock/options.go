package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

type options struct {
	backend  string
	table    string
	keyField string
	key      string
	lease    time.Duration
	skew     time.Duration
	wait     time.Duration
	retry    time.Duration
	status   bool

	redisAddr       string
	natsURL         string
	dynamoRegion    string
	dynamoEndpoint  string
	dynamoCreateTbl bool
	sqlitePath      string

	logFormat   string
	logLevel    string
	metricsAddr string
	trace       bool

	command []string
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(name string, def bool) bool {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// parseOptions reads flags from args. Every flag defaults to the matching
// DISTLOCK_* environment variable when set.
func parseOptions(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("distlock", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: distlock [flags] -- command [args...]")
		fmt.Fprintln(stderr, "       distlock [flags] -status")
		fs.PrintDefaults()
	}

	fs.StringVar(&o.backend, "backend", envString("DISTLOCK_BACKEND", "memory"), "memory, redis, nats, dynamodb or sqlite")
	fs.StringVar(&o.table, "table", envString("DISTLOCK_TABLE", "distlock"), "table, bucket or key prefix holding the lock")
	fs.StringVar(&o.keyField, "key-field", envString("DISTLOCK_KEY_FIELD", "lock_id"), "partition key attribute name")
	fs.StringVar(&o.key, "key", envString("DISTLOCK_KEY", "singleton"), "partition key value naming the lock")
	fs.DurationVar(&o.lease, "lease", envDuration("DISTLOCK_LEASE", 30*time.Second), "lease duration")
	fs.DurationVar(&o.skew, "skew", envDuration("DISTLOCK_SKEW", 0), "clock skew tolerance before taking over a stale lock")
	fs.DurationVar(&o.wait, "wait", envDuration("DISTLOCK_WAIT", 0), "how long to wait for a busy lock (0 fails at once)")
	fs.DurationVar(&o.retry, "retry", envDuration("DISTLOCK_RETRY", 500*time.Millisecond), "retry interval while waiting")
	fs.BoolVar(&o.status, "status", false, "print the current lock record and exit")

	fs.StringVar(&o.redisAddr, "redis-addr", envString("DISTLOCK_REDIS_ADDR", "localhost:6379"), "Redis address")
	fs.StringVar(&o.natsURL, "nats-url", envString("DISTLOCK_NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	fs.StringVar(&o.dynamoRegion, "dynamodb-region", envString("DISTLOCK_DYNAMODB_REGION", ""), "AWS region")
	fs.StringVar(&o.dynamoEndpoint, "dynamodb-endpoint", envString("DISTLOCK_DYNAMODB_ENDPOINT", ""), "DynamoDB endpoint override")
	fs.BoolVar(&o.dynamoCreateTbl, "dynamodb-create-table", envBool("DISTLOCK_DYNAMODB_CREATE_TABLE", false), "create the DynamoDB table if missing")
	fs.StringVar(&o.sqlitePath, "sqlite-path", envString("DISTLOCK_SQLITE_PATH", "distlock.db"), "SQLite database file")

	fs.StringVar(&o.logFormat, "log-format", envString("DISTLOCK_LOG_FORMAT", "text"), "text or json")
	fs.StringVar(&o.logLevel, "log-level", envString("DISTLOCK_LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.StringVar(&o.metricsAddr, "metrics-addr", envString("DISTLOCK_METRICS_ADDR", ""), "serve Prometheus metrics on this address")
	fs.BoolVar(&o.trace, "trace", envBool("DISTLOCK_TRACE", false), "print OpenTelemetry spans to stderr")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.command = fs.Args()

	switch o.backend {
	case "memory", "redis", "nats", "dynamodb", "sqlite":
	default:
		return o, fmt.Errorf("unknown backend %q", o.backend)
	}
	if o.lease <= 0 {
		return o, errors.New("lease must be positive")
	}
	if !o.status && len(o.command) == 0 {
		fs.Usage()
		return o, errors.New("missing command")
	}
	return o, nil
}
