package driver

import (
	"time"

	"github.com/mirkobrombin/go-distlock/v1/record"
)

// DefaultPartitionKeyValue is the partition key value used when a table
// holds a single lock.
const DefaultPartitionKeyValue = "singleton"

// Config describes where a lock record lives and how its fields are named.
// It is immutable once passed to New.
type Config struct {
	// TableName is the table, bucket or key prefix holding the record.
	TableName string
	// PartitionKeyFieldName is the name of the partition key attribute.
	PartitionKeyFieldName string
	// PartitionKeyValue identifies this lock inside the table.
	PartitionKeyValue string
	// TokenFieldName holds the lease generation token.
	TokenFieldName string
	// DurationFieldName holds the lease duration in milliseconds.
	DurationFieldName string
	// RenewedAtFieldName holds the Unix milliseconds of the last write.
	RenewedAtFieldName string
	// ClockSkewTolerance is added to a stored lease before another
	// process may take it over.
	ClockSkewTolerance time.Duration
}

// DefaultConfig returns a Config with every default filled in. TableName
// and PartitionKeyFieldName have no default and are left empty.
func DefaultConfig() Config {
	return Config{
		PartitionKeyValue:  DefaultPartitionKeyValue,
		TokenFieldName:     record.DefaultTokenField,
		DurationFieldName:  record.DefaultDurationField,
		RenewedAtFieldName: record.DefaultRenewedAtField,
	}
}

// withDefaults fills empty names from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PartitionKeyValue == "" {
		c.PartitionKeyValue = def.PartitionKeyValue
	}
	if c.TokenFieldName == "" {
		c.TokenFieldName = def.TokenFieldName
	}
	if c.DurationFieldName == "" {
		c.DurationFieldName = def.DurationFieldName
	}
	if c.RenewedAtFieldName == "" {
		c.RenewedAtFieldName = def.RenewedAtFieldName
	}
	return c
}

func (c Config) schema() record.Schema {
	return record.Schema{
		TokenField:     c.TokenFieldName,
		DurationField:  c.DurationFieldName,
		RenewedAtField: c.RenewedAtFieldName,
	}
}
