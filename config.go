/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package uniqkit

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"
)

const (
	cfgKeyTTL              = "uniqueness.ttl"
	cfgKeyConsistencyLevel = "uniqueness.consistencyLevel"
	cfgKeyLockPrefix       = "uniqueness.lockPrefix"
	cfgKeyTableName        = "uniqueness.tableName"
)

// Default values of uniqueness configuration parameters.
const (
	DefaultProbeTTL  = 60 * time.Second
	DefaultTableName = "uniqueness_claims"
)

// Config represents a set of configuration parameters for uniqueness attempts
// and for the SQL-backed claims store.
type Config struct {
	// TTL bounds the lifetime of probe writes. Zero disables expiration.
	TTL time.Duration

	// ConsistencyLevel is the level mutation batches are bound to.
	ConsistencyLevel ConsistencyLevel

	// LockPrefix is the namespace prefix distinguishing claim columns from data columns.
	// Empty value means the default defined by the row-lock implementation.
	LockPrefix string

	// TableName is the name of the claims table used by the sqlstore backend.
	TableName string

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix("")
}

// NewConfigWithKeyPrefix creates a new instance of the Config.
// Allows to specify key prefix which will be used for parsing configuration parameters.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyTTL, DefaultProbeTTL)
	dp.SetDefault(cfgKeyConsistencyLevel, string(DefaultConsistencyLevel))
	dp.SetDefault(cfgKeyTableName, DefaultTableName)
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.TTL, err = dp.GetDuration(cfgKeyTTL); err != nil {
		return err
	}
	if c.TTL < 0 {
		return dp.WrapKeyErr(cfgKeyTTL, fmt.Errorf("must be positive"))
	}
	if c.TTL%time.Second != 0 {
		return dp.WrapKeyErr(cfgKeyTTL, fmt.Errorf("must have seconds resolution"))
	}

	levels := []string{
		string(ConsistencyAny),
		string(ConsistencyOne),
		string(ConsistencyQuorum),
		string(ConsistencyLocalQuorum),
		string(ConsistencyEachQuorum),
		string(ConsistencyAll),
	}
	var levelStr string
	if levelStr, err = dp.GetStringFromSet(cfgKeyConsistencyLevel, levels, false); err != nil {
		return err
	}
	c.ConsistencyLevel = ConsistencyLevel(levelStr)

	if c.LockPrefix, err = dp.GetString(cfgKeyLockPrefix); err != nil {
		return err
	}
	if c.TableName, err = dp.GetString(cfgKeyTableName); err != nil {
		return err
	}
	if c.TableName == "" {
		return dp.WrapKeyErr(cfgKeyTableName, fmt.Errorf("cannot be empty"))
	}

	return nil
}
