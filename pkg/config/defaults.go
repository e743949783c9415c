package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	LoggingFormatKey        = "logging.format"
	LoggingLevelKey         = "logging.level"
	LoggingOutputKey        = "logging.output"
	LoggingFileMaxSizeMBKey = "logging.file_max_size_mb"
	LoggingFilesKeepKey     = "logging.files_keep"

	DatabaseTypeKey     = "database.type"
	DefaultDatabaseType = "sqlite"

	DatabaseSQLitePathKey     = "database.sqlite.path"
	DefaultDatabaseSQLitePath = "~/claimload/claims.db"

	DatabaseSQLiteBusyTimeoutKey     = "database.sqlite.busy_timeout"
	DefaultDatabaseSQLiteBusyTimeout = 5 * time.Second

	DatabasePostgresMaxOpenConnectionsKey     = "database.postgres.max_open_connections"
	DefaultDatabasePostgresMaxOpenConnections = 25

	DatabasePostgresMaxIdleConnectionsKey     = "database.postgres.max_idle_connections"
	DefaultDatabasePostgresMaxIdleConnections = 25

	DatabasePostgresConnectionMaxLifetimeKey     = "database.postgres.connection_max_lifetime"
	DefaultDatabasePostgresConnectionMaxLifetime = 5 * time.Minute

	HashingIterationsKey     = "hashing.iterations"
	DefaultHashingIterations = 1000

	HashingCacheSizeKey     = "hashing.cache_size"
	DefaultHashingCacheSize = 10_000

	HashingPersistKey     = "hashing.persist"
	DefaultHashingPersist = true

	JobIntervalKey     = "job.interval"
	DefaultJobInterval = 5 * time.Minute

	JobBatchSizeKey     = "job.batch_size"
	DefaultJobBatchSize = 100

	JobWriteThreadsKey     = "job.write_threads"
	DefaultJobWriteThreads = 1

	JobErrorLimitKey     = "job.error_limit"
	DefaultJobErrorLimit = 100

	JobErrorExpireDaysKey     = "job.error_expire_days"
	DefaultJobErrorExpireDays = 100

	JobClaimTypesKey     = "job.claim_types"
	DefaultJobClaimTypes = "fiss,mcs"

	JobFlushIntervalKey     = "job.flush_interval"
	DefaultJobFlushInterval = 5 * time.Second

	JobShutdownTimeoutKey     = "job.shutdown_timeout"
	DefaultJobShutdownTimeout = 30 * time.Second

	SourceTypeKey     = "source.type"
	DefaultSourceType = "grpc"

	SourceGRPCPortKey     = "source.grpc.port"
	DefaultSourceGRPCPort = 443

	SourceGRPCMaxIdleKey     = "source.grpc.max_idle"
	DefaultSourceGRPCMaxIdle = 5 * time.Minute

	SourceGRPCMinIdleBeforeDropKey     = "source.grpc.min_idle_before_drop"
	DefaultSourceGRPCMinIdleBeforeDrop = 4 * time.Minute

	SourceS3RegionKey     = "source.s3.region"
	DefaultSourceS3Region = "us-east-1"

	ServerListenAddressKey     = "server.listen_address"
	DefaultServerListenAddress = "0.0.0.0:5003"

	ServerSourceTypeKey     = "server.source.type"
	DefaultServerSourceType = "random"

	ServerSourceRandomMaxToSendKey     = "server.source.random.max_to_send"
	DefaultServerSourceRandomMaxToSend = 1000

	MetricsListenAddressKey     = "metrics.listen_address"
	DefaultMetricsListenAddress = "0.0.0.0:9090"
)

func setDefaults() {
	viper.SetDefault(LoggingFormatKey, DefaultLoggingFormat)
	viper.SetDefault(LoggingLevelKey, DefaultLoggingLevel)
	viper.SetDefault(LoggingOutputKey, DefaultLoggingOutput)
	viper.SetDefault(LoggingFileMaxSizeMBKey, DefaultLoggingFileMaxSizeMB)
	viper.SetDefault(LoggingFilesKeepKey, DefaultLoggingFilesKeep)

	viper.SetDefault(DatabaseTypeKey, DefaultDatabaseType)
	viper.SetDefault(DatabaseSQLitePathKey, DefaultDatabaseSQLitePath)
	viper.SetDefault(DatabaseSQLiteBusyTimeoutKey, DefaultDatabaseSQLiteBusyTimeout)
	viper.SetDefault(DatabasePostgresMaxOpenConnectionsKey, DefaultDatabasePostgresMaxOpenConnections)
	viper.SetDefault(DatabasePostgresMaxIdleConnectionsKey, DefaultDatabasePostgresMaxIdleConnections)
	viper.SetDefault(DatabasePostgresConnectionMaxLifetimeKey, DefaultDatabasePostgresConnectionMaxLifetime)

	viper.SetDefault(HashingIterationsKey, DefaultHashingIterations)
	viper.SetDefault(HashingCacheSizeKey, DefaultHashingCacheSize)
	viper.SetDefault(HashingPersistKey, DefaultHashingPersist)

	viper.SetDefault(JobIntervalKey, DefaultJobInterval)
	viper.SetDefault(JobBatchSizeKey, DefaultJobBatchSize)
	viper.SetDefault(JobWriteThreadsKey, DefaultJobWriteThreads)
	viper.SetDefault(JobErrorLimitKey, DefaultJobErrorLimit)
	viper.SetDefault(JobErrorExpireDaysKey, DefaultJobErrorExpireDays)
	viper.SetDefault(JobClaimTypesKey, DefaultJobClaimTypes)
	viper.SetDefault(JobFlushIntervalKey, DefaultJobFlushInterval)
	viper.SetDefault(JobShutdownTimeoutKey, DefaultJobShutdownTimeout)

	viper.SetDefault(SourceTypeKey, DefaultSourceType)
	viper.SetDefault(SourceGRPCPortKey, DefaultSourceGRPCPort)
	viper.SetDefault(SourceGRPCMaxIdleKey, DefaultSourceGRPCMaxIdle)
	viper.SetDefault(SourceGRPCMinIdleBeforeDropKey, DefaultSourceGRPCMinIdleBeforeDrop)
	viper.SetDefault(SourceS3RegionKey, DefaultSourceS3Region)

	viper.SetDefault(ServerListenAddressKey, DefaultServerListenAddress)
	viper.SetDefault(ServerSourceTypeKey, DefaultServerSourceType)
	viper.SetDefault(ServerSourceRandomMaxToSendKey, DefaultServerSourceRandomMaxToSend)

	viper.SetDefault(MetricsListenAddressKey, DefaultMetricsListenAddress)
}
