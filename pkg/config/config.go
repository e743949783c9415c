package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/idhash"
	"github.com/treeverse/claimload/pkg/pipeline"
	sourcefactory "github.com/treeverse/claimload/pkg/source/factory"
	sourceparams "github.com/treeverse/claimload/pkg/source/params"
	"github.com/treeverse/claimload/pkg/store/params"
	"github.com/treeverse/claimload/pkg/store/postgres"
	"github.com/treeverse/claimload/pkg/store/sqlite"
)

const (
	EnvPrefix = "CLAIMLOAD"

	tagName        = "mapstructure"
	squashTagValue = "squash"
)

var (
	ErrBadConfiguration    = errors.New("bad configuration")
	ErrMissingRequiredKeys = fmt.Errorf("%w: missing required keys", ErrBadConfiguration)
	ErrInvalidValue        = fmt.Errorf("%w: invalid value", ErrBadConfiguration)
)

// DatabaseTypes are the supported values of database.type.
var DatabaseTypes = []string{postgres.DriverName, sqlite.DriverName}

type sourceConfig struct {
	Type    string `mapstructure:"type"`
	Version string `mapstructure:"version"`
	GRPC    struct {
		Host              string        `mapstructure:"host"`
		Port              int           `mapstructure:"port"`
		AuthToken         SecureString  `mapstructure:"auth_token"`
		Insecure          bool          `mapstructure:"insecure"`
		MaxIdle           time.Duration `mapstructure:"max_idle"`
		MinIdleBeforeDrop time.Duration `mapstructure:"min_idle_before_drop"`
	} `mapstructure:"grpc"`
	File struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"file"`
	S3 struct {
		Bucket          string       `mapstructure:"bucket"`
		Prefix          string       `mapstructure:"prefix"`
		Region          string       `mapstructure:"region"`
		Endpoint        string       `mapstructure:"endpoint"`
		ForcePathStyle  bool         `mapstructure:"force_path_style"`
		AccessKeyID     SecureString `mapstructure:"access_key_id"`
		SecretAccessKey SecureString `mapstructure:"secret_access_key"`
	} `mapstructure:"s3"`
	Random struct {
		Seed        int64 `mapstructure:"seed"`
		MaxToSend   int   `mapstructure:"max_to_send"`
		MaxClaimIDs int   `mapstructure:"max_claim_ids"`
	} `mapstructure:"random"`
}

type configuration struct {
	Logging struct {
		Format        string  `mapstructure:"format"`
		Level         string  `mapstructure:"level"`
		Output        Strings `mapstructure:"output"`
		FileMaxSizeMB int     `mapstructure:"file_max_size_mb"`
		FilesKeep     int     `mapstructure:"files_keep"`
	} `mapstructure:"logging"`

	Database struct {
		Type     string `mapstructure:"type" validate:"required"`
		Postgres struct {
			ConnectionString      SecureString  `mapstructure:"connection_string"`
			MaxOpenConnections    int32         `mapstructure:"max_open_connections"`
			MaxIdleConnections    int32         `mapstructure:"max_idle_connections"`
			ConnectionMaxLifetime time.Duration `mapstructure:"connection_max_lifetime"`
		} `mapstructure:"postgres"`
		SQLite struct {
			Path        string        `mapstructure:"path"`
			BusyTimeout time.Duration `mapstructure:"busy_timeout"`
		} `mapstructure:"sqlite"`
	} `mapstructure:"database"`

	Hashing struct {
		Iterations int          `mapstructure:"iterations"`
		Pepper     SecureString `mapstructure:"pepper" validate:"required"`
		CacheSize  int          `mapstructure:"cache_size"`
		// Persist stores identifier hashes in the database so every process resolves an
		// identifier from the same record.
		Persist bool `mapstructure:"persist"`
	} `mapstructure:"hashing"`

	Job struct {
		Interval         time.Duration     `mapstructure:"interval"`
		BatchSize        int               `mapstructure:"batch_size"`
		WriteThreads     int               `mapstructure:"write_threads"`
		ErrorLimit       int               `mapstructure:"error_limit"`
		ErrorExpireDays  int               `mapstructure:"error_expire_days"`
		ClaimTypes       Strings           `mapstructure:"claim_types"`
		StartingSequence map[string]uint64 `mapstructure:"starting_sequence"`
		FlushInterval    time.Duration     `mapstructure:"flush_interval"`
		ShutdownTimeout  time.Duration     `mapstructure:"shutdown_timeout"`
	} `mapstructure:"job"`

	Source sourceConfig `mapstructure:"source"`

	// Server is the stand-in upstream served by the serve command.
	Server struct {
		ListenAddress    string       `mapstructure:"listen_address"`
		AuthorizedTokens Strings      `mapstructure:"authorized_tokens"`
		Version          string       `mapstructure:"version"`
		Source           sourceConfig `mapstructure:"source"`
	} `mapstructure:"server"`

	Metrics struct {
		ListenAddress string `mapstructure:"listen_address"`
	} `mapstructure:"metrics"`
}

type Config struct {
	values configuration
}

// NewConfig decodes the configuration loaded into viper and sets up logging from it.
func NewConfig() (*Config, error) {
	c := &Config{}

	// Inform viper of all expected fields.  Otherwise, it fails to deserialize from the
	// environment.
	keys := GetStructKeys(reflect.TypeOf(c.values), tagName, squashTagValue)
	for _, key := range keys {
		viper.SetDefault(key, nil)
	}
	setDefaults()
	if err := setupLogger(); err != nil {
		return nil, err
	}

	err := viper.UnmarshalExact(&c.values, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			DecodeStrings, mapstructure.StringToTimeDurationHookFunc())))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UseEnvironment makes CLAIMLOAD_SECTION_KEY variables override section.key.
func UseEnvironment() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func (c *Config) Validate() error {
	missingKeys := ValidateMissingRequiredKeys(c.values, tagName, squashTagValue)
	if len(missingKeys) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingRequiredKeys, missingKeys)
	}
	if !slices.Contains(DatabaseTypes, c.values.Database.Type) {
		return fmt.Errorf("%w: %s %q, please choose one of %s", ErrInvalidValue, DatabaseTypeKey, c.values.Database.Type, DatabaseTypes)
	}
	if c.values.Database.Type == postgres.DriverName && c.values.Database.Postgres.ConnectionString == "" {
		return fmt.Errorf("%w: [database.postgres.connection_string]", ErrMissingRequiredKeys)
	}
	if _, err := c.claimTypes(); err != nil {
		return err
	}
	for name := range c.values.Job.StartingSequence {
		if _, err := claim.ParseType(name); err != nil {
			return fmt.Errorf("%w: job.starting_sequence: %w", ErrInvalidValue, err)
		}
	}
	if c.values.Job.BatchSize <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidValue, JobBatchSizeKey)
	}
	if c.values.Job.WriteThreads <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidValue, JobWriteThreadsKey)
	}
	if c.values.Hashing.Iterations <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidValue, HashingIterationsKey)
	}
	if !slices.Contains(sourcefactory.SourceTypes, c.values.Source.Type) {
		return fmt.Errorf("%w: %s %q, please choose one of %s", ErrInvalidValue, SourceTypeKey, c.values.Source.Type, sourcefactory.SourceTypes)
	}
	return nil
}

func (c *Config) claimTypes() ([]claim.Type, error) {
	if len(c.values.Job.ClaimTypes) == 0 {
		return nil, fmt.Errorf("%w: [%s]", ErrMissingRequiredKeys, JobClaimTypesKey)
	}
	types := make([]claim.Type, 0, len(c.values.Job.ClaimTypes))
	for _, name := range c.values.Job.ClaimTypes {
		ct, err := claim.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidValue, JobClaimTypesKey, err)
		}
		types = append(types, ct)
	}
	return types, nil
}

func (c *Config) GetStoreParams() params.Store {
	p := params.Store{Type: c.values.Database.Type}
	switch p.Type {
	case postgres.DriverName:
		pg := c.values.Database.Postgres
		p.Postgres = &params.Postgres{
			ConnectionString:      pg.ConnectionString.SecureValue(),
			MaxOpenConnections:    pg.MaxOpenConnections,
			MaxIdleConnections:    pg.MaxIdleConnections,
			ConnectionMaxLifetime: pg.ConnectionMaxLifetime,
		}
	case sqlite.DriverName:
		p.SQLite = &params.SQLite{
			Path:        c.values.Database.SQLite.Path,
			BusyTimeout: c.values.Database.SQLite.BusyTimeout,
		}
	}
	return p
}

func (c *Config) GetHashingConfig() idhash.Config {
	return idhash.Config{
		Iterations: c.values.Hashing.Iterations,
		Pepper:     []byte(c.values.Hashing.Pepper.SecureValue()),
		CacheSize:  c.values.Hashing.CacheSize,
	}
}

func (c *Config) GetPersistIdentifiers() bool {
	return c.values.Hashing.Persist
}

// GetJobConfig returns the pipeline settings. Call it after Validate.
func (c *Config) GetJobConfig() pipeline.Config {
	types, _ := c.claimTypes()
	starting := make(map[claim.Type]uint64, len(c.values.Job.StartingSequence))
	for name, seq := range c.values.Job.StartingSequence {
		if ct, err := claim.ParseType(name); err == nil {
			starting[ct] = seq
		}
	}
	return pipeline.Config{
		ClaimTypes:       types,
		BatchSize:        c.values.Job.BatchSize,
		WriteThreads:     c.values.Job.WriteThreads,
		FlushInterval:    c.values.Job.FlushInterval,
		ErrorExpireAge:   time.Duration(c.values.Job.ErrorExpireDays) * 24 * time.Hour,
		StartingSequence: starting,
	}
}

func (c *Config) GetJobInterval() time.Duration {
	return c.values.Job.Interval
}

func (c *Config) GetErrorLimit() int {
	return c.values.Job.ErrorLimit
}

func (c *Config) GetShutdownTimeout() time.Duration {
	return c.values.Job.ShutdownTimeout
}

func (c *Config) GetSourceParams() sourceparams.Source {
	return c.values.Source.params()
}

func (c *Config) GetServerSourceParams() sourceparams.Source {
	return c.values.Server.Source.params()
}

func (c *Config) GetServerListenAddress() string {
	return c.values.Server.ListenAddress
}

func (c *Config) GetServerAuthorizedTokens() []string {
	return c.values.Server.AuthorizedTokens
}

func (c *Config) GetServerVersion() string {
	return c.values.Server.Version
}

func (c *Config) GetMetricsListenAddress() string {
	return c.values.Metrics.ListenAddress
}

// params fills in the parameters of the selected source type only.
func (s sourceConfig) params() sourceparams.Source {
	p := sourceparams.Source{Type: s.Type, Version: s.Version}
	switch s.Type {
	case sourcefactory.SourceTypeGRPC:
		p.GRPC = &sourceparams.GRPC{
			Host:              s.GRPC.Host,
			Port:              s.GRPC.Port,
			AuthToken:         s.GRPC.AuthToken.SecureValue(),
			Insecure:          s.GRPC.Insecure,
			MaxIdle:           s.GRPC.MaxIdle,
			MinIdleBeforeDrop: s.GRPC.MinIdleBeforeDrop,
		}
	case sourcefactory.SourceTypeFile:
		p.File = &sourceparams.File{Dir: s.File.Dir}
	case sourcefactory.SourceTypeS3:
		p.S3 = &sourceparams.S3{
			Bucket:          s.S3.Bucket,
			Prefix:          s.S3.Prefix,
			Region:          s.S3.Region,
			Endpoint:        s.S3.Endpoint,
			ForcePathStyle:  s.S3.ForcePathStyle,
			AccessKeyID:     s.S3.AccessKeyID.SecureValue(),
			SecretAccessKey: s.S3.SecretAccessKey.SecureValue(),
		}
	case sourcefactory.SourceTypeRandom:
		p.Random = &sourceparams.Random{
			Seed:        s.Random.Seed,
			MaxToSend:   s.Random.MaxToSend,
			MaxClaimIDs: s.Random.MaxClaimIDs,
		}
	}
	return p
}
