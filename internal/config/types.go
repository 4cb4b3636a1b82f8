package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server      ServerConfig    `koanf:"server"`
	Database    Database        `koanf:"database"`
	Redis       RedisConfig     `koanf:"redis"`
	Source      BucketConfig    `koanf:"source"`
	Destination BucketConfig    `koanf:"destination"`
	Queue       QueueConfig     `koanf:"queue"`
	Scheduler   SchedulerConfig `koanf:"scheduler"`
	Transform   TransformConfig `koanf:"transform"`
	API         APIConfig       `koanf:"api"`
	Sentry      SentryConfig    `koanf:"sentry"`
	Logging     LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Port         int           `koanf:"port" validate:"gt=0,lte=65535"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type Database struct {
	DSN            string `koanf:"dsn" validate:"required"`
	MaxConnections int    `koanf:"max_connections" validate:"gte=0"`
}

type RedisConfig struct {
	Password            string        `koanf:"password"`
	DatabaseID          int           `koanf:"database_id"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval" validate:"gt=0"`
	DialTimeout         time.Duration `koanf:"dial_timeout"`
	ReadTimeout         time.Duration `koanf:"read_timeout"`
	WriteTimeout        time.Duration `koanf:"write_timeout"`
	PoolSize            int           `koanf:"pool_size"`
	Nodes               []RedisNode   `koanf:"nodes" validate:"required,min=1,dive"`
}

type RedisNode struct {
	Host string `koanf:"host" validate:"required"`
	Port int    `koanf:"port" validate:"gt=0"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

// BucketConfig describes an S3-compatible bucket (MinIO, R2, B2).
type BucketConfig struct {
	Endpoint       string        `koanf:"endpoint" validate:"required"`
	Region         string        `koanf:"region"`
	BucketName     string        `koanf:"bucket_name" validate:"required"`
	AccessKeyID    string        `koanf:"access_key_id"`
	SecretKey      string        `koanf:"secret_key"`
	Prefix         string        `koanf:"prefix"`
	CreateBucket   bool          `koanf:"create_bucket"`
	MaxRetries     int           `koanf:"max_retries" validate:"gte=0"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	PresignTTL     time.Duration `koanf:"presign_ttl"`
}

type QueueConfig struct {
	Prefix            string        `koanf:"prefix" validate:"required,hashtag"` // redis key prefix with a {hash-tag}, so every queue key shares one cluster slot
	Group             string        `koanf:"group" validate:"required"`          // consumer group name
	Consumer          string        `koanf:"consumer"`                           // defaults to hostname
	Workers           int           `koanf:"workers" validate:"gt=0"`            // number of concurrent goroutines
	RateLimit         int           `koanf:"rate_limit" validate:"gt=0"`         // max dispatches per window
	RateWindow        time.Duration `koanf:"rate_window" validate:"gt=0"`        // limiter window
	MaxProcessing     time.Duration `koanf:"max_processing" validate:"gt=0"`
	MaxAttempts       int           `koanf:"max_attempts" validate:"gt=0"`
	BackoffBase       time.Duration `koanf:"backoff_base" validate:"gt=0"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" validate:"gte=1"`
	BlockTimeout      time.Duration `koanf:"block_timeout" validate:"gt=0"` // XREADGROUP block timeout
	PromoteInterval   time.Duration `koanf:"promote_interval" validate:"gt=0"`
	CompletedAge      time.Duration `koanf:"completed_age"`
	CompletedCount    int64         `koanf:"completed_count" validate:"gte=0"`
	FailedAge         time.Duration `koanf:"failed_age"`
	JanitorInterval   time.Duration `koanf:"janitor_interval" validate:"gt=0"`
	ReclaimInterval   time.Duration `koanf:"reclaim_interval" validate:"gte=0"` // 0 means half the reclaim idle time
}

type SchedulerConfig struct {
	ChunkSize             int           `koanf:"chunk_size" validate:"gt=0"`
	BackpressureFactor    float64       `koanf:"backpressure_factor" validate:"gt=0"`
	DiscoverySchedule     string        `koanf:"discovery_schedule" validate:"required"`
	StatusSchedule        string        `koanf:"status_schedule" validate:"required"`
	TickTimeout           time.Duration `koanf:"tick_timeout"`
	RunOnStart            bool          `koanf:"run_on_start"`
	DeleteSourceOnSuccess bool          `koanf:"delete_source_on_success"`
}

type TransformConfig struct {
	MaxWidth  int     `koanf:"max_width" validate:"gte=0"`
	Quality   float32 `koanf:"quality" validate:"gte=0,lte=100"`
	Lossless  bool    `koanf:"lossless"`
	MaxPixels int64   `koanf:"max_pixels" validate:"gte=0"`
}

type APIConfig struct {
	Secret               string `koanf:"secret"`
	UploadPrefix         string `koanf:"upload_prefix"`
	MaxRequestBodyMB     int64  `koanf:"max_request_body_mb" validate:"gt=0"`
	MaxMultipartMemoryMB int64  `koanf:"max_multipart_memory_mb" validate:"gt=0"`
}

type SentryConfig struct {
	SentryDSN   string `koanf:"sentry_dsn"`
	Environment string `koanf:"environment"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=pretty json"`
}
