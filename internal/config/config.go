// Package config provides the configuration structure for the narration service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Store and result backends.
const (
	StoreMemory   = "memory"
	StoreNATS     = "nats"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	ResultsNATS  = "nats"
	ResultsLocal = "local"
)

// Defaults applied by ApplyDefaults.
const (
	defaultNATSURL              = "nats://127.0.0.1:4222"
	defaultJobStream            = "NARRATION_JOBS"
	defaultSubjectPrefix        = "narration.jobs"
	defaultQueueGroup           = "narration-workers"
	defaultResultBucket         = "NARRATION_AUDIO"
	defaultJobBucket            = "NARRATION_JOB_RECORDS"
	defaultModelsDir            = "/models"
	defaultCacheCapacity        = 5
	defaultLoadTimeoutSeconds   = 120
	defaultMaxSegmentChars      = 500
	defaultSegmentTimeoutSecs   = 120
	defaultWorkDir              = "/tmp/narration"
	defaultArtifactTTLHours     = 24
	defaultPiperBinary          = "piper"
	defaultChunkBytes           = 8192
	defaultPiperProcesses       = 2
	defaultAlternateTimeoutSecs = 300
	defaultAlternateLanguage    = "en"
	defaultPrimaryConcurrency   = 4
	defaultAlternateConcurrency = 1
	defaultSyncPrimaryLimit     = 4
	defaultSyncAlternateLimit   = 1
	defaultRedisPrefix          = "narration"
	defaultOutputDir            = "/tmp/narration/results"
	defaultListenAddr           = ":8080"
	defaultLogsDir              = "/tmp/narration/logs"
)

var (
	// ErrInvalidBackend indicates an unknown store or results backend.
	ErrInvalidBackend = errors.New("invalid backend")
	// ErrMissingSetting indicates a required setting that is empty.
	ErrMissingSetting = errors.New("missing required setting")
	// ErrOutOfRange indicates a numeric setting outside its valid range.
	ErrOutOfRange = errors.New("setting out of range")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL           string `toml:"url"`
	JobStream     string `toml:"job_stream"`
	SubjectPrefix string `toml:"subject_prefix"`
	QueueGroup    string `toml:"queue_group"`
	ResultBucket  string `toml:"result_bucket"`
	JobBucket     string `toml:"job_bucket"`
}

// VoicesConfig configures voice discovery and the model cache.
type VoicesConfig struct {
	ModelsDir          string `toml:"models_dir"`
	CatalogFile        string `toml:"catalog_file"`
	CacheCapacity      int    `toml:"cache_capacity"`
	LoadTimeoutSeconds int    `toml:"load_timeout_seconds"`
}

// PipelineConfig configures segmentation and artifacts.
type PipelineConfig struct {
	MaxSegmentChars       int    `toml:"max_segment_chars"`
	SegmentTimeoutSeconds int    `toml:"segment_timeout_seconds"`
	WorkDir               string `toml:"work_dir"`
	KeepFailedArtifacts   bool   `toml:"keep_failed_artifacts"`
	ArtifactTTLHours      int    `toml:"artifact_ttl_hours"`
	NormalizeText         bool   `toml:"normalize_text"`
	ExpandAbbreviations   bool   `toml:"expand_abbreviations"`
	SpellNumbers          bool   `toml:"spell_numbers"`
}

// PrimaryEngineConfig configures the piper engine.
type PrimaryEngineConfig struct {
	BinaryPath string `toml:"binary_path"`
	ChunkBytes int    `toml:"chunk_bytes"`
	// Processes is the number of resident piper processes per loaded model.
	Processes int `toml:"processes"`
}

// AlternateEngineConfig configures the remote speech service. An empty
// service URL disables the alternate engine.
type AlternateEngineConfig struct {
	ServiceURL     string `toml:"service_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Language       string `toml:"language"`
}

// EnginesConfig groups the engine sections.
type EnginesConfig struct {
	Primary   PrimaryEngineConfig   `toml:"primary"`
	Alternate AlternateEngineConfig `toml:"alternate"`
}

// WorkersConfig bounds concurrency per engine class.
type WorkersConfig struct {
	PrimaryConcurrency   int `toml:"primary_concurrency"`
	AlternateConcurrency int `toml:"alternate_concurrency"`
	SyncPrimaryLimit     int `toml:"sync_primary_limit"`
	SyncAlternateLimit   int `toml:"sync_alternate_limit"`
}

// StoreConfig selects the job store.
type StoreConfig struct {
	Backend     string `toml:"backend"`
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// ResultsConfig selects where assembled audio goes. With the nats backend,
// output_dir is used as a fallback when the bucket is unreachable.
type ResultsConfig struct {
	Backend   string `toml:"backend"`
	OutputDir string `toml:"output_dir"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig     `toml:"nats"`
	Voices   VoicesConfig   `toml:"voices"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Engines  EnginesConfig  `toml:"engines"`
	Workers  WorkersConfig  `toml:"workers"`
	Store    StoreConfig    `toml:"store"`
	Results  ResultsConfig  `toml:"results"`
	HTTP     HTTPConfig     `toml:"http"`
	Paths    PathsConfig    `toml:"paths"`
}

// Load loads, defaults and validates the configuration.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.URL, defaultNATSURL)
	setString(&c.NATS.JobStream, defaultJobStream)
	setString(&c.NATS.SubjectPrefix, defaultSubjectPrefix)
	setString(&c.NATS.QueueGroup, defaultQueueGroup)
	setString(&c.NATS.ResultBucket, defaultResultBucket)
	setString(&c.NATS.JobBucket, defaultJobBucket)

	setString(&c.Voices.ModelsDir, defaultModelsDir)
	setInt(&c.Voices.CacheCapacity, defaultCacheCapacity)
	setInt(&c.Voices.LoadTimeoutSeconds, defaultLoadTimeoutSeconds)

	setInt(&c.Pipeline.MaxSegmentChars, defaultMaxSegmentChars)
	setInt(&c.Pipeline.SegmentTimeoutSeconds, defaultSegmentTimeoutSecs)
	setString(&c.Pipeline.WorkDir, defaultWorkDir)
	setInt(&c.Pipeline.ArtifactTTLHours, defaultArtifactTTLHours)

	setString(&c.Engines.Primary.BinaryPath, defaultPiperBinary)
	setInt(&c.Engines.Primary.ChunkBytes, defaultChunkBytes)
	setInt(&c.Engines.Primary.Processes, defaultPiperProcesses)
	setInt(&c.Engines.Alternate.TimeoutSeconds, defaultAlternateTimeoutSecs)
	setString(&c.Engines.Alternate.Language, defaultAlternateLanguage)

	setInt(&c.Workers.PrimaryConcurrency, defaultPrimaryConcurrency)
	setInt(&c.Workers.AlternateConcurrency, defaultAlternateConcurrency)
	setInt(&c.Workers.SyncPrimaryLimit, defaultSyncPrimaryLimit)
	setInt(&c.Workers.SyncAlternateLimit, defaultSyncAlternateLimit)

	setString(&c.Store.Backend, StoreMemory)
	setString(&c.Store.RedisPrefix, defaultRedisPrefix)

	setString(&c.Results.Backend, ResultsLocal)
	setString(&c.Results.OutputDir, defaultOutputDir)

	setString(&c.HTTP.ListenAddr, defaultListenAddr)
	setString(&c.Paths.BaseLogsDir, defaultLogsDir)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	positives := []struct {
		name  string
		value int
	}{
		{"voices.cache_capacity", c.Voices.CacheCapacity},
		{"voices.load_timeout_seconds", c.Voices.LoadTimeoutSeconds},
		{"pipeline.max_segment_chars", c.Pipeline.MaxSegmentChars},
		{"pipeline.segment_timeout_seconds", c.Pipeline.SegmentTimeoutSeconds},
		{"pipeline.artifact_ttl_hours", c.Pipeline.ArtifactTTLHours},
		{"engines.primary.chunk_bytes", c.Engines.Primary.ChunkBytes},
		{"engines.primary.processes", c.Engines.Primary.Processes},
		{"engines.alternate.timeout_seconds", c.Engines.Alternate.TimeoutSeconds},
		{"workers.primary_concurrency", c.Workers.PrimaryConcurrency},
		{"workers.alternate_concurrency", c.Workers.AlternateConcurrency},
		{"workers.sync_primary_limit", c.Workers.SyncPrimaryLimit},
		{"workers.sync_alternate_limit", c.Workers.SyncAlternateLimit},
	}

	for _, setting := range positives {
		if setting.value < 1 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrOutOfRange, setting.name, setting.value)
		}
	}

	switch c.Store.Backend {
	case StoreMemory, StoreNATS:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("%w: store.redis_addr", ErrMissingSetting)
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("%w: store.postgres_dsn", ErrMissingSetting)
		}
	default:
		return fmt.Errorf("%w: store.backend %q", ErrInvalidBackend, c.Store.Backend)
	}

	switch c.Results.Backend {
	case ResultsNATS, ResultsLocal:
	default:
		return fmt.Errorf("%w: results.backend %q", ErrInvalidBackend, c.Results.Backend)
	}

	return nil
}

// LoadTimeout returns voices.load_timeout_seconds as a duration.
func (c *Config) LoadTimeout() time.Duration {
	return time.Duration(c.Voices.LoadTimeoutSeconds) * time.Second
}

// SegmentTimeout returns pipeline.segment_timeout_seconds as a duration.
func (c *Config) SegmentTimeout() time.Duration {
	return time.Duration(c.Pipeline.SegmentTimeoutSeconds) * time.Second
}

// ArtifactTTL returns pipeline.artifact_ttl_hours as a duration.
func (c *Config) ArtifactTTL() time.Duration {
	return time.Duration(c.Pipeline.ArtifactTTLHours) * time.Hour
}

// AlternateTimeout returns engines.alternate.timeout_seconds as a duration.
func (c *Config) AlternateTimeout() time.Duration {
	return time.Duration(c.Engines.Alternate.TimeoutSeconds) * time.Second
}

func setString(value *string, fallback string) {
	if *value == "" {
		*value = fallback
	}
}

func setInt(value *int, fallback int) {
	if *value == 0 {
		*value = fallback
	}
}
