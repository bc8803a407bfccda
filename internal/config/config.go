// Package config loads the Gallop service configuration from defaults,
// environment variables and an optional yaml file, in that precedence order
// (file wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig represents the HTTP control API configuration.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

// DriftConfig tunes the drift monitor thresholds and the retraining gate.
type DriftConfig struct {
	PerformanceThreshold   float64       `yaml:"performance_threshold" json:"performance_threshold"`
	ConceptThreshold       float64       `yaml:"concept_threshold" json:"concept_threshold"`
	WinAccuracyThreshold   float64       `yaml:"win_accuracy_threshold" json:"win_accuracy_threshold"`
	PlaceAccuracyThreshold float64       `yaml:"place_accuracy_threshold" json:"place_accuracy_threshold"`
	CooldownPeriod         time.Duration `yaml:"cooldown_period" json:"cooldown_period"`
	HistoryWindow          int           `yaml:"history_window" json:"history_window"`
}

// TrainingConfig tunes the orchestrator pipeline.
type TrainingConfig struct {
	MinDataPoints        int           `yaml:"min_data_points" json:"min_data_points"`
	Strategy             string        `yaml:"strategy" json:"strategy"` // single, ensemble, both
	AutoPromoteThreshold float64       `yaml:"auto_promote_threshold" json:"auto_promote_threshold"`
	TrainerTimeout       time.Duration `yaml:"trainer_timeout" json:"trainer_timeout"`
	FallbackBaseline     float64       `yaml:"fallback_baseline" json:"fallback_baseline"`
}

// SchedulerConfig tunes the retraining control loop.
type SchedulerConfig struct {
	MaxConcurrentJobs    int           `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	PollInterval         time.Duration `yaml:"poll_interval" json:"poll_interval"`
	ErrorBackoff         time.Duration `yaml:"error_backoff" json:"error_backoff"`
	PerformanceThreshold float64       `yaml:"performance_threshold" json:"performance_threshold"`
	CompletedGracePeriod time.Duration `yaml:"completed_grace_period" json:"completed_grace_period"`
	CompletedHistorySize int           `yaml:"completed_history_size" json:"completed_history_size"`
}

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Drift     DriftConfig     `yaml:"drift" json:"drift"`
	Training  TrainingConfig  `yaml:"training" json:"training"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Database  struct {
		Driver          string `yaml:"driver" json:"driver"` // postgres, sqlite
		DSN             string `yaml:"dsn" json:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"` // seconds
	} `yaml:"database" json:"database"`
	Kafka struct {
		Brokers      []string `yaml:"brokers" json:"brokers"`
		EnableEvents bool     `yaml:"enable_events" json:"enable_events"`
		TopicPrefix  string   `yaml:"topic_prefix" json:"topic_prefix"`
	} `yaml:"kafka" json:"kafka"`
	Telemetry struct {
		EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
		EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	} `yaml:"telemetry" json:"telemetry"`
}

// LoadConfig loads the application configuration.
func LoadConfig() (*Config, error) {
	config := &Config{}

	// Server defaults
	config.Server = ServerConfig{
		Host:            "0.0.0.0",
		Port:            8090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		AllowedOrigins:  []string{"*"},
	}

	// Drift defaults
	config.Drift = DriftConfig{
		PerformanceThreshold:   0.02,
		ConceptThreshold:       0.15,
		WinAccuracyThreshold:   0.10,
		PlaceAccuracyThreshold: 0.08,
		CooldownPeriod:         time.Hour,
		HistoryWindow:          100,
	}

	// Training defaults
	config.Training = TrainingConfig{
		MinDataPoints:        100,
		Strategy:             "both",
		AutoPromoteThreshold: 0.01,
		TrainerTimeout:       10 * time.Minute,
		FallbackBaseline:     0.80,
	}

	// Scheduler defaults
	config.Scheduler = SchedulerConfig{
		MaxConcurrentJobs:    2,
		PollInterval:         30 * time.Second,
		ErrorBackoff:         2 * time.Minute,
		PerformanceThreshold: 0.01,
		CompletedGracePeriod: 5 * time.Minute,
		CompletedHistorySize: 50,
	}

	config.Database.Driver = "sqlite"
	config.Database.DSN = "gallop.db"
	config.Database.MaxOpenConns = 10
	config.Database.MaxIdleConns = 5
	config.Database.ConnMaxLifetime = 300

	config.Kafka.Brokers = []string{"localhost:9092"}
	config.Kafka.EnableEvents = false
	config.Kafka.TopicPrefix = "gallop"

	config.Telemetry.EnableTracing = false
	config.Telemetry.EnableMetrics = false

	// Environment variable overrides
	if port, err := strconv.Atoi(os.Getenv("SERVER_PORT")); err == nil {
		config.Server.Port = port
	}

	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		config.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if enableEvents := os.Getenv("ENABLE_EVENTS"); enableEvents != "" {
		config.Kafka.EnableEvents = enableEvents == "true"
	}

	if maxJobs, err := strconv.Atoi(os.Getenv("MAX_CONCURRENT_JOBS")); err == nil {
		config.Scheduler.MaxConcurrentJobs = maxJobs
	}

	if interval, err := time.ParseDuration(os.Getenv("SCHEDULER_POLL_INTERVAL")); err == nil {
		config.Scheduler.PollInterval = interval
	}

	if cooldown, err := time.ParseDuration(os.Getenv("DRIFT_COOLDOWN_PERIOD")); err == nil {
		config.Drift.CooldownPeriod = cooldown
	}

	if minRows, err := strconv.Atoi(os.Getenv("TRAINING_MIN_DATA_POINTS")); err == nil {
		config.Training.MinDataPoints = minRows
	}

	if strategy := os.Getenv("TRAINING_STRATEGY"); strategy != "" {
		config.Training.Strategy = strategy
	}

	if timeout, err := time.ParseDuration(os.Getenv("TRAINER_TIMEOUT")); err == nil {
		config.Training.TrainerTimeout = timeout
	}

	if tracing := os.Getenv("ENABLE_TRACING"); tracing != "" {
		config.Telemetry.EnableTracing = tracing == "true"
	}

	// Configuration file overrides
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/gallop")

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use default and environment values
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		if viper.IsSet("server.port") {
			config.Server.Port = viper.GetInt("server.port")
		}

		if viper.IsSet("server.allowed_origins") {
			config.Server.AllowedOrigins = viper.GetStringSlice("server.allowed_origins")
		}

		if viper.IsSet("database.driver") {
			config.Database.Driver = viper.GetString("database.driver")
		}

		if viper.IsSet("database.dsn") {
			config.Database.DSN = viper.GetString("database.dsn")
		}

		if viper.IsSet("kafka.brokers") {
			config.Kafka.Brokers = viper.GetStringSlice("kafka.brokers")
		}

		if viper.IsSet("kafka.enable_events") {
			config.Kafka.EnableEvents = viper.GetBool("kafka.enable_events")
		}

		if viper.IsSet("drift.performance_threshold") {
			config.Drift.PerformanceThreshold = viper.GetFloat64("drift.performance_threshold")
		}

		if viper.IsSet("drift.concept_threshold") {
			config.Drift.ConceptThreshold = viper.GetFloat64("drift.concept_threshold")
		}

		if viper.IsSet("drift.cooldown_period") {
			config.Drift.CooldownPeriod = viper.GetDuration("drift.cooldown_period")
		}

		if viper.IsSet("training.min_data_points") {
			config.Training.MinDataPoints = viper.GetInt("training.min_data_points")
		}

		if viper.IsSet("training.strategy") {
			config.Training.Strategy = viper.GetString("training.strategy")
		}

		if viper.IsSet("training.auto_promote_threshold") {
			config.Training.AutoPromoteThreshold = viper.GetFloat64("training.auto_promote_threshold")
		}

		if viper.IsSet("training.trainer_timeout") {
			config.Training.TrainerTimeout = viper.GetDuration("training.trainer_timeout")
		}

		if viper.IsSet("scheduler.max_concurrent_jobs") {
			config.Scheduler.MaxConcurrentJobs = viper.GetInt("scheduler.max_concurrent_jobs")
		}

		if viper.IsSet("scheduler.poll_interval") {
			config.Scheduler.PollInterval = viper.GetDuration("scheduler.poll_interval")
		}

		if viper.IsSet("scheduler.performance_threshold") {
			config.Scheduler.PerformanceThreshold = viper.GetFloat64("scheduler.performance_threshold")
		}

		if viper.IsSet("telemetry.enable_tracing") {
			config.Telemetry.EnableTracing = viper.GetBool("telemetry.enable_tracing")
		}

		if viper.IsSet("telemetry.enable_metrics") {
			config.Telemetry.EnableMetrics = viper.GetBool("telemetry.enable_metrics")
		}
	}

	return config, nil
}
