package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jaywantadh/peerdrop/internal/integrity"
	"github.com/jaywantadh/peerdrop/internal/transfer"
)

// EnvPrefix is prepended to every key when read from the environment,
// e.g. PEERDROP_PORT.
const EnvPrefix = "PEERDROP"

// AppConfig holds the application-level configuration
type AppConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	ReceiveDir         string        `mapstructure:"receive_dir"`
	ChunkSize          int           `mapstructure:"chunk_size"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	AcceptPollInterval time.Duration `mapstructure:"accept_poll_interval"`
	MetadataTimeout    time.Duration `mapstructure:"metadata_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	AckTimeout         time.Duration `mapstructure:"ack_timeout"`
	ChunkDelay         time.Duration `mapstructure:"chunk_delay"`
	DigestAlgorithm    string        `mapstructure:"digest_algorithm"`
	StrictIntegrity    bool          `mapstructure:"strict_integrity"`
	HistoryPath        string        `mapstructure:"history_path"`
	HistoryRetention   time.Duration `mapstructure:"history_retention"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFormat          string        `mapstructure:"log_format"`
}

var Config *AppConfig

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", 8888)
	v.SetDefault("receive_dir", "received_files")
	v.SetDefault("chunk_size", transfer.DefaultChunkSize)
	v.SetDefault("connect_timeout", transfer.DefaultConnectTimeout)
	v.SetDefault("accept_poll_interval", transfer.DefaultAcceptPollInterval)
	v.SetDefault("metadata_timeout", 30*time.Second)
	v.SetDefault("idle_timeout", 2*time.Minute)
	v.SetDefault("ack_timeout", 5*time.Second)
	v.SetDefault("chunk_delay", time.Duration(0))
	v.SetDefault("digest_algorithm", string(integrity.Default))
	v.SetDefault("strict_integrity", false)
	v.SetDefault("history_path", filepath.Join("data", "history"))
	v.SetDefault("history_retention", 30*24*time.Hour)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads <path>/.env, then <path>/config.yaml, then PEERDROP_*
// environment variables, each layer overriding the previous one. Missing
// files are not an error.
func LoadConfig(path string) (*AppConfig, error) {
	if err := godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	return &appConfig, nil
}

// Validate rejects settings the transfer engine cannot run with.
func (c *AppConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.AcceptPollInterval <= 0 {
		return fmt.Errorf("accept_poll_interval must be positive, got %s", c.AcceptPollInterval)
	}
	if c.ConnectTimeout < 0 || c.AckTimeout < 0 || c.MetadataTimeout < 0 || c.IdleTimeout < 0 || c.ChunkDelay < 0 {
		return errors.New("timeouts and delays cannot be negative")
	}
	if _, err := integrity.ParseAlgorithm(c.DigestAlgorithm); err != nil {
		return err
	}
	if c.ReceiveDir == "" {
		return errors.New("receive_dir must be set")
	}
	return nil
}

// Algorithm returns the parsed digest algorithm. Call after Validate.
func (c *AppConfig) Algorithm() integrity.Algorithm {
	alg, err := integrity.ParseAlgorithm(c.DigestAlgorithm)
	if err != nil {
		return integrity.Default
	}
	return alg
}

func (c *AppConfig) SenderOptions() transfer.SenderOptions {
	return transfer.SenderOptions{
		ChunkSize:  c.ChunkSize,
		ChunkDelay: c.ChunkDelay,
		AckTimeout: c.AckTimeout,
		Algorithm:  c.Algorithm(),
	}
}

func (c *AppConfig) ReceiverOptions() transfer.ReceiverOptions {
	return transfer.ReceiverOptions{
		ChunkSize:       c.ChunkSize,
		MetadataTimeout: c.MetadataTimeout,
		IdleTimeout:     c.IdleTimeout,
		StrictIntegrity: c.StrictIntegrity,
	}
}

func (c *AppConfig) ServerOptions() transfer.ServerOptions {
	return transfer.ServerOptions{
		Host:               c.Host,
		Port:               c.Port,
		AcceptPollInterval: c.AcceptPollInterval,
	}
}

func (c *AppConfig) ClientOptions() transfer.ClientOptions {
	return transfer.ClientOptions{ConnectTimeout: c.ConnectTimeout}
}
