package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port      int              `json:"port"`
	Database  DatabaseConfig   `json:"database"`
	LogConfig logger.LogConfig `json:"log_config"`
	FileStore FileStoreConfig  `json:"file_store"`
	Source    SourceConfig     `json:"source"`
	Queue     QueueConfig      `json:"queue"`
	Import    ImportConfig     `json:"import"`
}

// SourceConfig points at the provider API resources are imported from.
type SourceConfig struct {
	BaseURL    string `json:"base_url"`
	Token      string `json:"token"`
	TimeoutSec int    `json:"timeout_sec"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type QueueConfig struct {
	Workers          int `json:"workers"`
	PollIntervalMS   int `json:"poll_interval_ms"`
	LeaseSeconds     int `json:"lease_seconds"`
	InvokeTimeoutSec int `json:"invoke_timeout_sec"`
}

type ImportConfig struct {
	MaxBatchResources int `json:"max_batch_resources"`
	MaxArchivePolls   int `json:"max_archive_polls"`
	ArchivePollDelay  int `json:"archive_poll_delay_sec"`
	RetentionHours    int `json:"retention_hours"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("port is required")
	}
	if cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return nil, fmt.Errorf("database.dsn or database.host is required")
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.FileStore.Type == "" {
		cfg.FileStore.Type = "local"
	}
	if cfg.Source.BaseURL == "" {
		return nil, fmt.Errorf("source.base_url is required")
	}
	if cfg.Source.TimeoutSec <= 0 {
		cfg.Source.TimeoutSec = 30
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.PollIntervalMS <= 0 {
		cfg.Queue.PollIntervalMS = 500
	}
	if cfg.Queue.LeaseSeconds <= 0 {
		cfg.Queue.LeaseSeconds = 120
	}
	if cfg.Queue.InvokeTimeoutSec <= 0 {
		cfg.Queue.InvokeTimeoutSec = 60
	}
	if cfg.Import.MaxBatchResources <= 0 {
		cfg.Import.MaxBatchResources = 500
	}
	if cfg.Import.MaxArchivePolls <= 0 {
		cfg.Import.MaxArchivePolls = 20
	}
	if cfg.Import.ArchivePollDelay <= 0 {
		cfg.Import.ArchivePollDelay = 15
	}
	if cfg.Import.RetentionHours <= 0 {
		cfg.Import.RetentionHours = 24 * 14
	}
	return &cfg, nil
}
