// Package config loads and persists the watchtower configuration document.
//
// The configuration is a single JSON document with nested categories; every
// value is readable and writable through the admin API. Components never hold
// a *Config directly; they read through a Handle, an atomically swappable
// pointer, so an admin update takes effect on each component's next read.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
)

type Config struct {
	Security    Security    `json:"security"`
	Network     Network     `json:"network"`
	Database    Database    `json:"database"`
	Model       Model       `json:"model"`
	Performance Performance `json:"performance"`
	Thresholds  Thresholds  `json:"thresholds"`
	Alerts      Alerts      `json:"alerts"`
	Reports     Reports     `json:"reports"`
	Retrieval   Retrieval   `json:"retrieval"`
}

type Security struct {
	TelegramToken   string `json:"telegram_token"`
	SessionTokenTTL int    `json:"session_token_ttl_seconds"`
	BcryptCost      int    `json:"bcrypt_cost"`
}

type Network struct {
	ContainerName string `json:"container_name"`
	ArchivesPath  string `json:"archives_path"` // alerts.json path inside the container
	ManagerAPIURL string `json:"manager_api_url"`
	ListenAddr    string `json:"listen_addr"`
}

type Database struct {
	ArchivePath  string `json:"archive_path"`
	SessionPath  string `json:"session_path"`
	LogDir       string `json:"log_dir"`
	SessionDSN   string `json:"session_dsn,omitempty"` // non-empty selects the Postgres session store
}

type Model struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key"`
	Name        string  `json:"name"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type Performance struct {
	IngestIntervalSeconds int `json:"ingest_interval_seconds"`
	IngestTailLines       int `json:"ingest_tail_lines"`
	EmbedBatchSize        int `json:"embed_batch_size"`
	MaxDispatchIterations int `json:"max_dispatch_iterations"`
}

type Thresholds struct {
	CriticalLevel        int `json:"critical_level"`
	HighLevel            int `json:"high_level"`
	MediumLevel          int `json:"medium_level"`
	SubscriberCap        int `json:"subscriber_cap"`
	DeliveredRetention   int `json:"delivered_retention"` // cap before eviction
	DeliveredKeepOnEvict int `json:"delivered_keep_on_evict"`
}

type Alerts struct {
	PollIntervalSeconds int `json:"poll_interval_seconds"`
	MaxPerHour          int `json:"max_per_hour"` // per recipient
	CooldownSeconds     int `json:"cooldown_seconds"`
}

type Reports struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"` // "daily HH:MM" or "hourly"
}

type Retrieval struct {
	EmbeddingModel   string `json:"embedding_model"`
	EmbeddingBaseURL string `json:"embedding_base_url"`
	VectorDim        int    `json:"vector_dim"`
	DefaultK         int    `json:"default_k"`
	DefaultDaysRange int    `json:"default_days_range"`
	IndexWindow      int    `json:"index_window"` // max events indexed
	CAGTokenBudget   int    `json:"cag_token_budget"`
	CAGWindowDays    int    `json:"cag_window_days"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Security: Security{SessionTokenTTL: 86400, BcryptCost: 10},
		Network: Network{
			ContainerName: "wazuh.manager",
			ArchivesPath:  "/var/ossec/logs/alerts/alerts.json",
			ListenAddr:    ":8080",
		},
		Database: Database{
			ArchivePath: "watchtower-archive.db",
			SessionPath: "watchtower-sessions.db",
			LogDir:      "logs",
		},
		Model: Model{
			BaseURL:     "http://localhost:11434/v1",
			Name:        "qwen2.5:14b",
			MaxTokens:   2048,
			Temperature: 0.2,
		},
		Performance: Performance{
			IngestIntervalSeconds: 5,
			IngestTailLines:       50,
			EmbedBatchSize:        256,
			MaxDispatchIterations: 4,
		},
		Thresholds: Thresholds{
			CriticalLevel:        8,
			HighLevel:            6,
			MediumLevel:          5,
			SubscriberCap:        100,
			DeliveredRetention:   1000,
			DeliveredKeepOnEvict: 500,
		},
		Alerts: Alerts{
			PollIntervalSeconds: 10,
			MaxPerHour:          20,
			CooldownSeconds:     30,
		},
		Reports: Reports{Schedule: "daily 08:00"},
		Retrieval: Retrieval{
			EmbeddingModel:   "all-minilm",
			EmbeddingBaseURL: "http://localhost:11434/v1",
			VectorDim:        384,
			DefaultK:         10,
			DefaultDaysRange: 7,
			IndexWindow:      100000,
			CAGTokenBudget:   16000,
			CAGWindowDays:    3,
		},
	}
}

// Load reads config: defaults -> JSON file -> env vars (env wins).
// A missing file is not an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "watchtower.json"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("WATCHTOWER_TELEGRAM_TOKEN"); v != "" {
		cfg.Security.TelegramToken = v
	}
	if v := os.Getenv("WATCHTOWER_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("WATCHTOWER_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("WATCHTOWER_MODEL_NAME"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("WATCHTOWER_ARCHIVE_PATH"); v != "" {
		cfg.Database.ArchivePath = v
	}
	if v := os.Getenv("WATCHTOWER_SESSION_DSN"); v != "" {
		cfg.Database.SessionDSN = v
	}
	if v := os.Getenv("WATCHTOWER_CONTAINER_NAME"); v != "" {
		cfg.Network.ContainerName = v
	}
	if v := os.Getenv("WATCHTOWER_LISTEN_ADDR"); v != "" {
		cfg.Network.ListenAddr = v
	}
	if v := os.Getenv("WATCHTOWER_ALERT_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Alerts.PollIntervalSeconds = n
		}
	}

	return cfg, nil
}

// Validate checks the values required to start at all.
func Validate(cfg Config) error {
	if cfg.Database.ArchivePath == "" {
		return fmt.Errorf("database.archive_path is required")
	}
	if cfg.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required")
	}
	if cfg.Network.ContainerName == "" {
		return fmt.Errorf("network.container_name is required")
	}
	return nil
}

// Save writes cfg to path atomically (temp file + rename).
func Save(cfg Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".watchtower-config-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Handle is an atomically swappable configuration pointer. Readers call
// Current on every use; writers call Update. Components therefore observe
// changes on their next read without any reload machinery.
type Handle struct {
	ptr  atomic.Pointer[Config]
	path string
}

// NewHandle creates a Handle over cfg, persisting updates to path
// (persistence is skipped when path is empty).
func NewHandle(cfg Config, path string) *Handle {
	h := &Handle{path: path}
	c := cfg
	h.ptr.Store(&c)
	return h
}

// Current returns the live configuration snapshot. The returned pointer is
// shared and must be treated as read-only.
func (h *Handle) Current() *Config {
	return h.ptr.Load()
}

// Update applies fn to a copy of the current config, swaps it in, and
// persists the result. fn runs exactly once.
func (h *Handle) Update(fn func(*Config)) error {
	next := *h.ptr.Load()
	fn(&next)
	h.ptr.Store(&next)
	if h.path == "" {
		return nil
	}
	return Save(next, h.path)
}
