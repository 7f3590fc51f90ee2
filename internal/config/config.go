// Package config 載入 charge-ledger 的設定
//
// 載入順序：預設值 → YAML 檔 → .env（不覆蓋已存在的環境變數）→ CHARGE_LEDGER_* 環境變數 → Validate。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/charge-ledger/internal/storage/kv"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// EnvPrefix 環境變數覆寫的前綴
const EnvPrefix = "CHARGE_LEDGER_"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	EnvFile string `yaml:"env_file"` // 選填，例如 .env

	Run struct {
		ID         string `yaml:"id"`
		RecordFile string `yaml:"record_file"` // 設定時為離線模式，從本地檔讀取 run record
	} `yaml:"run"`

	Platform struct {
		BaseURL string        `yaml:"base_url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"platform"`

	Ledger struct {
		ResyncFromRecords bool   `yaml:"resync_from_records"`
		RecordsKey        string `yaml:"records_key"` // kv 中記錄日誌 ID 的鍵
	} `yaml:"ledger"`

	Notify struct {
		Enabled         bool          `yaml:"enabled"`
		MaxTries        uint          `yaml:"max_tries"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
	} `yaml:"notify"`

	Storage struct {
		Dir          string    `yaml:"dir"`
		SyncOnAppend bool      `yaml:"sync_on_append"`
		KV           kv.Config `yaml:"kv"`
	} `yaml:"storage"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Server struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"server"`

	Worker struct {
		Count     int           `yaml:"count"`
		BatchSize int           `yaml:"batch_size"`
		EventID   string        `yaml:"event_id"`
		Interval  time.Duration `yaml:"interval"`
		MaxItems  int           `yaml:"max_items"` // 舊版按結果計費的上限，0 表示使用 run record 的值
	} `yaml:"worker"`
}

// Default 回傳預設設定
func Default() *Config {
	cfg := &Config{}
	cfg.Platform.BaseURL = "https://api.apify.com"
	cfg.Platform.Timeout = 10 * time.Second
	cfg.Ledger.RecordsKey = "CHARGING_LOG"
	cfg.Notify.Enabled = true
	cfg.Notify.MaxTries = 5
	cfg.Notify.InitialInterval = 500 * time.Millisecond
	cfg.Notify.MaxInterval = 10 * time.Second
	cfg.Storage.Dir = "./data"
	cfg.Storage.SyncOnAppend = true
	cfg.Storage.KV.Driver = "file"
	cfg.Metrics.Addr = ":9090"
	cfg.Server.Addr = ":50061"
	cfg.Worker.Count = 4
	cfg.Worker.BatchSize = 10
	cfg.Worker.EventID = "result-item"
	cfg.Worker.Interval = 200 * time.Millisecond
	return cfg
}

// Load 讀取設定檔；path 為空字串時只使用預設值與環境變數
//
// overrides 在環境變數之後、Validate 之前套用（命令列旗標使用）。
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if cfg.EnvFile != "" {
		envFile := cfg.EnvFile
		if !filepath.IsAbs(envFile) && path != "" {
			envFile = filepath.Join(filepath.Dir(path), envFile)
		}
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(cfg)
	}
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 以環境變數覆寫設定
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"RUN_ID":       &c.Run.ID,
		"RECORD_FILE":  &c.Run.RecordFile,
		"BASE_URL":     &c.Platform.BaseURL,
		"TOKEN":        &c.Platform.Token,
		"DATA_DIR":     &c.Storage.Dir,
		"KV_DRIVER":    &c.Storage.KV.Driver,
		"KV_PATH":      &c.Storage.KV.Path,
		"REDIS_ADDR":   &c.Storage.KV.RedisAddr,
		"REDIS_PASS":   &c.Storage.KV.RedisPassword,
		"METRICS_ADDR": &c.Metrics.Addr,
		"SERVER_ADDR":  &c.Server.Addr,
		"EVENT_ID":     &c.Worker.EventID,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"RESYNC_FROM_RECORDS": &c.Ledger.ResyncFromRecords,
		"NOTIFY_ENABLED":      &c.Notify.Enabled,
		"METRICS_ENABLED":     &c.Metrics.Enabled,
		"SERVER_ENABLED":      &c.Server.Enabled,
	}
	for name, dst := range bools {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, name, v, err)
			}
			*dst = b
		}
	}

	ints := map[string]*int{
		"WORKER_COUNT": &c.Worker.Count,
		"BATCH_SIZE":   &c.Worker.BatchSize,
		"MAX_ITEMS":    &c.Worker.MaxItems,
	}
	for name, dst := range ints {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, name, v, err)
			}
			*dst = n
		}
	}
	return nil
}

// fillDerived 依其他欄位補上未設定的路徑
func (c *Config) fillDerived() {
	if c.Storage.KV.Path == "" {
		switch c.Storage.KV.Driver {
		case "", "file":
			c.Storage.KV.Path = filepath.Join(c.Storage.Dir, "kv.json")
		case "sqlite":
			c.Storage.KV.Path = filepath.Join(c.Storage.Dir, "kv.db")
		}
	}
}

// Offline 是否從本地檔讀取 run record
func (c *Config) Offline() bool {
	return c.Run.RecordFile != ""
}

// RecordsDir 收費記錄日誌所在目錄
func (c *Config) RecordsDir() string {
	return filepath.Join(c.Storage.Dir, "charges")
}

// ResultsDir 結果日誌所在目錄
func (c *Config) ResultsDir() string {
	return filepath.Join(c.Storage.Dir, "results")
}

// Validate 檢查設定是否可用
func (c *Config) Validate() error {
	var errs []error
	if c.Run.ID == "" && c.Run.RecordFile == "" {
		errs = append(errs, errors.New("run.id or run.record_file is required"))
	}
	if !c.Offline() && c.Platform.BaseURL == "" {
		errs = append(errs, errors.New("platform.base_url is required in online mode"))
	}
	if c.Storage.Dir == "" {
		errs = append(errs, errors.New("storage.dir is required"))
	}
	switch c.Storage.KV.Driver {
	case "", "file", "sqlite":
	case "redis":
		if c.Storage.KV.RedisAddr == "" {
			errs = append(errs, errors.New("storage.kv.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.kv.driver %q is not supported", c.Storage.KV.Driver))
	}
	if c.Ledger.RecordsKey == "" {
		errs = append(errs, errors.New("ledger.records_key is required"))
	}
	if c.Notify.Enabled && c.Notify.MaxTries == 0 {
		errs = append(errs, errors.New("notify.max_tries must be positive"))
	}
	if c.Worker.Count < 0 || c.Worker.BatchSize < 0 || c.Worker.MaxItems < 0 {
		errs = append(errs, errors.New("worker.count, worker.batch_size and worker.max_items must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
