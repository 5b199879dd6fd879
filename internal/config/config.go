package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/gamevisor/internal/logger"
	"github.com/loykin/gamevisor/internal/manager"
)

// EnvPrefix prefixes environment overrides: server.listen is GAMEVISOR_SERVER_LISTEN.
const EnvPrefix = "GAMEVISOR"

// Config is the daemon configuration, read from TOML.
//
//	[server]
//	listen = "127.0.0.1:8080"
//	base_path = "/api"
//
//	[data]
//	dir = "/var/lib/gamevisor"
//
//	[store]
//	dsn = "sqlite:///var/lib/gamevisor/gamevisor.db"
//
//	[history]
//	dsns = ["clickhouse://localhost:9000/default?table=server_history"]
//
//	[log]
//	level = "info"
//	format = "json"
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Data     DataConfig        `mapstructure:"data"`
	Store    StoreConfig       `mapstructure:"store"`
	History  HistoryConfig     `mapstructure:"history"`
	Log      logger.Config     `mapstructure:"log"`
	Console  logger.FileConfig `mapstructure:"console"`
	Locks    LockConfig        `mapstructure:"locks"`
	Stats    StatsConfig       `mapstructure:"stats"`
	Env      []string          `mapstructure:"env"`
	EnvFiles []string          `mapstructure:"env_files"`
	UseOSEnv bool              `mapstructure:"use_os_env"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	BasePath        string        `mapstructure:"base_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLS             *TLSConfig    `mapstructure:"tls"`
	TLSMinVersion   string        `mapstructure:"tls_min_version"`
	TLSMaxVersion   string        `mapstructure:"tls_max_version"`
}

// TLSConfig selects explicit certificate files or a directory holding
// tls.crt and tls.key, optionally generated on first start.
type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// DataConfig locates server data roots and backup archives. Empty
// ServersDir and BackupsDir default to Dir/servers and Dir/backups.
type DataConfig struct {
	Dir        string `mapstructure:"dir"`
	ServersDir string `mapstructure:"servers_dir"`
	BackupsDir string `mapstructure:"backups_dir"`
}

// StoreConfig selects the record store; an empty DSN uses Dir/records.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type LockConfig struct {
	Wait         time.Duration `mapstructure:"wait"`
	ScheduleWait time.Duration `mapstructure:"schedule_wait"`
	MaxHold      time.Duration `mapstructure:"max_hold"`
}

type StatsConfig struct {
	History int `mapstructure:"history"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.shutdown_timeout", 60*time.Second)
	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.servers_dir", "")
	v.SetDefault("data.backups_dir", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("console.dir", "")
	v.SetDefault("locks.wait", 30*time.Second)
	v.SetDefault("locks.schedule_wait", 5*time.Second)
	v.SetDefault("locks.max_hold", 30*time.Minute)
	v.SetDefault("stats.history", 120)
	v.SetDefault("use_os_env", false)
}

// Load reads the TOML file at path (when not empty), applies GAMEVISOR_*
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.resolve()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		// defaults are static and always valid
		panic(err)
	}
	return c
}

func (c *Config) resolve() {
	if c.Data.ServersDir == "" {
		c.Data.ServersDir = filepath.Join(c.Data.Dir, "servers")
	}
	if c.Data.BackupsDir == "" {
		c.Data.BackupsDir = filepath.Join(c.Data.Dir, "backups")
	}
	if c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(c.Data.Dir, "records")
	}
	c.Server.BasePath = "/" + strings.Trim(c.Server.BasePath, "/")
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if strings.TrimSpace(c.Data.Dir) == "" {
		errs = append(errs, errors.New("data.dir is required"))
	}
	if c.Locks.Wait < 0 || c.Locks.ScheduleWait < 0 || c.Locks.MaxHold < 0 {
		errs = append(errs, errors.New("lock durations cannot be negative"))
	}
	if c.Locks.MaxHold > 0 && c.Locks.Wait > c.Locks.MaxHold {
		errs = append(errs, fmt.Errorf("locks.wait (%s) exceeds locks.max_hold (%s)", c.Locks.Wait, c.Locks.MaxHold))
	}
	for i, kv := range c.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("env[%d] %q is not KEY=VALUE", i, kv))
		}
	}
	if t := c.Server.TLS; t != nil && t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, errors.New("server.tls needs both cert_file and key_file"))
		}
		if t.CertFile == "" && t.Dir == "" {
			errs = append(errs, errors.New("server.tls needs cert_file/key_file or dir"))
		}
	}
	return errors.Join(errs...)
}

// ManagerConfig maps the daemon configuration onto the manager's.
func (c *Config) ManagerConfig() (manager.Config, error) {
	env, err := c.GlobalEnv()
	if err != nil {
		return manager.Config{}, err
	}
	return manager.Config{
		ServersDir:       c.Data.ServersDir,
		BackupsDir:       c.Data.BackupsDir,
		LockWait:         c.Locks.Wait,
		ScheduleLockWait: c.Locks.ScheduleWait,
		MaxHold:          c.Locks.MaxHold,
		Env:              env,
		PassHostEnv:      c.UseOSEnv,
		ConsoleLog:       logger.Config{File: c.Console},
		StatsHistory:     c.Stats.History,
	}, nil
}

// GlobalEnv merges env_files in order and then the env list, later entries
// winning. The host environment is layered underneath by the manager when
// use_os_env is set. The result is sorted by key.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
