// Package config loads the CLI configuration: defaults, an optional config
// file (~/.config/tally/config.yaml), TALLY_* environment overrides and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix      = "TALLY"
	configFileName = "config.yaml"
)

// Config is the resolved CLI configuration.
type Config struct {
	DataDir string    `mapstructure:"data_dir"`
	Actor   string    `mapstructure:"actor"`
	Log     LogConfig `mapstructure:"log"`
	Sync    Sync      `mapstructure:"sync"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Sync configures the remote store.
type Sync struct {
	URL    string `mapstructure:"url"`
	Tenant string `mapstructure:"tenant"`
	APIKey string `mapstructure:"api_key"`
	// Offline is the persisted connectivity signal.
	Offline       bool          `mapstructure:"offline"`
	Interval      time.Duration `mapstructure:"interval"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// AutoFlush pushes the queue after each mutating command.
	AutoFlush    bool          `mapstructure:"auto_flush"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// Enabled reports whether a remote store is configured.
func (s Sync) Enabled() bool { return s.URL != "" }

// Dir returns the configuration directory: $TALLY_HOME when set, otherwise
// ~/.config/tally.
func Dir() (string, error) {
	if d := os.Getenv(envPrefix + "_HOME"); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".config", "tally"), nil
}

// DefaultPath is the config file used when none is given.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("data_dir", filepath.Join(dir, "data"))
	v.SetDefault("actor", os.Getenv("USER"))
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("sync.url", "")
	v.SetDefault("sync.tenant", "")
	v.SetDefault("sync.api_key", "")
	v.SetDefault("sync.offline", false)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.probe_interval", 15*time.Second)
	v.SetDefault("sync.auto_flush", true)
	v.SetDefault("sync.flush_timeout", 5*time.Second)
}

// New returns a viper instance for the config file at path (DefaultPath
// when empty) with defaults and environment overrides wired. The file is
// read by Load.
func New(path string) (*viper.Viper, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = filepath.Join(dir, configFileName)
	}
	v := viper.New()
	setDefaults(v, dir)
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Load reads the config file, if present, and resolves the configuration.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, errors.New("config: data_dir is empty")
	}
	return &cfg, nil
}

func isNotExist(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, fs.ErrNotExist)
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"data-dir":  "data_dir",
	"actor":     "actor",
	"sync-url":  "sync.url",
	"tenant":    "sync.tenant",
	"log-level": "log.level",
	"log-file":  "log.file",
}

// BindFlags binds the known persistent flags present in fs to their config
// keys. Flags win over the environment and the file when set.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Watch reloads the configuration whenever the config file changes and
// hands the result to fn. Decode failures go to onErr. Watching ends with
// the process.
func Watch(v *viper.Viper, fn func(*Config), onErr func(error)) {
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
}

// SetOffline persists the connectivity signal in the config file at path,
// keeping every other key. A running watch picks the change up.
func SetOffline(path string, offline bool) error {
	return update(path, func(doc map[string]any) {
		sync, _ := doc["sync"].(map[string]any)
		if sync == nil {
			sync = map[string]any{}
		}
		sync["offline"] = offline
		doc["sync"] = sync
	})
}

// WriteDefault creates the config file at path unless it already exists.
// It reports whether a file was written.
func WriteDefault(path string, c Config) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	doc := map[string]any{
		"data_dir": c.DataDir,
		"actor":    c.Actor,
		"log":      map[string]any{"level": "warn", "format": "text"},
		"sync": map[string]any{
			"url":     c.Sync.URL,
			"tenant":  c.Sync.Tenant,
			"offline": false,
		},
	}
	return true, save(path, doc)
}

func update(path string, fn func(map[string]any)) error {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}
	fn(doc)
	return save(path, doc)
}

// save writes doc atomically: temp file in the same dir, then rename.
func save(path string, doc map[string]any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "config-*.yaml.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
