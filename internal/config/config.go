// Package config loads the hub settings from defaults, an optional config
// file, FITNESS_HUB_* environment variables and command-line flags, in
// increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "FITNESS_HUB"

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	// Verbose mirrors the log to stderr.
	Verbose bool `mapstructure:"verbose"`
}

type StateConfig struct {
	Path string `mapstructure:"path"`
}

type BTConfig struct {
	// ScanTimeout is how long an advertisement stays visible.
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
	Simulate    bool          `mapstructure:"simulate"`
}

type ManagerConfig struct {
	StalenessThreshold       time.Duration `mapstructure:"staleness_threshold"`
	WheelCircumferenceMeters float64       `mapstructure:"wheel_circumference_m"`
	TrainerHeartRate         bool          `mapstructure:"trainer_heart_rate"`
}

type HTTPConfig struct {
	// Listen is the status server address; empty disables it.
	Listen string `mapstructure:"listen"`
}

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	State   StateConfig   `mapstructure:"state"`
	BT      BTConfig      `mapstructure:"bt"`
	Manager ManagerConfig `mapstructure:"manager"`
	HTTP    HTTPConfig    `mapstructure:"http"`
}

func dataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".smart-trainer")
}

func Default() Config {
	return Config{
		Log: LogConfig{
			File:       filepath.Join(dataDir(), "fitness-hub.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		State:   StateConfig{Path: filepath.Join(dataDir(), "role_assignments.json")},
		BT:      BTConfig{ScanTimeout: 10 * time.Second},
		Manager: ManagerConfig{StalenessThreshold: 5 * time.Second, WheelCircumferenceMeters: 2.105},
	}
}

// Validate rejects settings the hub cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Log.File == "" {
		problems = append(problems, "log.file cannot be empty")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		problems = append(problems, "log rotation settings cannot be negative")
	}
	if c.State.Path == "" {
		problems = append(problems, "state.path cannot be empty")
	}
	if c.BT.ScanTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("bt.scan_timeout must be positive, got %v", c.BT.ScanTimeout))
	}
	if c.Manager.StalenessThreshold <= 0 {
		problems = append(problems, fmt.Sprintf("manager.staleness_threshold must be positive, got %v", c.Manager.StalenessThreshold))
	}
	if c.Manager.WheelCircumferenceMeters <= 0 {
		problems = append(problems, "manager.wheel_circumference_m must be positive")
	}
	if len(problems) > 0 {
		return errors.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// flagKeys binds each flag to its config key.
var flagKeys = map[string]string{
	"log-file":            "log.file",
	"verbose":             "log.verbose",
	"state":               "state.path",
	"scan-timeout":        "bt.scan_timeout",
	"simulate":            "bt.simulate",
	"staleness":           "manager.staleness_threshold",
	"wheel-circumference": "manager.wheel_circumference_m",
	"trainer-hr":          "manager.trainer_heart_rate",
	"listen":              "http.listen",
}

// NewFlagSet declares the command-line flags. Their defaults only document
// the built-in values; Load decides precedence.
func NewFlagSet(name string) *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("log-file", d.Log.File, "log file")
	fs.BoolP("verbose", "v", false, "also log to stderr")
	fs.String("state", d.State.Path, "role assignment file")
	fs.Duration("scan-timeout", d.BT.ScanTimeout, "how long a scanned device stays visible")
	fs.Bool("simulate", false, "use simulated BLE devices instead of the adapter")
	fs.Duration("staleness", d.Manager.StalenessThreshold, "age after which an aggregated value is dropped")
	fs.Float64("wheel-circumference", d.Manager.WheelCircumferenceMeters, "wheel circumference in meters for speed sensors")
	fs.Bool("trainer-hr", false, "use the heart rate a trainer reports")
	fs.String("listen", "", "status server address, e.g. :8080")
	return fs
}

// Load parses args and returns the validated configuration.
func Load(args []string) (Config, error) {
	fs := NewFlagSet("fitness-hub")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return FromFlags(fs)
}

// FromFlags resolves the configuration for an already parsed flag set.
func FromFlags(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flagName, key := range flagKeys {
		if f := fs.Lookup(flagName); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("config: bind %s: %w", flagName, err)
			}
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(expandHome(path))
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Log.File = expandHome(cfg.Log.File)
	cfg.State.Path = expandHome(cfg.State.Path)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.verbose", d.Log.Verbose)
	v.SetDefault("state.path", d.State.Path)
	v.SetDefault("bt.scan_timeout", d.BT.ScanTimeout)
	v.SetDefault("bt.simulate", d.BT.Simulate)
	v.SetDefault("manager.staleness_threshold", d.Manager.StalenessThreshold)
	v.SetDefault("manager.wheel_circumference_m", d.Manager.WheelCircumferenceMeters)
	v.SetDefault("manager.trainer_heart_rate", d.Manager.TrainerHeartRate)
	v.SetDefault("http.listen", d.HTTP.Listen)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}
