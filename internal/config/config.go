// Package config loads the process configuration: a YAML file resolved
// through XDG paths, environment overrides with the TASKGATE_ prefix, and
// ${VAR} interpolation inside the file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/taskgate-org/taskgate/internal/schedule"
	"github.com/taskgate-org/taskgate/internal/watchdog"
	"github.com/taskgate-org/taskgate/internal/webhook"
)

// AppName namespaces XDG paths and environment variables.
const AppName = "taskgate"

// Config is the loaded process configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir"`
	DBPath  string `mapstructure:"db_path"`
	DAGsDir string `mapstructure:"dags_dir"`

	Log      Log      `mapstructure:"log"`
	Server   Server   `mapstructure:"server"`
	Dispatch Dispatch `mapstructure:"dispatch"`
	Watchdog Watchdog `mapstructure:"watchdog"`
	Review   Review   `mapstructure:"review"`

	Adapters  []Adapter            `mapstructure:"adapters"`
	Schedules []schedule.Entry     `mapstructure:"schedules"`
	Webhooks  []webhook.Subscriber `mapstructure:"webhooks"`
}

// Log selects output verbosity and encoding.
type Log struct {
	Debug  bool   `mapstructure:"debug"`
	Format string `mapstructure:"format"`
	Quiet  bool   `mapstructure:"quiet"`
}

// Server is the HTTP listener.
type Server struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Dispatch tunes the dispatcher loop.
type Dispatch struct {
	Tick              time.Duration  `mapstructure:"tick"`
	LeaseTTL          time.Duration  `mapstructure:"lease_ttl"`
	HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval"`
	WIPLimits         map[string]int `mapstructure:"wip_limits"`
	DefaultWIP        int            `mapstructure:"default_wip"`
}

// Watchdog tunes the lease sweeper.
type Watchdog struct {
	Interval time.Duration   `mapstructure:"interval"`
	Grace    time.Duration   `mapstructure:"grace"`
	Policy   watchdog.Policy `mapstructure:"policy"`
}

// Review tunes the review handler.
type Review struct {
	OnFixComplete string `mapstructure:"on_fix_complete"`
	ReviewType    string `mapstructure:"review_type"`
	FixType       string `mapstructure:"fix_type"`
}

// Adapter configures one execution backend. Kind is "shell" or "http".
type Adapter struct {
	Name      string        `mapstructure:"name"`
	Kind      string        `mapstructure:"kind"`
	TaskTypes []string      `mapstructure:"task_types"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Load reads the configuration. An empty path searches the working
// directory and the XDG config home. A missing file yields defaults.
func Load(path string) (*Config, error) {
	// Local .env files feed interpolation; absence is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	file, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded, err := Interpolate(string(raw))
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", file, err)
		}
		if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, AppName+".db")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", filepath.Join(xdg.DataHome, AppName))
	v.SetDefault("dags_dir", filepath.Join(xdg.ConfigHome, AppName, "dags"))
	v.SetDefault("log.format", "text")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("dispatch.tick", "2s")
	v.SetDefault("dispatch.lease_ttl", "2m")
	v.SetDefault("dispatch.heartbeat_interval", "30s")
	v.SetDefault("dispatch.default_wip", 1)
	v.SetDefault("watchdog.interval", "30s")
	v.SetDefault("watchdog.grace", "10s")
	v.SetDefault("watchdog.policy", "requeue")
	v.SetDefault("review.on_fix_complete", "done")
}

func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return path, nil
	}
	candidates := []string{
		AppName + ".yaml",
		filepath.Join(xdg.ConfigHome, AppName, "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}
