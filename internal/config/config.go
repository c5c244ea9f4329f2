package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/sandboxrun/supervisor/internal/logging"
)

var log = logging.L("config")

// Config holds sandboxd's runtime configuration. Fields are populated from
// YAML, a config file, and SANDBOXD_-prefixed environment overrides via viper.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	AppsRoot             string `mapstructure:"apps_root"`
	DefaultWidth         int    `mapstructure:"default_width"`
	DefaultHeight        int    `mapstructure:"default_height"`
	DefaultFrameRate     int    `mapstructure:"default_frame_rate"`
	SessionTTLSeconds    int    `mapstructure:"session_ttl_seconds"`
	IdleTimeoutSeconds   int    `mapstructure:"idle_timeout_seconds"`
	ShutdownGraceSeconds int    `mapstructure:"shutdown_grace_seconds"`

	// Isolation limits (resource-limit group).
	CgroupRoot        string  `mapstructure:"cgroup_root"`
	CPUQuotaPercent   int     `mapstructure:"cpu_quota_percent"`
	MemoryLimitMB     int     `mapstructure:"memory_limit_mb"`
	PidsLimit         int     `mapstructure:"pids_limit"`
	ScrollSensitivity float64 `mapstructure:"scroll_sensitivity"`

	STUNURLs       []string `mapstructure:"stun_urls"`
	TURNServer     string   `mapstructure:"turn_server"`
	TURNUsername   string   `mapstructure:"turn_username"`
	TURNCredential string   `mapstructure:"turn_credential"`

	// Logging configuration.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions"`
}

func Default() *Config {
	return &Config{
		ListenAddr:            ":8443",
		AppsRoot:              "/opt/sandboxd/apps",
		DefaultWidth:          1280,
		DefaultHeight:         720,
		DefaultFrameRate:      30,
		SessionTTLSeconds:     3600,
		IdleTimeoutSeconds:    1800,
		ShutdownGraceSeconds:  1,
		CgroupRoot:            "/sys/fs/cgroup/sandbox",
		CPUQuotaPercent:       50,
		MemoryLimitMB:         512,
		PidsLimit:             100,
		ScrollSensitivity:     150,
		STUNURLs:              []string{"stun:stun.l.google.com:19302"},
		LogLevel:              "info",
		LogFormat:             "text",
		MaxConcurrentSessions: 64,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sandboxd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SANDBOXD")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config validation", "error", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			log.Error("config validation fatal", "error", f)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("listen_addr", cfg.ListenAddr)
	viper.Set("apps_root", cfg.AppsRoot)
	viper.Set("default_width", cfg.DefaultWidth)
	viper.Set("default_height", cfg.DefaultHeight)
	viper.Set("default_frame_rate", cfg.DefaultFrameRate)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "sandboxd.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for sandboxd.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "sandboxd", "data")
	case "darwin":
		return "/Library/Application Support/sandboxd/data"
	default:
		return "/var/lib/sandboxd"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "sandboxd")
	case "darwin":
		return "/Library/Application Support/sandboxd"
	default:
		return "/etc/sandboxd"
	}
}
