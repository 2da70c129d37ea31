package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	Secret    string `mapstructure:"secret"`
	ReadLimit int64  `mapstructure:"read_limit"`

	// Media plane.
	Workers                int      `mapstructure:"workers"`
	ListenIPs              string   `mapstructure:"listen_ips"`
	EnableUDP              bool     `mapstructure:"enable_udp"`
	EnableTCP              bool     `mapstructure:"enable_tcp"`
	InitialOutgoingBitrate int      `mapstructure:"initial_outgoing_bitrate"`
	RTCMinPort             int      `mapstructure:"rtc_min_port"`
	RTCMaxPort             int      `mapstructure:"rtc_max_port"`
	ICEServers             []string `mapstructure:"ice_servers"`
	MaxRoomParticipants    int      `mapstructure:"max_room_participants"`

	PingPeriod       time.Duration `mapstructure:"ping_period"`
	OfflineGrace     time.Duration `mapstructure:"offline_grace"`
	WorkerDeathDelay time.Duration `mapstructure:"worker_death_delay"`

	// Admission limiter, per signaling connection.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	DirectoryURL     string        `mapstructure:"directory_url"`
	InternalSecret   string        `mapstructure:"internal_secret"`
	DirectoryTimeout time.Duration `mapstructure:"directory_timeout"`
	EventWorkers     int           `mapstructure:"event_workers"`
	EventQueueSize   int           `mapstructure:"event_queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("read_limit", 32768)

	v.SetDefault("workers", 0)
	v.SetDefault("listen_ips", "")
	v.SetDefault("enable_udp", true)
	v.SetDefault("enable_tcp", false)
	v.SetDefault("initial_outgoing_bitrate", 600000)
	v.SetDefault("rtc_min_port", 40000)
	v.SetDefault("rtc_max_port", 40100)
	v.SetDefault("ice_servers", []string{})
	v.SetDefault("max_room_participants", 0)

	v.SetDefault("ping_period", "15s")
	v.SetDefault("offline_grace", "30s")
	v.SetDefault("worker_death_delay", "2s")

	v.SetDefault("rate_limit", 5.0)
	v.SetDefault("rate_burst", 10)

	v.SetDefault("directory_url", "http://127.0.0.1:7575/internal")
	v.SetDefault("internal_secret", "")
	v.SetDefault("directory_timeout", "5s")
	v.SetDefault("event_workers", 2)
	v.SetDefault("event_queue_size", 4096)
}

// Load reads config/config.<CONFIG_ENV>.yaml (default env dev) and applies
// VOICE_* environment overrides on top of the defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Int("workers", cfg.Workers).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.RTCMinPort <= 0 || c.RTCMaxPort < c.RTCMinPort || c.RTCMaxPort > 65535 {
		return fmt.Errorf("rtc port range %d-%d invalid", c.RTCMinPort, c.RTCMaxPort)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers %d is negative", c.Workers)
	}
	if c.PingPeriod <= 0 || c.OfflineGrace <= 0 {
		return fmt.Errorf("ping_period and offline_grace must be positive")
	}
	return nil
}
