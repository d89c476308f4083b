package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel  zapcore.Level
	Port      uint            `mapstructure:"port"`
	HttpLog   bool            `mapstructure:"http_log"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Command   CommandConfig   `mapstructure:"command"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
}

type RegistryConfig struct {
	// HeartbeatWindowSeconds is how long a session may stay silent before
	// the sweep unregisters it. Devices heartbeat every few seconds, so a
	// small multiple of that period is enough.
	HeartbeatWindowSeconds uint32 `mapstructure:"heartbeat_window_seconds"`
	SweepIntervalSeconds   uint32 `mapstructure:"sweep_interval_seconds"`
	ReadTimeoutSeconds     uint32 `mapstructure:"read_timeout_seconds"`
}

type CommandConfig struct {
	AckTimeoutMillis uint32 `mapstructure:"ack_timeout_millis"`
}

type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Timezone is the IANA zone recurring schedules are evaluated in.
	// Empty means the process-local zone. DST folds and gaps follow the
	// zone rules: a schedule inside a fold fires twice, one inside a gap
	// never fires.
	Timezone string `mapstructure:"timezone"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     uint   `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// URL builds the postgres connection string for pgxpool.
func (c DatabaseConfig) URL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Name,
	}
	if c.Username != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		} else {
			u.User = url.User(c.Username)
		}
	}
	return u.String()
}

type MQTTConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	BaseTopic string `mapstructure:"base_topic"`
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	if !baseTopicRegexp.MatchString(lowerBaseTopic) {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}

// Check validates bounds after viper unmarshalling.
func (cfg *Config) Check() error {
	if cfg.Registry.HeartbeatWindowSeconds < 5 {
		return errors.New("config param registry.heartbeat_window_seconds should be >= 5")
	}
	if cfg.Registry.SweepIntervalSeconds == 0 ||
		cfg.Registry.SweepIntervalSeconds > cfg.Registry.HeartbeatWindowSeconds {
		return errors.New("config param registry.sweep_interval_seconds should be > 0 and <= heartbeat window")
	}
	if cfg.Command.AckTimeoutMillis < 500 {
		return errors.New("config param command.ack_timeout_millis should be >= 500")
	}
	if cfg.MQTT.Enabled {
		baseTopic, err := CheckMQTTTopic(cfg.MQTT.BaseTopic)
		if err != nil {
			return err
		}
		cfg.MQTT.BaseTopic = baseTopic
	}
	return nil
}
