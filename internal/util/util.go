package util

import (
	"github.com/mkarren/fleetrelay/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Registry: config.RegistryConfig{
			HeartbeatWindowSeconds: 30,
			SweepIntervalSeconds:   10,
			ReadTimeoutSeconds:     60,
		},
		Command: config.CommandConfig{
			AckTimeoutMillis: 500,
		},
		Scheduler: config.SchedulerConfig{
			Enabled: false,
		},
		MQTT: config.MQTTConfig{
			Host:      "localhost",
			Port:      1883,
			BaseTopic: "fleetrelay",
		},
		Port: 8080,
	}
}
