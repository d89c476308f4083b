package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adactor "github.com/mkarren/fleetrelay/internal/adapter/actor"
	"github.com/mkarren/fleetrelay/internal/adapter/store"
	"github.com/mkarren/fleetrelay/internal/config"
	"github.com/mkarren/fleetrelay/internal/core/actor"
	"github.com/mkarren/fleetrelay/internal/core/port"
	"github.com/mkarren/fleetrelay/internal/server"
	"github.com/mkarren/fleetrelay/internal/util/actorutil"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		return
	}
	safePrintConfig(*cfg)
	slog.Info("fleetrelay", "version", versioninfo.Short())

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	defer logger.Sync()

	// stores
	configStore, taskStore, bridge, closeStore, err := buildStores(cfg)
	if err != nil {
		panic(err)
	}
	defer closeStore()

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterActor(*cfg, configStore, taskStore, bridge, feedActorProvider(cfg, logger), logger)
	})
	pid, err := ctx.SpawnNamed(props, "master")
	if err != nil {
		return
	}

	server := server.NewServer(*cfg, ctx, pid, taskStore, logger)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	ctx.Stop(pid)
	as.Shutdown()
}

// buildStores wires the fleet database when configured and falls back to
// the in-memory store for standalone development runs.
func buildStores(cfg *config.Config) (port.ConfigStore, port.TaskStore, port.TaskBridge, func(), error) {
	if cfg.Database.Host == "" {
		slog.Warn("no database configured, using in-memory store")
		mem := store.NewMemoryStore()
		return mem, mem, mem, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pg, err := store.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return pg, pg, pg, pg.Close, nil
}

func initConfig() (*config.Config, error) {

	// alias PORT => FLEETRELAY_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("FLEETRELAY_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("fleetrelay")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	if err := cfg.Check(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func feedActorProvider(cfg *config.Config, logger *zap.Logger) actor.FeedActorProvider {
	return func(es *eventstream.EventStream) *adactor.FeedActor {
		return adactor.NewFeedActor(cfg, es, logger)
	}
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("port", 8080)
	viper.SetDefault("http_log", false)
	viper.SetDefault("registry.heartbeat_window_seconds", 90)
	viper.SetDefault("registry.sweep_interval_seconds", 30)
	viper.SetDefault("registry.read_timeout_seconds", 120)
	viper.SetDefault("command.ack_timeout_millis", 5000)
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.timezone", "")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.base_topic", "fleetrelay")
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	cfg.Database.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
