package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mkarren/fleetrelay/internal/config"
	"github.com/mkarren/fleetrelay/internal/core/port"

	"github.com/asynkron/protoactor-go/actor"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
)

type Server struct {
	port        uint
	httpLog     bool
	config      config.Config
	rootContext *actor.RootContext
	masterActor *actor.PID
	tasks       port.TaskStore
	logger      *zap.Logger
}

func NewServer(cfg config.Config, rootContext *actor.RootContext, masterActor *actor.PID,
	tasks port.TaskStore, logger *zap.Logger) *http.Server {
	NewServer := &Server{
		port:        cfg.Port,
		config:      cfg,
		rootContext: rootContext,
		masterActor: masterActor,
		tasks:       tasks,
		httpLog:     cfg.HttpLog,
		logger:      logger.With(zap.String("component", "server")),
	}

	// Declare Server config. The write timeout must cover a full elevator
	// transfer sequence, which is driven synchronously from its handler.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", NewServer.port),
		Handler:      NewServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return server
}
