package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mkarren/fleetrelay/internal/core/domain"
	"github.com/mkarren/fleetrelay/internal/core/service"
	"github.com/mkarren/fleetrelay/pkg/relaywire"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

// the boards connect straight from the factory network, there is no origin
// to check
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/ws", s.WebSocketHandler)

	e.GET("/api/relays/connected", s.ConnectedRelaysHandler)
	e.POST("/api/relays/reload", s.ReloadConfigsHandler)
	e.POST("/api/relays/:target/command", s.RelayCommandHandler)
	e.POST("/api/relays/:target/stop", s.EmergencyStopHandler)
	e.POST("/api/elevator/:target/floor", s.ElevatorFloorHandler)

	e.GET("/api/tasks/recurring", s.ListRecurringTasksHandler)
	e.POST("/api/tasks/recurring", s.CreateRecurringTaskHandler)
	e.DELETE("/api/tasks/recurring/:id", s.DeleteRecurringTaskHandler)

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, requestTimeout).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

// WebSocketHandler accepts both kinds of socket: device connections carry
// their identity in the id query parameter, connections without one are
// administrative and may only query the fleet.
func (s *Server) WebSocketHandler(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	identity := c.QueryParam("id")
	if identity == "" {
		go s.serveAdminSocket(conn)
		return nil
	}

	readTimeout := time.Duration(s.config.Registry.ReadTimeoutSeconds) * time.Second
	transport := relaywire.NewWSTransport(conn, readTimeout)
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.RegisterSessionRequest{
		Identity:  identity,
		IP:        conn.RemoteAddr().String(),
		Transport: transport,
	}, requestTimeout).Result()
	if err != nil {
		s.logger.Error("device registration failed", zap.String("identity", identity), zap.Error(err))
		_ = transport.Close()
		return nil
	}
	if response, ok := res.(domain.RegisterSessionResponse); ok && response.HasResponseError() {
		s.logger.Error("device registration rejected", zap.String("identity", identity),
			zap.Error(response.GetResponseError()))
		_ = transport.Close()
	}
	return nil
}

// serveAdminSocket answers get_connected_relays queries until the peer
// hangs up.
func (s *Server) serveAdminSocket(conn *websocket.Conn) {
	transport := relaywire.NewWSTransport(conn, 0)
	defer func() { _ = transport.Close() }()
	for {
		frame, err := transport.ReadFrame()
		if err != nil {
			var malformed *relaywire.MalformedFrameError
			if errors.As(err, &malformed) {
				s.logger.Warn("admin socket malformed frame", zap.Error(malformed))
				continue
			}
			return
		}
		if _, ok := frame.(relaywire.GetConnectedRelaysFrame); !ok {
			continue
		}
		relays, err := s.listConnected()
		if err != nil {
			s.logger.Error("admin socket list failed", zap.Error(err))
			continue
		}
		reply := relaywire.ConnectedRelaysFrame{Relays: make([]relaywire.ConnectedRelayInfo, 0, len(relays))}
		for _, r := range relays {
			reply.Relays = append(reply.Relays, relaywire.ConnectedRelayInfo{
				ID:       r.Identity,
				Name:     r.Name,
				MAC:      r.Identity,
				IP:       r.IP,
				Status:   "connected",
				LastSeen: r.LastSeen.Format(time.RFC3339),
			})
		}
		if err := transport.WriteFrame(reply); err != nil {
			return
		}
	}
}

func (s *Server) listConnected() ([]domain.ConnectedRelay, error) {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ListConnectedRequest{}, requestTimeout).Result()
	if err != nil {
		return nil, err
	}
	response, ok := res.(domain.ListConnectedResponse)
	if !ok {
		return nil, errors.New("unexpected response")
	}
	if response.HasResponseError() {
		return nil, response.GetResponseError()
	}
	return response.Relays, nil
}

type connectedRelayJSON struct {
	Identity     string   `json:"identity"`
	Name         string   `json:"name,omitempty"`
	IP           string   `json:"ip"`
	Capabilities []string `json:"capabilities,omitempty"`
	ConnectedAt  string   `json:"connected_at"`
	LastSeen     string   `json:"last_seen"`
}

func (s *Server) ConnectedRelaysHandler(c echo.Context) error {
	relays, err := s.listConnected()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	out := make([]connectedRelayJSON, 0, len(relays))
	for _, r := range relays {
		out = append(out, connectedRelayJSON{
			Identity:     r.Identity,
			Name:         r.Name,
			IP:           r.IP,
			Capabilities: r.Capabilities,
			ConnectedAt:  r.ConnectedAt.Format(time.RFC3339),
			LastSeen:     r.LastSeen.Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) ReloadConfigsHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ReloadConfigsRequest{}, requestTimeout).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.ReloadConfigsResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "unexpected response")
	}
	if response.HasResponseError() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, response.GetResponseError().Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"count": response.Count})
}

type relayCommandJSON struct {
	Relay string `json:"relay"`
	State bool   `json:"state"`
	// Command selects the raw device-query form instead of a relay write.
	Command string `json:"command"`
}

func (s *Server) RelayCommandHandler(c echo.Context) error {
	var body relayCommandJSON
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if body.Command != "" {
		return s.rawCommand(c, body.Command)
	}
	if body.Relay == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "relay is required")
	}
	timeout := requestTimeout + time.Duration(s.config.Command.AckTimeoutMillis)*time.Millisecond
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.SendRelayCommandRequest{
		Target: c.Param("target"),
		Relay:  body.Relay,
		State:  body.State,
	}, timeout).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.RelayCommandResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "unexpected response")
	}
	if response.HasResponseError() {
		return commandErrorToHTTP(response.GetResponseError())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"identity": response.Identity,
		"relay":    response.Relay,
		"states":   response.States,
	})
}

// rawCommand writes a device-level query frame without relay-name
// resolution. Replies arrive as regular device frames, not HTTP payloads.
func (s *Server) rawCommand(c echo.Context, command string) error {
	var frame relaywire.Frame
	switch command {
	case relaywire.TypeGetRelayInfo:
		frame = relaywire.GetRelayInfoFrame{}
	case relaywire.TypeGetStatus:
		frame = relaywire.GetStatusFrame{}
	case relaywire.TypePing:
		frame = relaywire.PingFrame{}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown command")
	}
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.SendRawCommandRequest{
		Target: c.Param("target"),
		Frame:  frame,
	}, requestTimeout).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.RawCommandResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "unexpected response")
	}
	if response.HasResponseError() {
		return commandErrorToHTTP(response.GetResponseError())
	}
	return c.JSON(http.StatusOK, map[string]string{"identity": response.Identity, "command": command})
}

func (s *Server) EmergencyStopHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.EmergencyStopRequest{
		Target: c.Param("target"),
	}, requestTimeout).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.EmergencyStopResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "unexpected response")
	}
	if response.HasResponseError() {
		return commandErrorToHTTP(response.GetResponseError())
	}
	return c.JSON(http.StatusOK, map[string]string{"identity": response.Identity, "status": "stopped"})
}

type elevatorFloorJSON struct {
	Floor int `json:"floor"`
}

// ElevatorFloorHandler runs a full transfer sequence against the target
// board, one acknowledged relay write at a time.
func (s *Server) ElevatorFloorHandler(c echo.Context) error {
	var body elevatorFloorJSON
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if body.Floor < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "floor must be >= 1")
	}
	target := c.Param("target")
	timeout := requestTimeout + time.Duration(s.config.Command.AckTimeoutMillis)*time.Millisecond

	sequencer := service.NewElevatorSequencer(func(relay string, on bool) error {
		res, err := s.rootContext.RequestFuture(s.masterActor, domain.SendRelayCommandRequest{
			Target: target,
			Relay:  relay,
			State:  on,
		}, timeout).Result()
		if err != nil {
			return err
		}
		response, ok := res.(domain.RelayCommandResponse)
		if !ok {
			return errors.New("unexpected response")
		}
		return response.GetResponseError()
	}, s.logger)

	if err := sequencer.Run(c.Request().Context(), service.GoToFloorSteps(body.Floor)); err != nil {
		return commandErrorToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"target": target, "floor": body.Floor})
}

type recurringTaskJSON struct {
	ID           int64    `json:"id,omitempty"`
	TemplateID   int64    `json:"template_id"`
	TaskType     string   `json:"task_type"`
	Floor        int      `json:"floor"`
	ShelfPoint   string   `json:"shelf_point"`
	ScheduleTime string   `json:"schedule_time"`
	DaysOfWeek   []string `json:"days_of_week"`
	Active       bool     `json:"active"`
	CreatedAt    string   `json:"created_at,omitempty"`
}

func (s *Server) ListRecurringTasksHandler(c echo.Context) error {
	tasks, err := s.tasks.RecurringTasks(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	out := make([]recurringTaskJSON, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, recurringTaskJSON{
			ID:           t.ID,
			TemplateID:   t.TemplateID,
			TaskType:     t.TaskType,
			Floor:        t.Floor,
			ShelfPoint:   t.ShelfPoint,
			ScheduleTime: t.ScheduleTime,
			DaysOfWeek:   t.DaysOfWeek,
			Active:       t.Active,
			CreatedAt:    t.CreatedAt.Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) CreateRecurringTaskHandler(c echo.Context) error {
	var body recurringTaskJSON
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	task := domain.RecurringTask{
		TemplateID:   body.TemplateID,
		TaskType:     body.TaskType,
		Floor:        body.Floor,
		ShelfPoint:   body.ShelfPoint,
		ScheduleTime: body.ScheduleTime,
		DaysOfWeek:   body.DaysOfWeek,
		Active:       true,
	}
	if err := task.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.tasks.CreateRecurringTask(c.Request().Context(), &task); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	body.ID = task.ID
	body.Active = task.Active
	body.CreatedAt = task.CreatedAt.Format(time.RFC3339)
	return c.JSON(http.StatusCreated, body)
}

func (s *Server) DeleteRecurringTaskHandler(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := s.tasks.DeactivateRecurringTask(c.Request().Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func commandErrorToHTTP(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, domain.ErrDeviceOffline):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUnknownRelay):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrCommandTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
