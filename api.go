package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"juke/peer/store"
)

var Version = "0.1.0-dev"

// APIServer is the local control surface: a small REST API plus a websocket
// event stream. It is how a view talks to the node; it binds to loopback by
// default and runs on its own port, apart from the mesh.
type APIServer struct {
	node    *Node
	library *Library
	st      *store.Store
	hub     *EventHub
	echo    *echo.Echo
}

// NewAPIServer constructs an APIServer and registers all routes.
func NewAPIServer(node *Node, library *Library, st *store.Store, hub *EventHub) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &APIServer{node: node, library: library, st: st, hub: hub, echo: e}
	s.registerRoutes()
	return s
}

func (s *APIServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/status", s.handleStatus)
	s.echo.GET("/api/playlist", s.handlePlaylist)
	s.echo.POST("/api/playlist", s.handleAddTrack)
	s.echo.DELETE("/api/playlist/:id", s.handleRemoveTrack)
	s.echo.DELETE("/api/playlist", s.handleClearQueue)
	s.echo.POST("/api/control/:action", s.handleControl)
	s.echo.GET("/api/library", s.handleLibrary)
	s.echo.POST("/api/library/scan", s.handleScan)
	s.echo.GET("/api/version", s.handleVersion)
	s.echo.GET("/ws", s.handleWS)
}

// Run starts the echo server on addr and blocks until ctx is cancelled.
func (s *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

func (s *APIServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the payload for GET /api/status.
type StatusResponse struct {
	NodeID   string     `json:"node_id"`
	Username string     `json:"username"`
	Role     string     `json:"role"`
	LeaderID string     `json:"leader_id,omitempty"`
	Uptime   int64      `json:"uptime_s"`
	Peers    []PeerInfo `json:"peers"`
	Views    int        `json:"views"`
}

func (s *APIServer) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		NodeID:   s.node.id,
		Username: s.node.username,
		Role:     s.node.Role(),
		LeaderID: s.node.elector.LeaderID(),
		Uptime:   s.node.elector.Uptime(),
		Peers:    s.node.mesh.Peers(),
		Views:    s.hub.Count(),
	})
}

func (s *APIServer) handlePlaylist(c echo.Context) error {
	snap := s.node.state.Snapshot()
	pos, dur := s.node.state.Position(!s.node.elector.IsLeader())
	snap.Position = pos
	snap.Duration = dur
	return c.JSON(http.StatusOK, snap)
}

// AddTrackRequest is the body for POST /api/playlist.
type AddTrackRequest struct {
	Path string `json:"path"`
}

func (s *APIServer) handleAddTrack(c echo.Context) error {
	var req AddTrackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}
	t, err := s.node.AddTrack(c.Request().Context(), req.Path)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *APIServer) handleRemoveTrack(c echo.Context) error {
	if err := s.node.RemoveTrack(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIServer) handleClearQueue(c echo.Context) error {
	if err := s.node.ClearQueue(); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// handleControl dispatches playback intents: play, next, prev, seek,
// shuffle, repeat, volume. All of them are Host-only.
func (s *APIServer) handleControl(c echo.Context) error {
	var err error
	switch action := c.Param("action"); action {
	case "play":
		err = s.node.PlayPause()
	case "next":
		err = s.node.SkipNext()
	case "prev":
		err = s.node.SkipPrev()
	case "shuffle":
		err = s.node.ToggleShuffle()
	case "repeat":
		err = s.node.CycleRepeat()
	case "seek":
		percent, parseErr := strconv.ParseFloat(c.QueryParam("percent"), 64)
		if parseErr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "percent must be a number in 0..1")
		}
		err = s.node.Seek(percent)
	case "volume":
		level, parseErr := strconv.ParseFloat(c.QueryParam("level"), 64)
		if parseErr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "level must be a number in 0..1")
		}
		err = s.node.SetVolume(level)
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unknown action "+action)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIServer) handleLibrary(c echo.Context) error {
	tracks, err := s.library.Tracks()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if tracks == nil {
		tracks = []store.LibraryTrack{}
	}
	return c.JSON(http.StatusOK, tracks)
}

func (s *APIServer) handleScan(c echo.Context) error {
	n, err := s.library.Scan(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"indexed": n})
}

func (s *APIServer) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": Version})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleWS upgrades a view connection and streams UIUpdate frames until the
// view disconnects.
func (s *APIServer) handleWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	s.hub.Register(conn)
	s.node.pushUI()

	// Drain (and discard) client frames so pings are answered and closes
	// are noticed.
	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}
