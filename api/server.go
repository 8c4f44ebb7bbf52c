package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"task-fanout/domain"
	"task-fanout/ingest"
	"task-fanout/protocol"
	"task-fanout/registry"
)

// Connections is the connection registry as seen by the HTTP layer.
type Connections interface {
	protocol.Membership
	Counts
	Register(c registry.Conn) string
	Unregister(id string)
}

// Authenticator resolves the user behind a channel-open token.
type Authenticator interface {
	UserIDFromToken(token string) (string, error)
}

// Emitter accepts events for fan-out without blocking.
type Emitter interface {
	Emit(ctx context.Context, ev domain.Event) bool
}

// Options wires the HTTP surface.
type Options struct {
	Connections    Connections
	Auth           Authenticator
	Authz          protocol.Authorizer
	Emitter        Emitter
	Decoder        *ingest.Decoder
	Validate       *validator.Validate
	ServiceToken   string
	Conn           ConnConfig
	AuthzTimeout   time.Duration
	AllowedOrigins []string
	Metrics        *prometheus.Registry
	Logger         *log.Logger
}

// Server serves the websocket channel and the ingestion endpoint.
type Server struct {
	conns        Connections
	auth         Authenticator
	authz        protocol.Authorizer
	emitter      Emitter
	decoder      *ingest.Decoder
	validate     *validator.Validate
	serviceToken string
	connCfg      ConnConfig
	authzTimeout time.Duration
	upgrader     websocket.Upgrader
	metrics      *fanoutMetrics
	logger       *log.Logger
}

// Register wires up the fan-out endpoints on the given Echo instance.
func Register(e *echo.Echo, opts Options) *Server {
	if opts.Logger == nil {
		panic("api: logger is required")
	}
	reg := opts.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if opts.Validate == nil {
		opts.Validate = validator.New()
	}
	if opts.Decoder == nil {
		opts.Decoder = ingest.NewDecoder(opts.Validate)
	}
	if opts.AuthzTimeout <= 0 {
		opts.AuthzTimeout = 5 * time.Second
	}

	s := &Server{
		conns:        opts.Connections,
		auth:         opts.Auth,
		authz:        opts.Authz,
		emitter:      opts.Emitter,
		decoder:      opts.Decoder,
		validate:     opts.Validate,
		serviceToken: opts.ServiceToken,
		connCfg:      opts.Conn.withDefaults(),
		authzTimeout: opts.AuthzTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		metrics: newFanoutMetrics(reg, opts.Connections),
		logger:  opts.Logger,
	}

	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "fanout",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			p := c.Path()
			return p == "/metrics" || p == "/ws"
		},
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
	e.GET("/healthz", s.healthz)
	e.GET("/ws", s.serveWS)
	e.POST("/internal/events", s.postEvent, inflateBody(postEventMaxSize))
	return s
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Topics      int    `json:"topics"`
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.conns.Count(),
		Topics:      s.conns.TopicCount(),
	})
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get(echo.HeaderOrigin)
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
