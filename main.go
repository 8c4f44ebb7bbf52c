package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"task-fanout/api"
	"task-fanout/backplane"
	"task-fanout/emit"
	"task-fanout/ingest"
	"task-fanout/registry"
	"task-fanout/router"
	"task-fanout/storage"
)

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
		log.SetLevel(log.DebugLevel)
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
		log.SetFormatter(&log.JSONFormatter{})
	}
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(parseRedisOptions(cfg.RedisConnStr))
	defer rc.Close()

	store, err := storage.New(cfg.StorageConnStr, cfg.MembersTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	access := storage.NewCache(store, rc, cfg.AccessCacheTTL)

	reg := registry.New()
	rt := router.New(reg, logger)

	var pub emit.Publisher = rt
	if cfg.Backplane == "redis" {
		bp := backplane.New(rc, cfg.FanoutChannel, rt, logger)
		go bp.Run(ctx)
		pub = bp
		logger.WithFields(log.Fields{"channel": cfg.FanoutChannel, "instance": bp.Instance()}).Info("backplane: redis")
	}
	hook := emit.New(pub, emit.Config{
		Buffer:         cfg.EmitBuffer,
		HandoffTimeout: cfg.EmitHandoffTimeout,
	}, logger)

	validate := validator.New()
	decoder := ingest.NewDecoder(validate)
	if cfg.EventsQueue != "" {
		q, err := ingest.NewAzureQueue(cfg.StorageConnStr, cfg.EventsQueue)
		if err != nil {
			log.Fatalf("queue: %v", err)
		}
		go ingest.NewConsumer(q, decoder, hook, cfg.QueueIdle, logger).Run(ctx)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	api.Register(e, api.Options{
		Connections:  reg,
		Auth:         newAuth(cfg),
		Authz:        access,
		Emitter:      hook,
		Decoder:      decoder,
		Validate:     validate,
		ServiceToken: cfg.ServiceToken,
		Conn: api.ConnConfig{
			SendBuffer:   cfg.SendBuffer,
			PingInterval: cfg.PingInterval,
			PongTimeout:  cfg.PongTimeout,
		},
		AuthzTimeout:   cfg.AuthzTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        prometheus.NewRegistry(),
		Logger:         logger,
	})

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	hook.Close()
}

func newAuth(cfg config) *api.Auth {
	if cfg.AuthTestMode {
		return api.NewAuth(api.AuthConfig{TestSecret: []byte(cfg.TestSecret)})
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:     jwks,
		Audience: cfg.AuthAudience,
		Issuer:   "https://" + cfg.AuthDomain + "/",
	})
}
