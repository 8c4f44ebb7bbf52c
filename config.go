package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type config struct {
	ListenAddr string

	StorageConnStr string
	MembersTable   string
	EventsQueue    string
	QueueIdle      time.Duration

	RedisConnStr   string
	Backplane      string
	FanoutChannel  string
	AccessCacheTTL time.Duration

	AuthTestMode bool
	TestSecret   string
	AuthDomain   string
	AuthAudience string

	ServiceToken   string
	AllowedOrigins []string

	SendBuffer   int
	PingInterval time.Duration
	PongTimeout  time.Duration
	AuthzTimeout time.Duration

	EmitBuffer         int
	EmitHandoffTimeout time.Duration
}

func loadConfig() config {
	cfg := config{
		ListenAddr:         ":8080",
		StorageConnStr:     os.Getenv("STORAGE_CONNECTION_STRING"),
		MembersTable:       os.Getenv("TASK_MEMBERS_TABLE"),
		EventsQueue:        os.Getenv("DOMAIN_EVENTS_QUEUE"),
		QueueIdle:          envDur("DOMAIN_EVENTS_IDLE", time.Second),
		RedisConnStr:       os.Getenv("REDIS_CONNECTION_STRING"),
		Backplane:          envString("BACKPLANE", "redis"),
		FanoutChannel:      envString("FANOUT_CHANNEL", "fanout-events"),
		AccessCacheTTL:     envDur("ACCESS_CACHE_TTL", time.Minute),
		AuthTestMode:       envBool("AUTH0_TEST_MODE", false),
		TestSecret:         os.Getenv("TEST_JWT_SECRET"),
		AuthDomain:         os.Getenv("AUTH0_DOMAIN"),
		AuthAudience:       os.Getenv("AUTH0_AUDIENCE"),
		ServiceToken:       os.Getenv("EMIT_SERVICE_TOKEN"),
		AllowedOrigins:     splitList(envString("ALLOWED_ORIGINS", "*")),
		SendBuffer:         envInt("WS_SEND_BUFFER", 64),
		PingInterval:       envDur("WS_PING_INTERVAL", 0),
		PongTimeout:        envDur("WS_PONG_TIMEOUT", 60*time.Second),
		AuthzTimeout:       envDur("AUTHZ_TIMEOUT", 5*time.Second),
		EmitBuffer:         envInt("EMIT_BUFFER", 1024),
		EmitHandoffTimeout: envDur("EMIT_HANDOFF_TIMEOUT", 0),
	}
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		cfg.ListenAddr = ":" + val
	}
	if err := cfg.validate(); err != nil {
		log.Fatal(err)
	}
	return cfg
}

func (c config) validate() error {
	if c.StorageConnStr == "" || c.MembersTable == "" {
		return fmt.Errorf("missing storage config")
	}
	if c.RedisConnStr == "" {
		return fmt.Errorf("missing redis config")
	}
	if c.Backplane != "redis" && c.Backplane != "local" {
		return fmt.Errorf("invalid BACKPLANE %q: must be redis or local", c.Backplane)
	}
	if c.AuthTestMode {
		if c.TestSecret == "" {
			return fmt.Errorf("TEST_JWT_SECRET must be set in test mode")
		}
	} else if c.AuthDomain == "" || c.AuthAudience == "" {
		return fmt.Errorf("missing Auth0 config")
	}
	if c.ServiceToken == "" {
		return fmt.Errorf("missing EMIT_SERVICE_TOKEN")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("invalid WS_SEND_BUFFER: must be greater than zero")
	}
	if c.PingInterval > 0 && c.PingInterval >= c.PongTimeout {
		return fmt.Errorf("WS_PING_INTERVAL must be shorter than WS_PONG_TIMEOUT")
	}
	return nil
}

// parseRedisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func parseRedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Fatalf("invalid %s: %q", key, v)
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
