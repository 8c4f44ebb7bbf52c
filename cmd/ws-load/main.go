// Command ws-load opens many reconciling websocket clients against a fan-out
// instance, joins each one to a task room and reports how many pushes arrived.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"task-fanout/domain"
	"task-fanout/reconciler"
)

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

type counters struct {
	events   atomic.Uint64
	resyncs  atomic.Uint64
	rejected atomic.Uint64
}

func main() {
	wsURL := getenv("WS_URL", "ws://localhost:8080/ws")
	conns := getenvInt("WS_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second
	taskID := getenv("TASK_ID", "load-task")
	userID := os.Getenv("USER_ID")
	bearer := os.Getenv("TEST_BEARER")

	logger := log.New()
	logger.SetLevel(log.WarnLevel)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var c counters
	var wg sync.WaitGroup
	wg.Add(conns)
	for range conns {
		go func() {
			defer wg.Done()
			runClient(ctx, wsURL, bearer, taskID, userID, logger, &c)
		}()
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if c.events.Load() == 0 {
				fmt.Println("no events received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	events := c.events.Load()
	resyncs := c.resyncs.Load()
	reconnects := uint64(0)
	if resyncs > uint64(conns) {
		reconnects = resyncs - uint64(conns)
	}
	fmt.Printf("connections=%d duration_sec=%d events_received=%d reconnects=%d rejected=%d\n",
		conns, int(duration.Seconds()), events, reconnects, c.rejected.Load())
	if events == 0 || c.rejected.Load() > 0 || float64(reconnects) > float64(conns)*0.01 {
		os.Exit(1)
	}
}

func runClient(ctx context.Context, url, bearer, taskID, userID string, logger *log.Logger, c *counters) {
	client := reconciler.NewClient(reconciler.ClientConfig{
		URL:        url,
		Token:      func(context.Context) (string, error) { return bearer, nil },
		Dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		MinBackoff: time.Second,
		MaxBackoff: 5 * time.Second,
		OnResync:   func(context.Context) { c.resyncs.Add(1) },
		OnRejected: func(domain.Rejection) { c.rejected.Add(1) },
		OnEvent:    func(string) { c.events.Add(1) },
		Logger:     logger,
	}, nil, nil)

	// Rooms are remembered and re-joined by the client on connect.
	_ = client.JoinTask(taskID)
	if userID != "" {
		_ = client.JoinUserRoom(userID)
	}
	_ = client.Run(ctx)
}
