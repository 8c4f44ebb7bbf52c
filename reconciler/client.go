package reconciler

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"task-fanout/domain"
)

// ErrNotConnected is returned by subscription calls while no channel is open.
// The request is still remembered and sent on the next connect.
var ErrNotConnected = errors.New("reconciler: not connected")

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL of the websocket endpoint, e.g. ws://host/ws.
	URL string
	// Token returns the bearer token presented on every (re)connect.
	Token      func(ctx context.Context) (string, error)
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnResync runs once the server has acknowledged or rejected every
	// outstanding join, after a reconnect as well as after later joins.
	// Owners re-fetch state over REST here to cover events missed while
	// offline; fetching earlier could miss an event emitted before the join
	// took effect.
	OnResync func(ctx context.Context)
	// OnRejected receives subscription_rejected frames.
	OnRejected func(domain.Rejection)
	// OnEvent observes every task_updated and notification push.
	OnEvent func(event string)
	Logger  *log.Logger
}

// Client keeps a live channel to the fan-out service. It remembers the rooms
// its owner asked for and re-joins them after every reconnect, since the
// server discards membership when a channel closes.
type Client struct {
	cfg           ClientConfig
	tasks         *Collection[domain.Task]
	notifications *NotificationCollection

	mu       sync.Mutex
	ws       *websocket.Conn
	wantTask map[string]struct{}
	wantUser string

	// joins sent on the current connection that the server has not answered
	pending   map[domain.Topic]struct{}
	resyncDue bool
}

// NewClient creates a client that routes task pushes into tasks and
// notification pushes into notifications. Either may be nil.
func NewClient(cfg ClientConfig, tasks *Collection[domain.Task], notifications *NotificationCollection) *Client {
	if cfg.Logger == nil {
		panic("reconciler: logger is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Client{
		cfg:           cfg,
		tasks:         tasks,
		notifications: notifications,
		wantTask:      make(map[string]struct{}),
		pending:       make(map[domain.Topic]struct{}),
	}
}

// JoinTask asks for pushes of taskID, now and after every reconnect.
func (c *Client) JoinTask(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wantTask[taskID] = struct{}{}
	return c.joinLocked(domain.EventJoinTask, taskID, domain.TaskTopic(taskID))
}

// LeaveTask stops pushes of taskID.
func (c *Client) LeaveTask(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.wantTask, taskID)
	return c.sendLocked(domain.EventLeaveTask, taskID)
}

// JoinUserRoom asks for the personal notifications of userID.
func (c *Client) JoinUserRoom(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wantUser = userID
	return c.joinLocked(domain.EventJoinUserRoom, userID, domain.UserTopic(userID))
}

// Connected reports whether a channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// joinLocked sends a join and holds the next resync until it is answered.
func (c *Client) joinLocked(event, id string, topic domain.Topic) error {
	if err := c.sendLocked(event, id); err != nil {
		return err
	}
	c.pending[topic] = struct{}{}
	c.resyncDue = true
	return nil
}

// sendLocked writes a subscription request on the live channel. Without one
// the request is only remembered and goes out on the next connect.
func (c *Client) sendLocked(event, id string) error {
	if c.ws == nil {
		return ErrNotConnected
	}
	data := map[string]string{"taskId": id}
	if event == domain.EventJoinUserRoom {
		data = map[string]string{"userId": id}
	}
	frame, err := domain.EncodeFrame(event, data)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Run keeps the channel open until ctx ends, reconnecting with capped
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		ws, err := c.dial(ctx)
		if err == nil {
			backoff = c.cfg.MinBackoff
			err = c.serve(ctx, ws)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.cfg.Logger.WithError(err).WithField("retry_in", backoff).Warn("reconciler: channel lost")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != nil {
		token, err := c.cfg.Token(ctx)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	return ws, err
}

func (c *Client) serve(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		_ = ws.Close()
	}()

	if err := c.rejoin(ws); err != nil {
		return err
	}
	c.cfg.Logger.Debug("reconciler: connected")

	for {
		if c.resyncReady() {
			c.cfg.Logger.Debug("reconciler: rooms joined, resyncing")
			if c.cfg.OnResync != nil {
				c.cfg.OnResync(ctx)
			}
		}
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		c.handle(msg)
	}
}

// resyncReady reports, once per batch of joins, that every join sent on the
// current connection has been answered.
func (c *Client) resyncReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.resyncDue || len(c.pending) > 0 {
		return false
	}
	c.resyncDue = false
	return true
}

// answered clears a join the server acknowledged or rejected.
func (c *Client) answered(topic domain.Topic) {
	c.mu.Lock()
	delete(c.pending, topic)
	c.mu.Unlock()
}

// rejoin publishes ws as the live channel and re-issues every remembered
// subscription on it, in one critical section so a concurrent JoinTask is
// neither lost nor sent twice.
func (c *Client) rejoin(ws *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = ws
	c.pending = make(map[domain.Topic]struct{})
	c.resyncDue = false
	if c.wantUser != "" {
		if err := c.joinLocked(domain.EventJoinUserRoom, c.wantUser, domain.UserTopic(c.wantUser)); err != nil {
			return err
		}
	}
	ids := make([]string, 0, len(c.wantTask))
	for id := range c.wantTask {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := c.joinLocked(domain.EventJoinTask, id, domain.TaskTopic(id)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handle(msg []byte) {
	f, err := domain.DecodeFrame(msg)
	if err != nil {
		c.cfg.Logger.WithError(err).Warn("reconciler: bad frame")
		return
	}
	entry := c.cfg.Logger.WithField("event", f.Event)
	if c.cfg.OnEvent != nil && (f.Event == domain.EventTaskUpdated || f.Event == domain.EventNotification) {
		c.cfg.OnEvent(f.Event)
	}
	switch f.Event {
	case domain.EventTaskUpdated:
		var t domain.Task
		if err := sonic.Unmarshal(f.Data, &t); err != nil {
			entry.WithError(err).Warn("reconciler: bad task")
			return
		}
		if c.tasks != nil {
			entry.WithFields(log.Fields{"task": t.ID, "outcome": c.tasks.OnPush(t)}).Debug("reconciler: task pushed")
		}
	case domain.EventNotification:
		var n domain.Notification
		if err := sonic.Unmarshal(f.Data, &n); err != nil {
			entry.WithError(err).Warn("reconciler: bad notification")
			return
		}
		if c.notifications != nil {
			entry.WithFields(log.Fields{"notification": n.ID, "outcome": c.notifications.OnPush(n)}).Debug("reconciler: notification pushed")
		}
	case domain.EventSubscriptionRejected:
		var rej domain.Rejection
		if err := sonic.Unmarshal(f.Data, &rej); err != nil {
			entry.WithError(err).Warn("reconciler: bad rejection")
			return
		}
		entry.WithField("reason", rej.Reason).Warn("reconciler: subscription rejected")
		switch rej.Event {
		case domain.EventJoinTask:
			c.answered(domain.TaskTopic(rej.TaskID))
		case domain.EventJoinUserRoom:
			c.answered(domain.UserTopic(rej.UserID))
		}
		if c.cfg.OnRejected != nil {
			c.cfg.OnRejected(rej)
		}
	case domain.EventSubscribed:
		var ack domain.Ack
		if err := sonic.Unmarshal(f.Data, &ack); err != nil {
			entry.WithError(err).Warn("reconciler: bad ack")
			return
		}
		entry.WithField("topic", ack.Topic).Debug("reconciler: subscribed")
		c.answered(ack.Topic)
	default:
		entry.Debug("reconciler: frame")
	}
}
