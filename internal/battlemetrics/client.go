// Package battlemetrics is the Feed Adapter: it holds the BattleMetrics
// WebSocket connection and turns PLAYER_JOIN / PLAYER_LEAVE frames into
// reconciliation calls.
//
// A Client is created by the composition root and handed to whatever needs
// it. Lifecycle:
//   - Connect dials with a bounded number of attempts
//   - Subscribe adds a server channel (replayed on every connect)
//   - Run reads frames until ctx ends, reconnecting as needed
//   - Disconnect closes the socket and parks Run until Reconnect or Connect
package battlemetrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/metrics"
	"github.com/clanops/rustmap/internal/tracker"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// EventSink receives validated player events in feed order.
type EventSink interface {
	RecordJoin(ctx context.Context, evt domain.PlayerEvent) (*tracker.Result, error)
	RecordLeave(ctx context.Context, evt domain.PlayerEvent) (*tracker.Result, error)
}

// State is the connection state reported by Status.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateDegraded means the last bounded series of dial attempts failed.
	// Stored data stays readable; no new events arrive until a reconnect.
	StateDegraded State = "degraded"
)

// Options configures a Client.
type Options struct {
	URL              string
	Token            string
	MaxAttempts      int
	RetryDelay       time.Duration
	RecoveryInterval time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = 5 * time.Minute
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * o.PingInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

// Status is a point-in-time view of the client.
type Status struct {
	State         State      `json:"state"`
	URL           string     `json:"url"`
	Subscriptions []string   `json:"subscriptions"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	FailedDials   int        `json:"failed_dials"`
}

// Client is the BattleMetrics WebSocket Feed Adapter.
type Client struct {
	opts   Options
	sink   EventSink
	clock  clockwork.Clock
	logger *slog.Logger
	dialer *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	connDone    chan struct{}
	state       State
	stopped     bool // set by Disconnect, cleared by Connect/Reconnect
	subs        map[string]struct{}
	connectedAt time.Time
	lastErr     error
	failedDials int

	writeMu sync.Mutex
	wake    chan struct{}

	// afterReplay, when set, runs between the subscription replay and
	// publishing the new socket. Tests use it to interleave calls.
	afterReplay func()
}

// NewClient creates a disconnected client.
func NewClient(opts Options, sink EventSink, clock clockwork.Clock, logger *slog.Logger) *Client {
	opts.applyDefaults()
	return &Client{
		opts:   opts,
		sink:   sink,
		clock:  clock,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		state:  StateDisconnected,
		subs:   make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// Connect dials the feed, retrying up to MaxAttempts times with RetryDelay
// between attempts. On success it authenticates and replays subscriptions.
// After the last failed attempt the client is degraded and a
// *ConnectionError is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return err
	}
	c.signal()
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.stopped {
		c.mu.Unlock()
		return errStopped
	}
	c.state = StateConnecting
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if c.isStopped() {
			c.setDisconnected()
			return errStopped
		}
		err := c.dial(ctx)
		if errors.Is(err, errStopped) {
			c.setDisconnected()
			return err
		}
		metrics.RecordFeedConnectAttempt(err)
		if err == nil {
			return nil
		}
		lastErr = err

		c.mu.Lock()
		c.failedDials++
		c.mu.Unlock()
		c.logger.Warn("battlemetrics dial failed",
			"attempt", attempt, "max_attempts", c.opts.MaxAttempts, "error", err)

		if attempt == c.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			c.setDegraded(ctx.Err())
			return ctx.Err()
		case <-c.clock.After(c.opts.RetryDelay):
		}
	}

	if c.isStopped() {
		c.setDisconnected()
		return errStopped
	}
	connErr := &ConnectionError{Attempts: c.opts.MaxAttempts, Err: lastErr}
	c.setDegraded(connErr)
	c.logger.Error("battlemetrics feed degraded", "error", connErr)
	return connErr
}

func (c *Client) dial(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(c.clock.Now().Add(c.opts.ReadTimeout))
	})

	if c.opts.Token != "" {
		if err := c.writeConn(conn, authCommand(c.opts.Token)); err != nil {
			conn.Close()
			return fmt.Errorf("send auth: %w", err)
		}
	}

	c.mu.Lock()
	subs := c.subscriptionsLocked()
	c.mu.Unlock()
	if len(subs) > 0 {
		if err := c.writeConn(conn, joinCommand(subs...)); err != nil {
			conn.Close()
			return fmt.Errorf("replay subscriptions: %w", err)
		}
	}
	if c.afterReplay != nil {
		c.afterReplay()
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.conn != nil {
		// Lost a race with a concurrent Connect.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return errStopped
	}
	c.conn = conn
	c.connDone = done
	c.state = StateConnected
	c.connectedAt = c.clock.Now()
	c.lastErr = nil
	// Subscribe calls that ran during the replay saw no socket.
	missed := c.missingLocked(subs)
	c.mu.Unlock()

	metrics.SetFeedConnected(true)
	c.logger.Info("battlemetrics connected", "url", c.opts.URL, "subscriptions", len(subs)+len(missed))

	go c.pingLoop(conn, done)

	if len(missed) > 0 {
		if err := c.writeConn(conn, joinCommand(missed...)); err != nil {
			c.logger.Warn("battlemetrics late subscribe failed, redialing", "servers", missed, "error", err)
			_ = c.closeConn(conn)
		}
	}
	return nil
}

// Disconnect closes the socket. Run stays idle until Reconnect or Connect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	err := c.closeConn(nil)
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.logger.Info("battlemetrics disconnected")
	return err
}

// Reconnect drops the current socket, if any, and asks Run to dial again
// right away. It also lifts a degraded state before the recovery interval.
func (c *Client) Reconnect() {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()

	_ = c.closeConn(nil)
	c.signal()
}

// Subscribe adds serverID to the set of followed servers. When connected
// the join is sent immediately; otherwise it is sent on the next connect.
func (c *Client) Subscribe(ctx context.Context, serverID string) error {
	if serverID == "" {
		return ErrEmptyServerID
	}

	c.mu.Lock()
	_, exists := c.subs[serverID]
	c.subs[serverID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if exists || conn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.writeConn(conn, joinCommand(serverID)); err != nil {
		return fmt.Errorf("subscribe %s: %w", serverID, err)
	}
	c.logger.Info("battlemetrics subscribed", "server_id", serverID)
	return nil
}

// Status reports the connection state and subscriptions.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:         c.state,
		URL:           c.opts.URL,
		Subscriptions: c.subscriptionsLocked(),
		FailedDials:   c.failedDials,
	}
	if c.conn != nil {
		at := c.connectedAt
		st.ConnectedAt = &at
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Run reads and dispatches frames until ctx is done. A dropped socket is
// redialed; a failed bounded series waits for Reconnect or the recovery
// interval before trying again.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.closeConn(nil) })
	defer stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		c.mu.Lock()
		conn, stopped := c.conn, c.stopped
		c.mu.Unlock()

		if conn == nil {
			if stopped {
				if !c.waitWake(ctx, 0) {
					return nil
				}
				continue
			}
			if err := c.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, errStopped) {
					continue
				}
				c.logger.Info("battlemetrics recovery scheduled", "in", c.opts.RecoveryInterval)
				if !c.waitWake(ctx, c.opts.RecoveryInterval) {
					return nil
				}
			}
			continue
		}

		err := c.readLoop(ctx, conn)
		_ = c.closeConn(conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("battlemetrics connection lost", "error", err)
	}
}

// waitWake blocks until a wake signal, the timeout (0 = none) or ctx end.
// It returns false when ctx ended.
func (c *Client) waitWake(ctx context.Context, timeout time.Duration) bool {
	var timer <-chan time.Time
	if timeout > 0 {
		timer = c.clock.After(timeout)
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.wake:
		return true
	case <-timer:
		return true
	}
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// readLoop dispatches frames sequentially on this goroutine, so events are
// handed to the sink in the order the feed sent them.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := conn.SetReadDeadline(c.clock.Now().Add(c.opts.ReadTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		metrics.RecordFeedFrame("invalid")
		c.logger.Warn("battlemetrics frame decode failed", "error", err)
		return
	}
	metrics.RecordFeedFrame(f.Type)

	switch f.Type {
	case FramePlayerJoin:
		c.dispatch(ctx, domain.ActionJoined, f.Payload)
	case FramePlayerLeave:
		c.dispatch(ctx, domain.ActionLeft, f.Payload)
	default:
		c.logger.Debug("battlemetrics frame skipped", "type", f.Type)
	}
}

// dispatch validates one player frame and forwards it to the sink. Sink
// errors are logged; the read loop keeps going.
func (c *Client) dispatch(ctx context.Context, action domain.Action, raw json.RawMessage) {
	var p playerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Warn("battlemetrics player payload decode failed", "action", action, "error", err)
		return
	}
	evt := p.event()
	if err := domain.ValidatePlayerEvent(evt); err != nil {
		c.logger.Warn("battlemetrics player event rejected",
			"action", action, "server_id", evt.ServerID, "player_name", evt.PlayerName, "error", err)
		return
	}
	if !c.subscribed(evt.ServerID) {
		c.logger.Debug("battlemetrics event for unsubscribed server", "server_id", evt.ServerID)
		return
	}

	// A received event is reconciled to completion even if Run is stopping.
	sinkCtx := context.WithoutCancel(ctx)
	var err error
	if action == domain.ActionJoined {
		_, err = c.sink.RecordJoin(sinkCtx, evt)
	} else {
		_, err = c.sink.RecordLeave(sinkCtx, evt)
	}
	if err != nil {
		c.logger.Error("player event not recorded",
			"action", action, "server_id", evt.ServerID, "player_name", evt.PlayerName, "error", err)
	}
}

func (c *Client) subscribed(serverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[serverID]
	return ok
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := c.clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			deadline := c.clock.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn("battlemetrics ping failed", "error", err)
				_ = c.closeConn(conn)
				return
			}
		}
	}
}

func (c *Client) writeConn(conn *websocket.Conn, cmd command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(c.clock.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// closeConn closes the current socket. With a non-nil only it is a no-op
// unless only is still the current socket.
func (c *Client) closeConn(only *websocket.Conn) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || (only != nil && only != conn) {
		c.mu.Unlock()
		return nil
	}
	c.conn = nil
	close(c.connDone)
	c.connDone = nil
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	metrics.SetFeedConnected(false)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		c.clock.Now().Add(time.Second))
	if err := conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.state = StateDisconnected
	}
}

func (c *Client) setDegraded(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDegraded
	c.lastErr = err
	metrics.SetFeedConnected(false)
}

// missingLocked returns the subscriptions not in sent, sorted.
func (c *Client) missingLocked(sent []string) []string {
	seen := make(map[string]struct{}, len(sent))
	for _, id := range sent {
		seen[id] = struct{}{}
	}
	var out []string
	for id := range c.subs {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Client) subscriptionsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
