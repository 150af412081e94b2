package moonraker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"printlog/internal/config"
	"printlog/internal/logging"
	"printlog/internal/models"
)

// State is the connection lifecycle of a Client. It is never persisted.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives every decoded frame, in arrival order, on the client's
// receive goroutine.
type Handler func(printerID int64, n Notification)

// Options tune reconnect and timeout behaviour.
type Options struct {
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	ReadTimeout          time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration

	// OnGiveUp runs on the receive goroutine after reconnect attempts are exhausted.
	OnGiveUp func(printerID int64)
	// OnStateChange runs on every state transition.
	OnStateChange func(printerID int64, from, to State)
}

func DefaultOptions() Options {
	return Options{
		ReconnectDelay:       5 * time.Second,
		MaxReconnectDelay:    60 * time.Second,
		MaxReconnectAttempts: 10,
		ReadTimeout:          60 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

// OptionsFromConfig applies the MOONRAKER_* settings over the defaults.
func OptionsFromConfig(cfg config.Config) Options {
	opts := DefaultOptions()
	if cfg.MoonrakerReconnectDelay > 0 {
		opts.ReconnectDelay = cfg.MoonrakerReconnectDelay
	}
	if cfg.MoonrakerMaxReconnectDelay > 0 {
		opts.MaxReconnectDelay = cfg.MoonrakerMaxReconnectDelay
	}
	if cfg.MoonrakerMaxReconnectAttempts > 0 {
		opts.MaxReconnectAttempts = cfg.MoonrakerMaxReconnectAttempts
	}
	if cfg.MoonrakerReadTimeout > 0 {
		opts.ReadTimeout = cfg.MoonrakerReadTimeout
	}
	if cfg.MoonrakerHandshakeTimeout > 0 {
		opts.HandshakeTimeout = cfg.MoonrakerHandshakeTimeout
	}
	return opts
}

var (
	ErrNotConnected = errors.New("moonraker: not connected")
	ErrClosed       = errors.New("moonraker: client closed")
)

// Client keeps one websocket to one controller. A Client is single use:
// after Disconnect a new one must be created.
type Client struct {
	identity models.PrinterIdentity
	wsURL    string
	handler  Handler
	opts     Options
	dialer   *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn
	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	running  atomic.Bool
	state    atomic.Int32
	nextID   atomic.Int64
	stopCh   chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewClient(identity models.PrinterIdentity, handler Handler, opts Options) *Client {
	def := DefaultOptions()
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		identity: identity,
		wsURL:    WebSocketURL(identity.URL),
		handler:  handler,
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Client) PrinterID() int64 { return c.identity.ID }

func (c *Client) URL() string { return c.wsURL }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	from := State(c.state.Swap(int32(s)))
	if from != s && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(c.identity.ID, from, s)
	}
}

// Connect opens the transport, subscribes, queries the current state and
// starts the receive loop. It does not retry; a failed Connect leaves the
// client Disconnected.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrClosed
	default:
	}
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("moonraker: already connected")
	}

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	err := c.establish(dialCtx)
	stop()
	cancel()
	if err != nil {
		c.running.Store(false)
		c.setState(StateDisconnected)
		return err
	}

	c.wg.Add(1)
	go c.receiveLoop()
	return nil
}

// establish dials and subscribes. It is shared by Connect and reconnect so a
// new transport always gets its subscriptions back.
func (c *Client) establish(ctx context.Context) error {
	c.setState(StateConnecting)
	c.closeConn()

	header := http.Header{}
	if c.identity.APIKey != "" {
		header.Set("X-Api-Key", c.identity.APIKey)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s (status %d): %w", c.wsURL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", c.wsURL, err)
	}

	c.connMu.Lock()
	if !c.running.Load() {
		c.connMu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connMu.Unlock()

	logging.Info().Int64("printer_id", c.identity.ID).Str("url", c.wsURL).Msg("connected to controller")

	for _, topic := range Topics {
		if err := c.Subscribe(topic); err != nil {
			c.closeConn()
			return err
		}
	}
	if err := c.send(newObjectsRequest("query", c.nextID.Add(1), Topics...)); err != nil {
		c.closeConn()
		return fmt.Errorf("query objects: %w", err)
	}
	c.setState(StateSubscribed)
	return nil
}

// Subscribe asks the controller to push changes of one printer object.
// Responses are not correlated.
func (c *Client) Subscribe(topic string) error {
	if err := c.send(newObjectsRequest("subscribe", c.nextID.Add(1), topic)); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	logging.Debug().Int64("printer_id", c.identity.ID).Str("topic", topic).Msg("subscribed")
	return nil
}

func (c *Client) send(req request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	log := logging.With().Int64("printer_id", c.identity.ID).Logger()

	for c.running.Load() {
		conn := c.currentConn()
		if conn == nil {
			if c.reconnect(c.opts.MaxReconnectAttempts) {
				continue
			}
			if !c.running.CompareAndSwap(true, false) {
				return
			}
			log.Error().Int("attempts", c.opts.MaxReconnectAttempts).Msg("giving up on controller connection")
			c.setState(StateDisconnected)
			if c.opts.OnGiveUp != nil {
				c.opts.OnGiveUp(c.identity.ID)
			}
			return
		}

		if c.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !c.running.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Msg("controller closed connection")
			} else {
				log.Warn().Err(err).Msg("read failed")
			}
			c.dropConn(conn)
			continue
		}

		if c.State() == StateSubscribed {
			c.setState(StateStreaming)
		}

		n, err := Decode(frame)
		if errors.Is(err, ErrEmptyFrame) {
			log.Debug().Msg("empty frame")
			continue
		}
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.handler(c.identity.ID, n)
	}
}

// reconnect re-establishes the transport with exponential backoff. It runs on
// the receive goroutine and never starts a second loop.
func (c *Client) reconnect(maxAttempts int) bool {
	c.setState(StateReconnecting)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if !c.running.Load() {
			return false
		}
		delay := BackoffDelay(attempt, c.opts.ReconnectDelay, c.opts.MaxReconnectDelay)
		logging.Info().Int64("printer_id", c.identity.ID).Int("attempt", attempt+1).Int("max_attempts", maxAttempts).
			Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.stopCh:
			timer.Stop()
			return false
		}
		if !c.running.Load() {
			return false
		}

		if err := c.establish(c.ctx); err != nil {
			logging.Debug().Int64("printer_id", c.identity.ID).Int("attempt", attempt+1).Err(err).Msg("reconnect attempt failed")
			c.setState(StateReconnecting)
			continue
		}
		logging.Info().Int64("printer_id", c.identity.ID).Msg("reconnected")
		return true
	}
	return false
}

// Disconnect stops the receive loop and closes the transport. It is
// idempotent and returns once the loop has exited. It must not be called
// from the Handler.
func (c *Client) Disconnect() {
	c.running.Store(false)
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.cancel()
	})
	c.closeConn()
	c.wg.Wait()
	c.setState(StateDisconnected)
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()
}

// dropConn discards conn after a read failure unless it was already replaced.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close()
}
