// Package websocket provides a reconnecting WebSocket client used by
// streaming market data feeds.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"optionsbot/internal/core"
	"optionsbot/pkg/telemetry"
)

// MessageHandler handles an incoming message.
type MessageHandler func(message []byte)

// Client is a resilient WebSocket client with automatic reconnection and
// ping/pong keepalive.
type Client struct {
	url           string
	handler       MessageHandler
	reconnectWait time.Duration

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected func() // resubscribe hook

	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration

	logger core.Logger

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

// NewClient creates a WebSocket client for the given endpoint.
func NewClient(url string, handler MessageHandler, logger core.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))

	return &Client{
		url:           url,
		handler:       handler,
		reconnectWait: 5 * time.Second,
		pingInterval:  30 * time.Second,
		pingWait:      10 * time.Second,
		pongWait:      60 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.WithField("component", "ws_client"),
		tracer:        tracer,
		msgCounter:    msgCounter,
		connCounter:   connCounter,
	}
}

// SetPingConfig overrides the keepalive timing.
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetOnConnected registers a callback invoked after every successful
// connect, typically used to re-send subscriptions.
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send writes a JSON message to the socket.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

// Start connects and begins the read loop in the background.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and waits for the loops to exit.
func (c *Client) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("WebSocket client Stop: read loop did not exit within timeout")
	}

	c.closeConn()
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connect(); err != nil {
			c.logger.Error("WebSocket connect failed", "url", c.url, "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.reconnectWait):
			}
			continue
		}

		c.mu.Lock()
		onConnected := c.onConnected
		pingInterval := c.pingInterval
		c.mu.Unlock()

		if onConnected != nil {
			onConnected()
		}

		heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
		if pingInterval > 0 {
			c.wg.Add(1)
			go c.heartbeat(heartbeatCtx)
		}

		c.readLoop()
		heartbeatCancel()

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectWait):
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	c.mu.Lock()
	interval := c.pingInterval
	wait := c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wait)); err != nil {
				// Failed ping closes the connection to trigger reconnect.
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)))
	defer span.End()

	c.connCounter.Add(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	c.conn = conn
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.closeConn()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.logger.Warn("WebSocket read failed, reconnecting", "error", err)
			}
			return
		}

		c.msgCounter.Add(c.ctx, 1)
		if c.handler != nil {
			c.handler(message)
		}
	}
}
