// ABOUTME: AMQP connection management for the message transport
// ABOUTME: Declares the inbound and outbound topic exchanges and redials with jittered backoff

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClosed indicates the client was closed.
var ErrClosed = errors.New("transport closed")

// Config describes the broker topology.
type Config struct {
	URL              string
	InboundExchange  string   // topic exchange carrying visitor and agent messages
	OutboundExchange string   // topic exchange receiving delivery events
	Queue            string   // durable queue this node consumes from
	BindingKeys      []string // routing keys bound to Queue
	Prefetch         int
	DialTimeout      time.Duration
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration

	// Dialer overrides amqp.Dial, for tests.
	Dialer func(url string) (*amqp.Connection, error)
}

func (c *Config) applyDefaults() {
	if c.InboundExchange == "" {
		c.InboundExchange = "coven.inbound"
	}
	if c.OutboundExchange == "" {
		c.OutboundExchange = "coven.outbound"
	}
	if c.Queue == "" {
		c.Queue = "coven-desk.inbound"
	}
	if len(c.BindingKeys) == 0 {
		c.BindingKeys = []string{"visitor.#", "agent.#"}
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 32
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
}

// Client owns one AMQP connection and a publishing channel.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

// Dial connects to the broker and declares both exchanges.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "amqp"),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

func (c *Client) connect(ctx context.Context) error {
	host := ""
	if u, err := url.Parse(c.cfg.URL); err == nil {
		host = u.Host
	}
	c.logger.Info("connecting to broker", "host", host)

	dial := c.cfg.Dialer
	if dial == nil {
		dial = func(u string) (*amqp.Connection, error) {
			return amqp.DialConfig(u, amqp.Config{Dial: amqp.DefaultDial(c.cfg.DialTimeout)})
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}
	for _, ex := range []string{c.cfg.InboundExchange, c.cfg.OutboundExchange} {
		if err := ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("declaring exchange %s: %w", ex, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return ErrClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.pubCh = ch
	c.logger.Info("broker connection ready")
	return nil
}

// reconnect redials until it succeeds or ctx ends.
func (c *Client) reconnect(ctx context.Context) error {
	backoff := c.cfg.ReconnectBase
	for {
		err := c.connect(ctx)
		if err == nil || errors.Is(err, ErrClosed) {
			return err
		}
		wait := jittered(backoff, c.cfg.ReconnectCap)
		c.logger.Error("reconnect failed", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if backoff*2 < c.cfg.ReconnectCap {
			backoff *= 2
		}
	}
}

func (c *Client) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		return nil, amqp.ErrClosed
	}
	return c.conn, nil
}

// publish sends one message on the shared publishing channel, reopening the
// channel if the broker closed it.
func (c *Client) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("publishing: %w", amqp.ErrClosed)
	}
	if c.pubCh == nil || c.pubCh.IsClosed() {
		ch, err := c.conn.Channel()
		if err != nil {
			return fmt.Errorf("reopening publish channel: %w", err)
		}
		c.pubCh = ch
	}
	return c.pubCh.PublishWithContext(ctx, exchange, key, false, false, msg)
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

// jittered returns base ±25%, capped.
func jittered(base, limit time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * 0.25
	wait := time.Duration(float64(base) * (1 + delta))
	if wait <= 0 {
		wait = base
	}
	if wait > limit {
		wait = limit
	}
	return wait
}
