package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"starlane-server/internal/metrics"
)

// Config carries the NATS connection options.
type Config struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// Client is the NATS-backed Bus. It keeps its own record of every
// service-level subscription so the full set can be re-issued after a
// reconnect, preserving the queued/fan-out flavour.
type Client struct {
	cfg Config
	log zerolog.Logger
	rec metrics.BusRecorder

	mu       sync.Mutex
	state    State
	conn     *nats.Conn
	subs     map[string]*nats.Subscription
	handlers map[string]Handler
	queued   map[string]struct{}
}

func NewClient(cfg Config, rec metrics.BusRecorder, log zerolog.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 100
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Client{
		cfg:      cfg,
		log:      log.With().Str("component", "bus").Logger(),
		rec:      rec,
		state:    StateInit,
		subs:     make(map[string]*nats.Subscription),
		handlers: make(map[string]Handler),
		queued:   make(map[string]struct{}),
	}
}

// Start connects and issues every subscription recorded so far.
func (c *Client) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(c.onError),
	}

	conn, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.state = StateConnected
	c.rec.SetConnected(true)
	c.resubscribeLocked()
	c.log.Info().Str("url", conn.ConnectedUrl()).Msg("bus connected")
	return nil
}

// Stop unsubscribes every recorded subject and closes the connection.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("unsubscribe on stop")
		}
		delete(c.subs, subject)
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.state = StateClosed
	c.rec.SetConnected(false)
	c.log.Info().Msg("bus closed")
}

// Run blocks until ctx is cancelled, then stops the client. It starts the
// connection first if Start has not been called.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	needStart := c.state == StateInit
	c.mu.Unlock()
	if needStart {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

func (c *Client) onDisconnect(_ *nats.Conn, err error) {
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	c.rec.SetConnected(false)
	if err != nil {
		c.log.Warn().Err(err).Msg("bus disconnected")
	} else {
		c.log.Warn().Msg("bus disconnected")
	}
}

func (c *Client) onReconnect(conn *nats.Conn) {
	c.mu.Lock()
	c.state = StateConnected
	c.resubscribeLocked()
	c.mu.Unlock()
	c.rec.SetConnected(true)
	c.rec.IncReconnects()
	c.log.Warn().Str("url", conn.ConnectedUrl()).Msg("bus reconnected")
}

func (c *Client) onClosed(*nats.Conn) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.rec.SetConnected(false)
}

func (c *Client) onError(_ *nats.Conn, sub *nats.Subscription, err error) {
	c.rec.IncErrors("nats")
	evt := c.log.Error().Err(err)
	if sub != nil {
		evt = evt.Str("subject", sub.Subject)
	}
	evt.Msg("bus error")
}

// resubscribeLocked drops any live subscription handles and re-issues the
// recorded set. Caller holds c.mu.
func (c *Client) resubscribeLocked() {
	for subject, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, subject)
	}
	for subject := range c.handlers {
		if err := c.subscribeLocked(subject); err != nil {
			c.log.Error().Err(err).Str("subject", subject).Msg("resubscribe")
		}
	}
}

func (c *Client) subscribeLocked(subject string) error {
	handler := c.handlers[subject]
	cb := c.dispatch(subject, handler)
	var sub *nats.Subscription
	var err error
	if _, isQueue := c.queued[subject]; isQueue {
		sub, err = c.conn.QueueSubscribe(subject, subject, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return err
	}
	c.subs[subject] = sub
	return nil
}

// dispatch wraps a Handler for NATS delivery: trace context is extracted
// from the message headers, the handler's reply (if any) is sent when the
// message carries a reply inbox, and panics stop at this frame.
func (c *Client) dispatch(subject string, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				c.rec.IncErrors("handler_panic")
				c.log.Error().Str("subject", subject).Any("panic", r).Msg("handler panic")
			}
		}()
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(msg.Header))
		c.rec.IncMessages()
		reply := handler(ctx, msg.Subject, msg.Data)
		if msg.Reply != "" && reply != nil {
			if err := msg.Respond(reply); err != nil {
				c.rec.IncErrors("respond")
				c.log.Error().Err(err).Str("subject", subject).Msg("respond")
			}
		}
	}
}

func (c *Client) Subscribe(subject string, handler Handler, queued bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[subject]; exists {
		return false
	}
	c.handlers[subject] = handler
	if queued {
		c.queued[subject] = struct{}{}
	}
	if c.state == StateConnected {
		if err := c.subscribeLocked(subject); err != nil {
			c.log.Error().Err(err).Str("subject", subject).Msg("subscribe")
		}
	}
	return true
}

func (c *Client) Unsubscribe(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[subject]; !exists {
		return false
	}
	if sub, live := c.subs[subject]; live {
		if err := sub.Unsubscribe(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("unsubscribe")
		}
		delete(c.subs, subject)
	}
	delete(c.handlers, subject)
	delete(c.queued, subject)
	return true
}

// Listen attaches an additional fan-out listener outside the recorded set.
// The underlying library re-establishes these on reconnect by itself.
func (c *Client) Listen(subject string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return nil, ErrClosed
	}
	sub, err := conn.Subscribe(subject, c.dispatch(subject, handler))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", subject, err)
	}
	return sub, nil
}

func (c *Client) Publish(ctx context.Context, subject string, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		// Best-effort bus: drop and rely on eventual consistency.
		c.log.Debug().Str("subject", subject).Msg("publish dropped while disconnected")
		return nil
	}
	header := make(nats.Header)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	if err := conn.PublishMsg(&nats.Msg{Subject: subject, Header: header, Data: payload}); err != nil {
		c.rec.IncErrors("publish")
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	header := make(nats.Header)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))

	start := time.Now()
	msg, err := conn.RequestMsg(&nats.Msg{Subject: subject, Header: header, Data: payload}, timeout)
	c.rec.ObserveRequest(time.Since(start))
	if err != nil {
		c.rec.IncErrors("request")
		switch {
		case errors.Is(err, nats.ErrTimeout):
			return nil, fmt.Errorf("request %s: %w", subject, ErrTimeout)
		case errors.Is(err, nats.ErrNoResponders):
			return nil, fmt.Errorf("request %s: %w", subject, ErrNoResponders)
		default:
			return nil, fmt.Errorf("request %s: %w", subject, err)
		}
	}
	return msg.Data, nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// Subjects returns the recorded subscription set, sorted.
func (c *Client) Subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	subjects := make([]string, 0, len(c.handlers))
	for subject := range c.handlers {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects
}
