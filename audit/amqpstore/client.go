package amqpstore

import (
	"context"
	"errors"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/gaborage/go-reqlog/logger"
	reqtrace "github.com/gaborage/go-reqlog/trace"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultReInitDelay    = 2 * time.Second
	defaultResendDelay    = 2 * time.Second
	defaultConfirmTimeout = 10 * time.Second
	defaultMaxPublishes   = 3

	tracerName              = "go-reqlog/amqpstore"
	messagingSystemRabbitMQ = "rabbitmq"
	operationPublish        = "publish"
)

var (
	errNotConnected  = errors.New("amqpstore: not connected to broker")
	errAlreadyClosed = errors.New("amqpstore: client already closed")
	errShutdown      = errors.New("amqpstore: client is shutting down")
	errNotConfirmed  = errors.New("amqpstore: publish not confirmed")
)

// PublishOptions addresses one message.
type PublishOptions struct {
	Exchange   string
	RoutingKey string
	Headers    map[string]any
	Mandatory  bool
}

// Publisher is what the sink needs from a broker client.
type Publisher interface {
	PublishToExchange(ctx context.Context, opts PublishOptions, data []byte) error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpChannel interface {
	Confirm(noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Close() error
}

type realConnection struct{ c *amqp.Connection }

func (r realConnection) Channel() (amqpChannel, error) {
	ch, err := r.c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r realConnection) NotifyClose(c chan *amqp.Error) chan *amqp.Error { return r.c.NotifyClose(c) }
func (r realConnection) Close() error                                    { return r.c.Close() }

var dialAMQP = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return realConnection{c: conn}, nil
}

// Client is a confirm-mode publisher that reconnects in the background.
// When Exchange is set on NewClient it is declared as a durable topic exchange
// on every channel initialization.
type Client struct {
	m               sync.RWMutex
	brokerURL       string
	exchange        string
	log             logger.Logger
	connection      amqpConnection
	channel         amqpChannel
	done            chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
	closed          bool

	reconnectDelay time.Duration
	reInitDelay    time.Duration
	resendDelay    time.Duration
	confirmTimeout time.Duration
	maxPublishes   int
}

var _ Publisher = (*Client)(nil)

// NewClient starts connecting to brokerURL in the background.
func NewClient(brokerURL, exchange string, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	c := &Client{
		brokerURL:      brokerURL,
		exchange:       exchange,
		log:            log,
		done:           make(chan struct{}),
		reconnectDelay: defaultReconnectDelay,
		reInitDelay:    defaultReInitDelay,
		resendDelay:    defaultResendDelay,
		confirmTimeout: defaultConfirmTimeout,
		maxPublishes:   defaultMaxPublishes,
	}
	go c.handleReconnect()
	return c
}

// IsReady reports whether a confirm-mode channel is available.
func (c *Client) IsReady() bool {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.isReady
}

// PublishToExchange publishes data and waits for the broker confirm. Nacks
// and confirm timeouts are retried a bounded number of times.
func (c *Client) PublishToExchange(ctx context.Context, opts PublishOptions, data []byte) error {
	ctx, span := startPublishSpan(ctx, opts, len(data))
	defer span.End()

	err := c.publish(ctx, opts, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *Client) publish(ctx context.Context, opts PublishOptions, data []byte) error {
	for attempt := 1; ; attempt++ {
		if err := c.checkOpen(ctx); err != nil {
			return err
		}

		confirms, err := c.unsafePublish(ctx, opts, data)
		if err != nil {
			if errors.Is(err, errNotConnected) || attempt >= c.maxPublishes {
				return err
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("Publish failed, retrying")
			if err := c.wait(ctx, c.resendDelay); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return errShutdown
		case confirm := <-confirms:
			if confirm.Ack {
				c.log.Debug().
					Str("exchange", opts.Exchange).
					Str("routing_key", opts.RoutingKey).
					Str("delivery_tag", strconv.FormatUint(confirm.DeliveryTag, 10)).
					Msg("Message published")
				return nil
			}
			c.log.Warn().Str("delivery_tag", strconv.FormatUint(confirm.DeliveryTag, 10)).Msg("Publish not acknowledged")
			trace.SpanFromContext(ctx).AddEvent("amqp.publish.retry", trace.WithAttributes(
				attribute.String("reason", "message not acknowledged"),
			))
		case <-time.After(c.confirmTimeout):
			c.log.Warn().Msg("Publish confirmation timeout")
			trace.SpanFromContext(ctx).AddEvent("amqp.publish.retry", trace.WithAttributes(
				attribute.String("reason", "confirmation timeout"),
			))
		}
		if attempt >= c.maxPublishes {
			return errNotConfirmed
		}
	}
}

func (c *Client) checkOpen(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errShutdown
	default:
		return nil
	}
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errShutdown
	case <-time.After(d):
		return nil
	}
}

func (c *Client) unsafePublish(ctx context.Context, opts PublishOptions, data []byte) (<-chan amqp.Confirmation, error) {
	c.m.RLock()
	if !c.isReady {
		c.m.RUnlock()
		return nil, errNotConnected
	}
	channel := c.channel
	confirms := c.notifyConfirm
	c.m.RUnlock()

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Body:          data,
		Headers:       amqp.Table{},
		Timestamp:     time.Now(),
		MessageId:     uuid.NewString(),
		CorrelationId: reqtrace.EnsureTraceID(ctx),
	}
	maps.Copy(msg.Headers, opts.Headers)
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(msg.Headers))

	if err := channel.PublishWithContext(ctx, opts.Exchange, opts.RoutingKey, opts.Mandatory, false, msg); err != nil {
		return nil, err
	}
	return confirms, nil
}

// Close stops reconnecting and closes the channel and connection.
func (c *Client) Close() error {
	c.m.Lock()
	defer c.m.Unlock()

	if c.closed {
		return errAlreadyClosed
	}
	c.closed = true
	close(c.done)
	c.isReady = false

	var err error
	if c.channel != nil {
		err = c.channel.Close()
	}
	if c.connection != nil {
		if closeErr := c.connection.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.log.Info().Msg("AMQP client closed")
	return err
}

func (c *Client) handleReconnect() {
	for {
		c.setReady(false)
		c.log.Info().Str("broker_url", c.brokerURL).Msg("Connecting to AMQP broker")

		conn, err := dialAMQP(c.brokerURL)
		if err != nil {
			c.log.Error().Err(err).Msg("Failed to connect to AMQP broker, retrying")
			select {
			case <-c.done:
				return
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
		c.changeConnection(conn)

		if done := c.handleReInit(conn); done {
			return
		}
	}
}

func (c *Client) handleReInit(conn amqpConnection) bool {
	for {
		c.setReady(false)

		if err := c.init(conn); err != nil {
			c.log.Error().Err(err).Msg("Failed to initialize AMQP channel, retrying")
			select {
			case <-c.done:
				return true
			case <-c.connClosed():
				return false
			case <-time.After(c.reInitDelay):
			}
			continue
		}

		select {
		case <-c.done:
			return true
		case <-c.connClosed():
			c.log.Info().Msg("AMQP connection closed, reconnecting")
			return false
		case <-c.chanClosed():
			c.log.Info().Msg("AMQP channel closed, reinitializing")
		}
	}
}

func (c *Client) init(conn amqpConnection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return err
	}
	if c.exchange != "" {
		if err := ch.ExchangeDeclare(c.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return err
		}
	}

	c.m.Lock()
	defer c.m.Unlock()
	if c.closed {
		_ = ch.Close()
		return errShutdown
	}
	c.channel = ch
	c.notifyChanClose = ch.NotifyClose(make(chan *amqp.Error, 1))
	c.notifyConfirm = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	c.isReady = true
	c.log.Info().Msg("AMQP client ready")
	return nil
}

func (c *Client) changeConnection(conn amqpConnection) {
	c.m.Lock()
	defer c.m.Unlock()
	c.connection = conn
	c.notifyConnClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *Client) setReady(ready bool) {
	c.m.Lock()
	c.isReady = ready
	c.m.Unlock()
}

func (c *Client) connClosed() <-chan *amqp.Error {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.notifyConnClose
}

func (c *Client) chanClosed() <-chan *amqp.Error {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.notifyChanClose
}

func startPublishSpan(ctx context.Context, opts PublishOptions, size int) (context.Context, trace.Span) {
	destination := opts.Exchange
	if destination == "" {
		destination = opts.RoutingKey
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, destination+" "+operationPublish,
		trace.WithSpanKind(trace.SpanKindProducer))

	attrs := []attribute.KeyValue{
		attribute.String(string(semconv.MessagingSystemKey), messagingSystemRabbitMQ),
		semconv.MessagingOperationName(operationPublish),
		semconv.MessagingDestinationName(destination),
		semconv.MessagingMessageBodySize(size),
	}
	if opts.RoutingKey != "" {
		attrs = append(attrs, attribute.String("messaging.rabbitmq.routing_key", opts.RoutingKey))
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// tableCarrier lets the text map propagator write into AMQP headers.
type tableCarrier amqp.Table

func (t tableCarrier) Get(key string) string {
	if v, ok := t[key].(string); ok {
		return v
	}
	return ""
}

func (t tableCarrier) Set(key, value string) { t[key] = value }

func (t tableCarrier) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	return keys
}
