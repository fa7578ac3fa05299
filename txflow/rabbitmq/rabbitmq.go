package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-txflow/txflow/backoff"
	"github.com/LerianStudio/lib-txflow/txflow/internal/nilcheck"
	"github.com/LerianStudio/lib-txflow/txflow/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection errors.
var (
	ErrNilConnection        = errors.New("rabbitmq connection is required")
	ErrConnectionStringReq  = errors.New("rabbitmq connection string is required")
	ErrConnectionClosed     = errors.New("rabbitmq connection is closed")
	ErrReconnectRateLimited = errors.New("rabbitmq reconnect aborted before backoff elapsed")
)

const (
	// defaultReconnectBackoffBase is the starting delay between reconnect
	// attempts.
	defaultReconnectBackoffBase = 1 * time.Second

	// maxReconnectBackoff caps the delay between reconnect attempts.
	maxReconnectBackoff = 30 * time.Second
)

// Dialer establishes an AMQP connection. Injectable for tests.
type Dialer func(uri string) (*amqp.Connection, error)

// ChannelFactory opens a channel on an established connection. Injectable
// for tests.
type ChannelFactory func(conn *amqp.Connection) (*amqp.Channel, error)

// Connection manages a single AMQP connection with lazy dialing and
// rate-limited reconnection. All state is mutex-guarded; Channel opens a
// fresh channel per call so callers never share one.
type Connection struct {
	uri    string
	logger log.Logger

	dial        Dialer
	openChannel ChannelFactory

	mu                sync.Mutex
	conn              *amqp.Connection
	closed            bool
	reconnectAttempts int
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionLogger sets a structured logger for the connection.
func WithConnectionLogger(logger log.Logger) ConnectionOption {
	return func(connection *Connection) {
		if nilcheck.Interface(logger) {
			return
		}

		connection.logger = logger
	}
}

// WithDialer overrides the AMQP dialer.
func WithDialer(dial Dialer) ConnectionOption {
	return func(connection *Connection) {
		if dial != nil {
			connection.dial = dial
		}
	}
}

// WithChannelFactory overrides channel creation.
func WithChannelFactory(factory ChannelFactory) ConnectionOption {
	return func(connection *Connection) {
		if factory != nil {
			connection.openChannel = factory
		}
	}
}

// NewConnection creates a lazy AMQP connection handle. No network activity
// happens until Channel or Connect is called.
func NewConnection(uri string, opts ...ConnectionOption) (*Connection, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, ErrConnectionStringReq
	}

	connection := &Connection{
		uri:         uri,
		logger:      log.NewNop(),
		dial:        amqp.Dial,
		openChannel: func(conn *amqp.Connection) (*amqp.Channel, error) { return conn.Channel() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(connection)
		}
	}

	return connection, nil
}

// Connect establishes the AMQP connection eagerly.
func (connection *Connection) Connect(ctx context.Context) error {
	if connection == nil {
		return ErrNilConnection
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	_, err := connection.ensureConnectedLocked(ctx)

	return err
}

// Channel returns a fresh channel, reconnecting if the underlying
// connection was lost. Reconnect attempts are spaced by exponential
// backoff with jitter, capped at 30 seconds.
func (connection *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	conn, err := connection.ensureConnectedLocked(ctx)
	if err != nil {
		return nil, err
	}

	channel, err := connection.openChannel(conn)
	if err != nil {
		// A channel-open failure usually means the connection died between
		// the liveness check and the open. Drop it so the next call redials.
		connection.conn = nil

		return nil, sanitizeError(fmt.Errorf("opening channel: %w", err), connection.uri)
	}

	return channel, nil
}

func (connection *Connection) ensureConnectedLocked(ctx context.Context) (*amqp.Connection, error) {
	if connection.closed {
		return nil, ErrConnectionClosed
	}

	if connection.conn != nil && !connection.conn.IsClosed() {
		connection.reconnectAttempts = 0

		return connection.conn, nil
	}

	if connection.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(defaultReconnectBackoffBase, connection.reconnectAttempts-1)
		if delay > maxReconnectBackoff {
			delay = backoff.FullJitter(maxReconnectBackoff)
		}

		connection.logger.Log(ctx, log.LevelInfo, "rabbitmq reconnect backoff",
			log.Int("attempt", connection.reconnectAttempts),
			log.Duration("delay", delay))

		if err := backoff.SleepWithContext(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReconnectRateLimited, err)
		}
	}

	conn, err := connection.dial(connection.uri)
	if err != nil {
		connection.reconnectAttempts++

		return nil, sanitizeError(fmt.Errorf("dialing rabbitmq: %w", err), connection.uri)
	}

	connection.conn = conn
	connection.reconnectAttempts = 0

	connection.logger.Log(ctx, log.LevelInfo, "rabbitmq connection established")

	return conn, nil
}

// HealthCheck reports whether the connection is currently established.
func (connection *Connection) HealthCheck() bool {
	if connection == nil {
		return false
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	return !connection.closed && connection.conn != nil && !connection.conn.IsClosed()
}

// Close shuts the connection down permanently.
func (connection *Connection) Close() error {
	if connection == nil {
		return nil
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	if connection.closed {
		return nil
	}

	connection.closed = true

	if connection.conn == nil || connection.conn.IsClosed() {
		return nil
	}

	if err := connection.conn.Close(); err != nil {
		return sanitizeError(fmt.Errorf("closing rabbitmq connection: %w", err), connection.uri)
	}

	return nil
}

// BuildConnectionString assembles an AMQP URI with escaped credentials and
// vhost. IPv6 hosts are bracketed.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}

	uri := fmt.Sprintf("%s://%s:%s@%s",
		protocol,
		url.QueryEscape(user),
		url.QueryEscape(pass),
		net.JoinHostPort(strings.Trim(host, "[]"), port),
	)

	if vhost != "" {
		uri += "/" + url.PathEscape(strings.TrimPrefix(vhost, "/"))
	}

	return uri
}

var (
	amqpURIPattern = regexp.MustCompile(`(amqps?)://[^@\s]+@`)
	passwordField  = regexp.MustCompile(`(?i)(password)=\S+`)
)

// sanitizedError exposes a redacted message while unwrapping to the
// original error, so errors.Is and errors.As keep working.
type sanitizedError struct {
	original error
	message  string
}

func (err *sanitizedError) Error() string { return err.message }

func (err *sanitizedError) Unwrap() error { return err.original }

func sanitizeError(err error, uri string) error {
	if err == nil {
		return nil
	}

	message := err.Error()

	if uri != "" {
		message = strings.ReplaceAll(message, uri, "[redacted]")
	}

	message = amqpURIPattern.ReplaceAllString(message, "$1://[redacted]@")
	message = passwordField.ReplaceAllString(message, "$1=[redacted]")

	if message == err.Error() {
		return err
	}

	return &sanitizedError{original: err, message: message}
}
