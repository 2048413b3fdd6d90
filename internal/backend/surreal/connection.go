package surreal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/roomsync/internal/retry"
)

// ErrNotConnected is returned when no healthy connection is available.
var ErrNotConnected = errors.New("database not connected")

// Config holds SurrealDB connection settings.
type Config struct {
	URL       string `envconfig:"SURREAL_URL" default:"ws://localhost:8000/rpc"`
	Namespace string `envconfig:"SURREAL_NS" default:"roomsync"`
	Database  string `envconfig:"SURREAL_DB" default:"roomsync"`
	User      string `envconfig:"SURREAL_USER" default:"root"`
	Password  string `envconfig:"SURREAL_PASS" default:"root"`
}

// Connection manages a SurrealDB connection and reconnects with backoff when
// an operation fails on a broken link.
type Connection struct {
	cfg     Config
	retryer *retry.ExponentialBackoffRetryer
	logger  *slog.Logger

	mu      sync.RWMutex
	conn    *surrealdb.DB
	healthy bool
	done    chan struct{}
	closed  bool
}

// NewConnection creates an unconnected Connection.
func NewConnection(cfg Config, logger *slog.Logger) *Connection {
	return &Connection{
		cfg:     cfg,
		retryer: retry.NewExponentialBackoffRetryer(retry.WithMaxDelay(30 * time.Second)),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Connect establishes the initial connection.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	return c.reconnect(ctx)
}

// WithConnection runs fn on the current connection. If fn fails with a
// connection error, the connection is re-established and fn retried.
func (c *Connection) WithConnection(ctx context.Context, fn func(*surrealdb.DB) error) error {
	conn := c.getConnection()
	if conn == nil {
		return ErrNotConnected
	}

	err := fn(conn)
	if err == nil || !isConnectionError(err) {
		return err
	}

	c.logger.WarnContext(ctx, "Database operation failed, reconnecting", "error", err, "db_url", redactDBURL(c.cfg.URL))
	return c.retryer.Retry(ctx, func(int) error {
		if reconnectErr := c.forceReconnect(ctx); reconnectErr != nil {
			return fmt.Errorf("reconnection failed: %w (original error: %v)", reconnectErr, err)
		}
		return fn(c.getConnection())
	})
}

// StartMonitoring checks connection health every interval and reconnects
// when the check fails.
func (c *Connection) StartMonitoring(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := c.checkHealth(ctx); err != nil {
					c.logger.WarnContext(ctx, "Database health check failed, reconnecting", "error", err)
					if err := c.retryer.Retry(ctx, func(int) error { return c.forceReconnect(ctx) }); err != nil {
						c.logger.ErrorContext(ctx, "Failed to reconnect to database", "error", err, "db_url", redactDBURL(c.cfg.URL))
					}
				}
				cancel()
			case <-c.done:
				return
			}
		}
	}()
}

// IsHealthy reports the result of the last connect or health check.
func (c *Connection) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// Close stops monitoring and closes the connection.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		return c.conn.Close(ctx)
	}
	return nil
}

func (c *Connection) getConnection() *surrealdb.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Connection) forceReconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	return c.reconnect(ctx)
}

// reconnect must be called with c.mu held.
func (c *Connection) reconnect(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close(ctx)
		c.conn = nil
	}
	c.healthy = false

	c.logger.DebugContext(ctx, "Connecting to database", "db_url", redactDBURL(c.cfg.URL))
	conn, err := surrealdb.FromEndpointURLString(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", redactDBURL(c.cfg.URL), err)
	}

	if _, err = conn.SignIn(ctx, &surrealdb.Auth{Username: c.cfg.User, Password: c.cfg.Password}); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("sign in as %s: %w", c.cfg.User, err)
	}

	if err = conn.Use(ctx, c.cfg.Namespace, c.cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("use %s/%s: %w", c.cfg.Namespace, c.cfg.Database, err)
	}

	c.conn = conn
	c.healthy = true
	c.logger.InfoContext(ctx, "Database connection established",
		"db_url", redactDBURL(c.cfg.URL), "namespace", c.cfg.Namespace, "database", c.cfg.Database)
	return nil
}

func (c *Connection) checkHealth(ctx context.Context) error {
	conn := c.getConnection()
	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.Version(ctx)

	c.mu.Lock()
	c.healthy = err == nil
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("health check for %s: %w", redactDBURL(c.cfg.URL), err)
	}
	return nil
}

// isConnectionError reports whether err looks like a lost connection rather
// than a query failure.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "use of closed network connection")
}

// redactDBURL returns dbURL with any password masked.
func redactDBURL(dbURL string) string {
	parsed, err := url.Parse(dbURL)
	if err != nil {
		return "invalid-url"
	}
	return parsed.Redacted()
}
