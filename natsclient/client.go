// Package natsclient wraps the NATS connection and JetStream KV access
// used for durable deletion-job state.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/eventstore/errors"
)

// Config configures the NATS connection.
type Config struct {
	URL           string `json:"url" yaml:"url"`
	Name          string `json:"name" yaml:"name"`
	MaxReconnects int    `json:"max_reconnects" yaml:"max_reconnects"`
	TimeoutSec    int    `json:"timeout_sec" yaml:"timeout_sec"`
}

// DefaultConfig returns defaults for a local server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "eventstore",
		MaxReconnects: -1, // retry forever
		TimeoutSec:    5,
	}
}

// Client owns one NATS connection and its JetStream context.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect establishes the connection with reconnect handling.
func Connect(cfg Config, logger *slog.Logger) (*Client, error) {
	logger = logger.With("component", "natsclient")

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(time.Duration(cfg.TimeoutSec)*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "Connect", "dial")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "natsclient", "Connect", "jetstream init")
	}

	return &Client{conn: conn, js: js, logger: logger}, nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("nats drain failed", "error", err)
		c.conn.Close()
	}
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// KeyValue opens (or creates) a KV bucket.
func (c *Client) KeyValue(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}
