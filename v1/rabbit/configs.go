package rabbit

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Logger defines the interface for logging operations in the rabbit package.
// This interface allows the package to use any logging implementation that
// conforms to these methods.
//
//go:generate mockgen -source=configs.go -destination=mock_logger.go -package=rabbit
type Logger interface {
	// Debug logs debug-level messages, optionally with error and contextual fields
	Debug(msg string, err error, fields ...map[string]interface{})

	// Info logs informational messages, optionally with error and contextual fields
	Info(msg string, err error, fields ...map[string]interface{})

	// Warn logs warning messages, optionally with error and contextual fields
	Warn(msg string, err error, fields ...map[string]interface{})

	// Error logs error messages with the associated error and optional contextual fields
	Error(msg string, err error, fields ...map[string]interface{})
}

// nopLogger discards everything. It stands in when no Logger is injected.
type nopLogger struct{}

func (nopLogger) Debug(string, error, ...map[string]interface{}) {}
func (nopLogger) Info(string, error, ...map[string]interface{})  {}
func (nopLogger) Warn(string, error, ...map[string]interface{})  {}
func (nopLogger) Error(string, error, ...map[string]interface{}) {}

// Config defines the top-level configuration structure for broker access.
// It combines the connection parameters with per-use transport options; the
// pair also forms the pool key, so two configs that normalize to the same
// URI and options share pooled resources.
type Config struct {
	// Connection contains the settings needed to establish a connection to the broker
	Connection Connection

	// Options contains transport options applied per connection/publisher
	Options Options
}

// Connection contains the configuration parameters needed to establish
// a connection to a broker, including authentication and TLS settings.
type Connection struct {
	// Host is the broker hostname or IP address
	Host string

	// Port is the broker port (typically 5672 for non-SSL, 5671 for SSL)
	Port uint

	// User is the username for authentication
	User string

	// Password is the password for authentication
	Password string

	// Vhost is the virtual host to open. Empty selects the default vhost "/".
	Vhost string

	// IsSSLEnabled determines whether to use SSL/TLS for the connection.
	// When true, connections will use the AMQPS protocol.
	IsSSLEnabled bool

	// UseCert determines whether to use client certificate authentication.
	// When true, client certificates will be sent for mutual TLS authentication.
	UseCert bool

	// CACertPath is the file path to the CA certificate for verifying the server.
	// Used when IsSSLEnabled is true.
	CACertPath string

	// ClientCertPath is the file path to the client certificate.
	// Used when both IsSSLEnabled and UseCert are true.
	ClientCertPath string

	// ClientKeyPath is the file path to the client certificate's private key.
	// Used when both IsSSLEnabled and UseCert are true.
	ClientKeyPath string

	// ServerName is the server name to use for TLS verification.
	// This should match a CN or SAN in the server's certificate.
	ServerName string
}

// Options contains transport options recognized by the pools.
type Options struct {
	// ConfirmPublish puts publisher channels into confirm mode. Every publish
	// then blocks until the broker acknowledges the message, and a message the
	// broker cannot route or persist fails the publish with ErrUndeliverable.
	ConfirmPublish bool

	// Heartbeat is the AMQP heartbeat interval. Zero selects the default of
	// two seconds, matching the interval used for disconnect detection
	// elsewhere in this module.
	Heartbeat time.Duration

	// DialTimeout bounds the TCP/TLS connect. Zero selects ten seconds.
	DialTimeout time.Duration
}

// DefaultHeartbeat is the heartbeat interval applied when Options.Heartbeat
// is zero.
const DefaultHeartbeat = 2 * time.Second

// DefaultDialTimeout is the connect timeout applied when Options.DialTimeout
// is zero.
const DefaultDialTimeout = 10 * time.Second

// ParseURI parses an AMQP connection string of the form
// amqp[s]://user:password@host:port/vhost into a Connection.
// The vhost may be empty; a missing port selects the scheme default.
func ParseURI(uri string) (Connection, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Connection{}, fmt.Errorf("invalid broker URI: %w", err)
	}

	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return Connection{}, fmt.Errorf("unsupported broker URI scheme %q", u.Scheme)
	}

	conn := Connection{
		Host:         u.Hostname(),
		IsSSLEnabled: u.Scheme == "amqps",
	}

	if port := u.Port(); port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return Connection{}, fmt.Errorf("invalid broker URI port %q: %w", port, err)
		}
		conn.Port = uint(p)
	} else if conn.IsSSLEnabled {
		conn.Port = 5671
	} else {
		conn.Port = 5672
	}

	if u.User != nil {
		conn.User = u.User.Username()
		conn.Password, _ = u.User.Password()
	}

	if vhost := strings.TrimPrefix(u.Path, "/"); vhost != "" {
		unescaped, err := url.PathUnescape(vhost)
		if err != nil {
			return Connection{}, fmt.Errorf("invalid broker URI vhost %q: %w", vhost, err)
		}
		conn.Vhost = unescaped
	}

	return conn, nil
}

// Scheme returns the URI scheme for this connection, "amqp" or "amqps".
func (c Connection) Scheme() string {
	if c.IsSSLEnabled {
		return "amqps"
	}
	return "amqp"
}

// URI builds the full connection string including credentials.
func (c Connection) URI() string {
	vhost := c.Vhost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		c.Scheme(), url.QueryEscape(c.User), url.QueryEscape(c.Password),
		c.Host, c.Port, url.PathEscape(vhost))
}

// SanitizedURI builds the connection string with credentials removed.
// Use this form in logs and error messages.
func (c Connection) SanitizedURI() string {
	vhost := c.Vhost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("%s://%s:%d/%s", c.Scheme(), c.Host, c.Port, url.PathEscape(vhost))
}

// Addr returns the host:port dial target.
func (c Connection) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// poolKey is the normalized identity of a pool: the full URI plus the
// options that affect connection behaviour. Configs with equal pool keys
// share pooled resources.
func (c Config) poolKey() string {
	return fmt.Sprintf("%s|confirm=%t|heartbeat=%s",
		c.Connection.URI(), c.Options.ConfirmPublish, c.heartbeat())
}

func (c Config) heartbeat() time.Duration {
	if c.Options.Heartbeat > 0 {
		return c.Options.Heartbeat
	}
	return DefaultHeartbeat
}

func (c Config) dialTimeout() time.Duration {
	if c.Options.DialTimeout > 0 {
		return c.Options.DialTimeout
	}
	return DefaultDialTimeout
}
