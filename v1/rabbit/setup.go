package rabbit

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"
)

// dial establishes a single connection to the broker.
//
// The function supports three connection modes:
//   - SSL with client certificates (full TLS authentication)
//   - SSL without client certificates (server authentication only)
//   - Plain AMQP (no SSL/TLS)
//
// Connections use a short heartbeat interval to detect disconnections
// quickly; see DefaultHeartbeat.
func dial(cfg Config) (*amqp.Connection, error) {
	amqpConfig := amqp.Config{
		Heartbeat: cfg.heartbeat(),
		Dial:      amqp.DefaultDial(cfg.dialTimeout()),
	}

	if cfg.Connection.IsSSLEnabled {
		tlsConfig, err := buildTLSConfig(cfg.Connection)
		if err != nil {
			return nil, err
		}
		amqpConfig.TLSClientConfig = tlsConfig
	}

	conn, err := amqp.DialConfig(cfg.Connection.URI(), amqpConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", cfg.Connection.SanitizedURI(), err)
	}
	return conn, nil
}

// buildTLSConfig assembles the TLS configuration for an SSL-enabled
// connection: the CA bundle for server verification, plus a client
// certificate when UseCert is set.
func buildTLSConfig(conn Connection) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: conn.ServerName,
	}

	if conn.CACertPath != "" {
		caCert, err := os.ReadFile(conn.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", conn.CACertPath)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if conn.UseCert {
		cert, err := tls.LoadX509KeyPair(conn.ClientCertPath, conn.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
