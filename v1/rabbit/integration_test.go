package rabbit

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/fx"
	"go.uber.org/mock/gomock"
)

// initializeRabbitMQ starts a RabbitMQ container and returns its host and
// mapped AMQP port. The container is terminated when the test finishes.
func initializeRabbitMQ(t *testing.T, ctx context.Context) (string, int) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	hostPort, err := getFreePort()
	require.NoError(t, err)

	containerInstance, err := createRabbitMQContainer(ctx, hostPort)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := containerInstance.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	port, err := containerInstance.MappedPort(ctx, "5672")
	require.NoError(t, err)
	host, err := containerInstance.Host(ctx)
	require.NoError(t, err)

	// Wait for the AMQP port to accept connections.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port.Int())), 2*time.Second)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 60*time.Second, 500*time.Millisecond, "RabbitMQ port not ready")

	return host, port.Int()
}

// createRabbitMQContainer sets up and starts a RabbitMQ Docker container
// using testcontainers-go, binding the AMQP port and waiting for the broker
// to be healthy.
func createRabbitMQContainer(ctx context.Context, hostPort string) (testcontainers.Container, error) {
	var containerInstance testcontainers.Container
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		portBindings := nat.PortMap{
			"5672/tcp": []nat.PortBinding{{HostPort: hostPort}},
		}

		req := testcontainers.ContainerRequest{
			Image: "rabbitmq:4-management",
			ExposedPorts: []string{
				"5672/tcp",
			},
			HostConfigModifier: func(cfg *container.HostConfig) {
				cfg.PortBindings = portBindings
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp").WithStartupTimeout(20*time.Second),
				wait.ForExec([]string{"rabbitmq-diagnostics", "status"}).WithExitCodeMatcher(func(exitCode int) bool {
					return exitCode == 0
				}).WithStartupTimeout(10*time.Second),
			),
		}

		containerInstance, lastErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if lastErr == nil {
			return containerInstance, nil
		}

		// Retry only for Docker socket-related issues
		if strings.Contains(lastErr.Error(), "docker.sock") || errors.Is(lastErr, io.EOF) {
			log.Printf("Retrying container creation (attempt %d): %v", attempt+1, lastErr)
			time.Sleep(2 * time.Second)
			continue
		}
		break
	}
	return nil, lastErr
}

func getFreePort() (string, error) {
	l, err := net.Listen("tcp", ":0") // :0 asks OS for any free port
	if err != nil {
		return "", err
	}
	defer l.Close()
	addr := l.Addr().(*net.TCPAddr)
	return strconv.Itoa(addr.Port), nil
}

func brokerConfig(host string, port int) Config {
	return Config{
		Connection: Connection{
			Host:     host,
			Port:     uint(port),
			User:     "guest",
			Password: "guest",
		},
	}
}

// TestIntegrationDiagnoserClassification verifies the three classification
// outcomes against a real broker: a healthy target, a wrong password, and a
// nonexistent vhost.
func TestIntegrationDiagnoserClassification(t *testing.T) {
	ctx := context.Background()
	host, port := initializeRabbitMQ(t, ctx)

	d := NewDiagnoser(nil, nil)

	t.Run("healthy", func(t *testing.T) {
		require.NoError(t, d.Verify(ctx, brokerConfig(host, port)))
	})

	t.Run("bad credentials", func(t *testing.T) {
		cfg := brokerConfig(host, port)
		cfg.Connection.Password = "wrong-password"

		err := d.Verify(ctx, cfg)
		var dErr *DiagnosisError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, BadCredentials, dErr.Result)
		assert.Contains(t, err.Error(), "invalid credentials")
	})

	t.Run("bad vhost", func(t *testing.T) {
		cfg := brokerConfig(host, port)
		cfg.Connection.Vhost = "does_not_exist"

		err := d.Verify(ctx, cfg)
		var dErr *DiagnosisError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, BadVirtualHost, dErr.Result)
		assert.Contains(t, err.Error(), "vhost")
	})
}

// TestIntegrationConnectionPoolRoundTrip verifies that releasing a healthy
// connection makes the same underlying connection available to the next
// acquire instead of dialing a new one.
func TestIntegrationConnectionPoolRoundTrip(t *testing.T) {
	ctx := context.Background()
	host, port := initializeRabbitMQ(t, ctx)

	pool := NewConnectionPool(brokerConfig(host, port), 2, nil, nil)
	defer pool.Close()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(first)

	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer pool.Release(second)

	assert.Same(t, first, second, "released connection should be reused")
}

// TestIntegrationConnectionPoolBlocksWhenExhausted verifies the blocking
// acquire semantics: a saturated pool parks the caller until a release.
func TestIntegrationConnectionPoolBlocksWhenExhausted(t *testing.T) {
	ctx := context.Background()
	host, port := initializeRabbitMQ(t, ctx)

	pool := NewConnectionPool(brokerConfig(host, port), 1, nil, nil)
	defer pool.Close()

	held, err := pool.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan *amqp.Connection, 1)
	go func() {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			t.Error(err)
		}
		acquired <- conn
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while the pool is exhausted")
	case <-time.After(200 * time.Millisecond):
	}

	pool.Release(held)

	select {
	case conn := <-acquired:
		pool.Release(conn)
	case <-time.After(5 * time.Second):
		t.Fatal("release did not unblock the waiting acquire")
	}
}

// TestIntegrationPublisherConfirms verifies undeliverable detection: with
// confirms on, publishing to a routable queue succeeds and publishing into
// the void fails with ErrUndeliverable; with confirms off, both are
// fire-and-forget.
func TestIntegrationPublisherConfirms(t *testing.T) {
	ctx := context.Background()
	host, port := initializeRabbitMQ(t, ctx)

	cfg := brokerConfig(host, port)
	cfg.Options.ConfirmPublish = true

	// Declare a routable queue out of band.
	setupPool := NewConnectionPool(cfg, 1, nil, nil)
	defer setupPool.Close()
	err := setupPool.WithConnection(ctx, func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		_, err = ch.QueueDeclare("confirm-test", false, false, false, false, nil)
		return err
	})
	require.NoError(t, err)

	confirming := NewPublisherPool(cfg, 1, nil, nil)
	defer confirming.Close()

	err = confirming.WithPublisher(ctx, func(p *Publisher) error {
		return p.Publish(ctx, "", "confirm-test", amqp.Publishing{Body: []byte("routable")})
	})
	require.NoError(t, err)

	err = confirming.WithPublisher(ctx, func(p *Publisher) error {
		return p.Publish(ctx, "", "no-such-queue", amqp.Publishing{Body: []byte("lost")})
	})
	require.ErrorIs(t, err, ErrUndeliverable)

	var pErr *PublishError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "no-such-queue", pErr.RoutingKey)

	// Without confirms the same unroutable publish reports nothing.
	plain := brokerConfig(host, port)
	fireAndForget := NewPublisherPool(plain, 1, nil, nil)
	defer fireAndForget.Close()

	err = fireAndForget.WithPublisher(ctx, func(p *Publisher) error {
		return p.Publish(ctx, "", "no-such-queue", amqp.Publishing{Body: []byte("lost quietly")})
	})
	require.NoError(t, err)
}

// TestIntegrationConsumerLifecycle runs a consumer against a real queue,
// delivers a message through it, and verifies the cooperative stop: after
// RequestStop the output channel closes and no reconnect happens.
func TestIntegrationConsumerLifecycle(t *testing.T) {
	ctx := context.Background()
	host, port := initializeRabbitMQ(t, ctx)

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockLog := NewMockLogger(ctrl)
	mockLog.EXPECT().Debug(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	mockLog.EXPECT().Warn(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	mockLog.EXPECT().Info("stopping consumer due to stop request", gomock.Any(), gomock.Any()).Times(1)

	cfg := brokerConfig(host, port)
	pool := NewConnectionPool(cfg, 2, mockLog, nil)
	defer pool.Close()

	err := pool.WithConnection(ctx, func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		if _, err := ch.QueueDeclare("consumer-test", false, false, false, false, nil); err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, "", "consumer-test", false, false, amqp.Publishing{Body: []byte("hello")})
	})
	require.NoError(t, err)

	consumer := NewConsumer(cfg, "consumer-test", 1, pool, mockLog, nil)
	wg := &sync.WaitGroup{}
	msgs := consumer.Run(ctx, wg)

	select {
	case msg := <-msgs:
		assert.Equal(t, []byte("hello"), msg.Body())
		require.NoError(t, msg.Ack())
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the published message")
	}
	assert.Equal(t, StateRunning, consumer.State())

	consumer.RequestStop()
	assert.Equal(t, StateStopRequested, consumer.State())

	select {
	case _, open := <-msgs:
		assert.False(t, open, "output channel should close after stop")
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	wg.Wait()

	assert.Equal(t, StateStopped, consumer.State())
	assert.Zero(t, consumer.Reconnects())
}

// TestIntegrationFXWiring builds the fx graph the way an application would
// and checks that a populated pool registry works end to end.
func TestIntegrationFXWiring(t *testing.T) {
	ctx := context.Background()
	host, port := initializeRabbitMQ(t, ctx)

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockLog := NewMockLogger(ctrl)
	mockLog.EXPECT().Debug(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	mockLog.EXPECT().Info(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()

	var pools *Pools
	app := fx.New(
		FXModule,
		fx.Provide(
			func() Logger { return mockLog },
		),
		fx.Populate(&pools),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, app.Start(startCtx))

	pool, err := pools.Connections(ctx, brokerConfig(host, port))
	require.NoError(t, err)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, conn.IsClosed())
	pool.Release(conn)

	require.NoError(t, app.Stop(ctx))
}
