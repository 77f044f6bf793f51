package teardown

import (
	"context"
	"fmt"
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

	"github.com/broker-std/rabbitharness/v1/rabbit"
	"github.com/broker-std/rabbitharness/v1/vhost"
)

// TestIntegrationTeardownEndToEnd reproduces a full test-unit shutdown:
// two consumers blocked on queues in a disposable vhost, torn down by the
// orchestrator. The vhost deletion interrupts both consumers broker-side,
// the stop flags prevent any reconnect, and both loops finish quickly.
func TestIntegrationTeardownEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:4-management",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		HostConfigModifier: func(cfg *container.HostConfig) {
			cfg.PortBindings = nat.PortMap{
				"5672/tcp":  []nat.PortBinding{{HostPort: "0"}},
				"15672/tcp": []nat.PortBinding{{HostPort: "0"}},
			}
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5672/tcp").WithStartupTimeout(20*time.Second),
			wait.ForListeningPort("15672/tcp").WithStartupTimeout(20*time.Second),
			wait.ForExec([]string{"rabbitmq-diagnostics", "status"}).WithExitCodeMatcher(func(exitCode int) bool {
				return exitCode == 0
			}).WithStartupTimeout(10*time.Second),
		),
	}
	containerInstance, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := containerInstance.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := containerInstance.Host(ctx)
	require.NoError(t, err)
	amqpPort, err := containerInstance.MappedPort(ctx, "5672")
	require.NoError(t, err)
	mgmtPort, err := containerInstance.MappedPort(ctx, "15672")
	require.NoError(t, err)

	mgr, err := vhost.NewManager(vhost.Config{
		URI:      fmt.Sprintf("http://%s:%d", host, mgmtPort.Int()),
		User:     "guest",
		Password: "guest",
	}, nil, nil)
	require.NoError(t, err)

	base := rabbit.Config{
		Connection: rabbit.Connection{
			Host: host, Port: uint(amqpPort.Int()),
			User: "guest", Password: "guest",
		},
	}

	pipeline := vhost.NewVhostPipeline(mgr, base, nil, nil)
	pool := pipeline.Start()

	lease, err := pool.Get(ctx)
	require.NoError(t, err)
	cfg := lease.Value.Config

	connPool := rabbit.NewConnectionPool(cfg, 4, nil, nil)
	defer connPool.Close()

	// Two queues, one consumer each, both idle and blocked on deliveries.
	err = connPool.WithConnection(ctx, func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		for _, q := range []string{"queue-one", "queue-two"} {
			if _, err := ch.QueueDeclare(q, false, false, false, false, nil); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	one := rabbit.NewConsumer(cfg, "queue-one", 1, connPool, nil, nil)
	two := rabbit.NewConsumer(cfg, "queue-two", 1, connPool, nil, nil)

	wg := &sync.WaitGroup{}
	msgsOne := one.Run(ctx, wg)
	msgsTwo := two.Run(ctx, wg)

	require.Eventually(t, func() bool {
		return one.State() == rabbit.StateRunning && two.State() == rabbit.StateRunning
	}, 10*time.Second, 50*time.Millisecond)

	// Give both loops time to block on their delivery channels.
	time.Sleep(time.Second)

	orch := NewOrchestrator(nil, nil)
	lease.Release()
	orch.AddResource(DestroyerFunc(pool.Close))
	orch.TrackConsumer(one)
	orch.TrackConsumer(two)

	start := time.Now()
	require.NoError(t, orch.Teardown(ctx))
	elapsed := time.Since(start)

	// Both consumers were interrupted broker-side and honored the stop
	// flag; nobody waited out a timeout or tried to reconnect.
	assert.Equal(t, rabbit.StateStopped, one.State())
	assert.Equal(t, rabbit.StateStopped, two.State())
	assert.Zero(t, one.Reconnects(), "stop flag must suppress reconnects")
	assert.Zero(t, two.Reconnects(), "stop flag must suppress reconnects")
	assert.Less(t, elapsed, 10*time.Second)

	for _, msgs := range []<-chan rabbit.Message{msgsOne, msgsTwo} {
		select {
		case _, open := <-msgs:
			assert.False(t, open, "output channels should be closed")
		case <-time.After(time.Second):
			t.Fatal("output channel still open after teardown")
		}
	}

	wg.Wait()
}
