package teardown

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog records teardown steps in the order they happen.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.events...)
}

// fakeConsumer implements Handle and Owner and records its transitions.
type fakeConsumer struct {
	name    string
	log     *eventLog
	stopped bool
	killErr error

	mu          sync.Mutex
	stopFlagSet bool
}

func (c *fakeConsumer) RequestStop() {
	c.mu.Lock()
	c.stopFlagSet = true
	c.mu.Unlock()
	c.log.add("stop:" + c.name)
}

func (c *fakeConsumer) Kill(ctx context.Context) error {
	c.mu.Lock()
	flagged := c.stopFlagSet
	c.stopped = true
	c.mu.Unlock()

	c.log.add("kill:" + c.name)
	if !flagged {
		return errors.New(c.name + " killed without stop flag set")
	}
	return c.killErr
}

func TestTeardownOrder(t *testing.T) {
	log := &eventLog{}
	orch := NewOrchestrator(nil, nil)

	orch.AddResource(DestroyerFunc(func(ctx context.Context) error {
		log.add("destroy:vhosts")
		return nil
	}))

	a := &fakeConsumer{name: "a", log: log}
	b := &fakeConsumer{name: "b", log: log}
	orch.TrackConsumer(a)
	orch.TrackConsumer(b)

	require.NoError(t, orch.Teardown(context.Background()))

	assert.Equal(t, []string{
		"destroy:vhosts",
		"stop:a",
		"stop:b",
		"kill:a",
		"kill:b",
	}, log.all())
}

func TestTeardownFlagsBeforeAnyKill(t *testing.T) {
	log := &eventLog{}
	orch := NewOrchestrator(nil, nil)

	// Several consumers: every stop flag must be set before the first
	// kill, not interleaved per consumer.
	consumers := make([]*fakeConsumer, 5)
	for i := range consumers {
		consumers[i] = &fakeConsumer{name: string(rune('a' + i)), log: log}
		orch.TrackConsumer(consumers[i])
	}

	require.NoError(t, orch.Teardown(context.Background()))

	events := log.all()
	firstKill := -1
	lastStop := -1
	for i, e := range events {
		if firstKill == -1 && e[:4] == "kill" {
			firstKill = i
		}
		if e[:4] == "stop" {
			lastStop = i
		}
	}
	assert.Less(t, lastStop, firstKill, "all stop flags must be set before the first kill: %v", events)
}

func TestTeardownDestroyFailureDoesNotSkipStops(t *testing.T) {
	log := &eventLog{}
	orch := NewOrchestrator(nil, nil)

	destroyErr := errors.New("vhost delete failed")
	orch.AddResource(DestroyerFunc(func(ctx context.Context) error {
		log.add("destroy:first")
		return destroyErr
	}))
	orch.AddResource(DestroyerFunc(func(ctx context.Context) error {
		log.add("destroy:second")
		return nil
	}))

	c := &fakeConsumer{name: "c", log: log}
	orch.TrackConsumer(c)

	err := orch.Teardown(context.Background())
	require.ErrorIs(t, err, destroyErr)

	assert.Equal(t, []string{
		"destroy:first",
		"destroy:second",
		"stop:c",
		"kill:c",
	}, log.all())
	assert.True(t, c.stopped)
}

func TestTeardownCollectsKillErrors(t *testing.T) {
	log := &eventLog{}
	orch := NewOrchestrator(nil, nil)

	killErr := errors.New("consumer would not die")
	bad := &fakeConsumer{name: "bad", log: log, killErr: killErr}
	good := &fakeConsumer{name: "good", log: log}
	orch.TrackConsumer(bad)
	orch.TrackConsumer(good)

	err := orch.Teardown(context.Background())
	require.ErrorIs(t, err, killErr)

	// The failing kill did not prevent the second one.
	assert.True(t, good.stopped)
}

func TestTeardownResetsTracking(t *testing.T) {
	log := &eventLog{}
	orch := NewOrchestrator(nil, nil)

	c := &fakeConsumer{name: "c", log: log}
	orch.TrackConsumer(c)
	require.NoError(t, orch.Teardown(context.Background()))

	// A second teardown finds an empty tracking set.
	require.NoError(t, orch.Teardown(context.Background()))
	assert.Equal(t, []string{"stop:c", "kill:c"}, log.all())
}

func TestTeardownEmptyOrchestrator(t *testing.T) {
	orch := NewOrchestrator(nil, nil)
	require.NoError(t, orch.Teardown(context.Background()))
}
