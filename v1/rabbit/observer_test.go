package rabbit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// TestObserver is a mock observer for testing
type TestObserver struct {
	mu         sync.Mutex
	operations []observability.OperationContext
}

func (t *TestObserver) ObserveOperation(ctx observability.OperationContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operations = append(t.operations, ctx)
}

func (t *TestObserver) GetOperations() []observability.OperationContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]observability.OperationContext{}, t.operations...)
}

func TestDiagnoserObservesVerify(t *testing.T) {
	broker := newFakeBroker(t, "ok")
	observer := &TestObserver{}
	d := NewDiagnoser(nil, observer)

	require.NoError(t, d.Verify(context.Background(), broker.config()))

	ops := observer.GetOperations()
	require.Len(t, ops, 1)
	assert.Equal(t, "rabbit.diagnoser", ops[0].Component)
	assert.Equal(t, "verify", ops[0].Operation)
	assert.Equal(t, "healthy", ops[0].SubResource)
	assert.NoError(t, ops[0].Error)
	assert.Positive(t, ops[0].Duration)
}

func TestDiagnoserObservesFailure(t *testing.T) {
	broker := newFakeBroker(t, "close-530")
	observer := &TestObserver{}
	d := NewDiagnoser(nil, observer)

	err := d.Verify(context.Background(), broker.config())
	require.Error(t, err)

	ops := observer.GetOperations()
	require.Len(t, ops, 1)
	assert.Equal(t, "bad_vhost", ops[0].SubResource)
	assert.Error(t, ops[0].Error)
}

func TestNilObserverIsSafe(t *testing.T) {
	broker := newFakeBroker(t, "ok")
	d := NewDiagnoser(nil, nil)
	require.NoError(t, d.Verify(context.Background(), broker.config()))
}
