package teardown

import "context"

// Handle is a consumer loop that can be asked to stop cooperatively.
// RequestStop must set the loop's stop flag and return without waiting;
// once set, the loop must not reconnect, even if the broker cancels it
// first.
//
// This interface is implemented by the concrete *rabbit.Consumer type.
type Handle interface {
	RequestStop()
}

// Owner is a fixture that owns one or more consumer loops and can shut
// them down fully. Kill blocks until the owned loops have exited or ctx
// expires.
//
// This interface is implemented by the concrete *rabbit.Consumer type.
type Owner interface {
	Kill(ctx context.Context) error
}

// Destroyer tears down an isolation resource, such as a pool of test
// vhosts. Destroying the resource is expected to interrupt, broker-side,
// any consumer still blocked on it.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// DestroyerFunc adapts a function to the Destroyer interface.
type DestroyerFunc func(ctx context.Context) error

func (f DestroyerFunc) Destroy(ctx context.Context) error {
	return f(ctx)
}
