// Package teardown enforces a safe shutdown order for broker test
// fixtures.
//
// The problem it solves: a test unit typically holds a disposable vhost
// and one or more consumers bound to it. Torn down naively, the consumers
// observe the vhost deletion as a lost connection and try to reconnect to
// a namespace that no longer exists, hanging the teardown until a timeout.
// The fix is ordering: destroy the vhost first (its deletion interrupts
// blocked consumers broker-side), immediately set every consumer's
// cooperative stop flag so no reconnect re-engages, and only then run each
// consumer's own blocking shutdown.
//
// The Orchestrator tracks three kinds of participants:
//
//   - Destroyer: the isolation resource, destroyed first. A vhost pool's
//     Close fits via DestroyerFunc.
//   - Handle: anything with a RequestStop flag, flagged second.
//   - Owner: anything with a blocking Kill, killed last.
//
// A *rabbit.Consumer implements both Handle and Owner; TrackConsumer
// registers it as both.
//
//	orch := teardown.NewOrchestrator(logger, nil)
//	orch.AddResource(teardown.DestroyerFunc(pool.Close))
//	orch.TrackConsumer(consumer)
//	defer orch.Teardown(ctx)
//
// Teardown never skips a step on failure; every error is collected and
// returned joined.
package teardown
