// Package vhost manages disposable broker virtual hosts for isolated test
// runs.
//
// Each test unit gets its own randomly named vhost, so queues, exchanges,
// and bindings from one test can never leak into another. The package has
// three layers:
//
//   - Manager wraps the broker's HTTP management API: create and delete
//     vhosts, and grant a principal permissions on them.
//   - Pipeline and Pool implement a generic create/destroy resource pool
//     with exclusive leases. Resources are created only when a Get finds no
//     idle one, released resources are reused, and closing the pool
//     destroys everything it ever created, best-effort.
//   - NewVhostPipeline ties the two together: each leased resource is a
//     fresh vhost plus a broker config pointed at it.
//
// # Usage
//
//	mgr, err := vhost.NewManager(vhost.Config{
//		URI:      "http://localhost:15672",
//		User:     "guest",
//		Password: "guest",
//	}, logger, nil)
//	if err != nil {
//		return err
//	}
//
//	pipeline := vhost.NewVhostPipeline(mgr, baseConfig, logger, nil)
//	err = pipeline.Run(ctx, func(pool *vhost.Pool[vhost.Vhost]) error {
//		lease, err := pool.Get(ctx)
//		if err != nil {
//			return err
//		}
//		defer lease.Release()
//
//		// lease.Value.Config targets the fresh vhost
//		return runTest(lease.Value.Config)
//	})
//
// Run closes the pool on every exit path. Destroy failures during close are
// collected and joined into the returned error so every vhost still gets a
// delete attempt.
//
// Deleting a vhost closes all its connections broker-side. The teardown
// package relies on this to interrupt consumers blocked on deliveries
// before asking them to stop.
package vhost
