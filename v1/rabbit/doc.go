// Package rabbit provides the broker connection layer: failure diagnosis,
// pooled connections and publishers, and stoppable consumers.
//
// The package exists to make broker access predictable in test harnesses
// and short-lived tooling, where connections are set up and torn down
// constantly and a misconfigured target must fail fast with a useful
// message instead of a generic handshake error.
//
// # Architecture
//
// This package follows the "accept interfaces, return structs" design pattern:
//   - Diagnoser struct: verifies broker targets and classifies failures
//   - Pools struct: registry of connection and publisher pools keyed by config
//   - ConnectionPool / PublisherPool structs: bounded, blocking resource pools
//   - Consumer struct: queue consumer with cooperative stop semantics
//   - Verifier and Message interfaces: contracts for injection and testing
//   - FX module: provides the diagnoser and pool registry for dependency injection
//
// Core features:
//   - Classification of ambiguous connection failures into bad credentials,
//     bad vhost, or unknown, with the original error always preserved
//   - Lazily populated pools that block on exhaustion and verify each new
//     broker target once before handing out resources
//   - Publisher confirms: with ConfirmPublish set, a publish fails with
//     ErrUndeliverable when the broker cannot route or persist the message
//   - Consumers that reconnect on broker-side channel loss but never
//     reconnect once a stop has been requested
//   - Optional observability hooks for metrics
//
// # Failure Diagnosis
//
// Brokers frequently drop the socket instead of reporting why a connection
// was refused, which makes bad credentials and a missing vhost look
// identical from the client side. The diagnoser replays the opening
// handshake itself and uses the drop point to tell them apart:
//
//	diagnoser := rabbit.NewDiagnoser(logger, nil)
//	if err := diagnoser.Verify(ctx, cfg); err != nil {
//		var dErr *rabbit.DiagnosisError
//		if errors.As(err, &dErr) {
//			switch dErr.Result {
//			case rabbit.BadCredentials:
//				// wrong user or password
//			case rabbit.BadVirtualHost:
//				// vhost missing or not authorized
//			}
//		}
//		return err
//	}
//
// # Pools
//
// Pools are created through the registry so that every part of an
// application sharing a broker config also shares its connections:
//
//	pools := rabbit.NewPools(0, diagnoser, logger, nil)
//	defer pools.Close()
//
//	pub, err := pools.Publishers(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	err = pub.WithPublisher(ctx, func(p *rabbit.Publisher) error {
//		return p.Publish(ctx, "events", "user.created", amqp.Publishing{Body: payload})
//	})
//
// # Consumers
//
// A consumer delivers messages on a channel and stops cooperatively:
//
//	consumer := rabbit.NewConsumer(cfg, "user-events", 10, connPool, logger, nil)
//	msgs := consumer.Run(ctx, wg)
//	for msg := range msgs {
//		process(msg.Body())
//		msg.Ack()
//	}
//
// RequestStop flips the stop flag and returns immediately; the consume loop
// then exits instead of reconnecting. Kill requests a stop and waits for the
// loop to finish. The teardown package drives both in the right order.
//
// # FX Integration
//
// The recommended way to use this package in an application is through the
// FX module:
//
//	app := fx.New(
//	    logger.FXModule,
//	    rabbit.FXModule,
//	    fx.Provide(func() rabbit.Config { return loadBrokerConfig() }),
//	)
//
// The module provides *Diagnoser and *Pools and closes all pooled resources
// on shutdown.
package rabbit
