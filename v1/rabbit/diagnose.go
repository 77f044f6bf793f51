package rabbit

import (
	"context"
	"errors"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/broker-std/rabbitharness/v1/observability"
)

// DiagnosisResult classifies why a broker connection attempt failed.
type DiagnosisResult int

const (
	// Healthy means the connection and vhost open both succeeded.
	Healthy DiagnosisResult = iota

	// BadCredentials means the broker rejected the supplied username or
	// password.
	BadCredentials

	// BadVirtualHost means authentication succeeded but the vhost does not
	// exist or the user is not authorized for it.
	BadVirtualHost

	// Unknown means the failure could not be attributed to credentials or
	// vhost. The original error is preserved untouched.
	Unknown
)

func (r DiagnosisResult) String() string {
	switch r {
	case Healthy:
		return "healthy"
	case BadCredentials:
		return "bad_credentials"
	case BadVirtualHost:
		return "bad_vhost"
	default:
		return "unknown"
	}
}

// Diagnosis is the outcome of verifying a broker target.
type Diagnosis struct {
	// Result is the classification of the attempt
	Result DiagnosisResult

	// State records how far the handshake progressed
	State HandshakeState

	// Err is the original connection error, nil when Result is Healthy
	Err error
}

// Classify maps a handshake state and its error to a diagnosis result.
//
// Structured connection.close frames are authoritative: access-refused (403)
// means bad credentials and not-allowed (530) means a bad or unauthorized
// vhost. Many brokers instead drop the socket, so plain I/O errors are
// classified by phase: a drop after credentials were sent but before tuning
// completed points at authentication, a drop after tuning points at the
// vhost open. Failures before any credentials were sent, and failures on
// transports the probe does not speak, stay Unknown.
func Classify(state HandshakeState, err error) DiagnosisResult {
	if err == nil {
		return Healthy
	}
	if !state.Transport {
		return Unknown
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Server {
		switch amqpErr.Code {
		case amqp.AccessRefused:
			return BadCredentials
		case amqp.NotAllowed:
			return BadVirtualHost
		}
	}

	switch state.Phase {
	case PhaseSecure:
		return BadCredentials
	case PhaseTuned:
		return BadVirtualHost
	default:
		return Unknown
	}
}

// Diagnoser verifies broker targets and classifies connection failures.
// It is safe for concurrent use.
type Diagnoser struct {
	logger   Logger
	observer observability.Observer
}

// NewDiagnoser creates a Diagnoser with the given logger and operation
// observer. Both may be nil.
func NewDiagnoser(logger Logger, observer observability.Observer) *Diagnoser {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Diagnoser{logger: logger, observer: observer}
}

// Verify attempts a full opening handshake against the configured broker.
// A nil error means the credentials and vhost are usable. A non-nil error
// is a *DiagnosisError wrapping the original failure together with its
// classification.
func (d *Diagnoser) Verify(ctx context.Context, cfg Config) error {
	start := time.Now()

	type result struct {
		state HandshakeState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		state, err := probe(cfg)
		done <- result{state, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{HandshakeState{Transport: true}, ctx.Err()}
	}

	diag := Diagnosis{
		Result: Classify(res.state, res.err),
		State:  res.state,
		Err:    res.err,
	}

	d.observe("verify", cfg.Connection.SanitizedURI(), diag.Result.String(), time.Since(start), res.err)

	if diag.Err == nil {
		d.logger.Debug("broker connection verified", nil, map[string]interface{}{
			"uri": cfg.Connection.SanitizedURI(),
		})
		return nil
	}

	dErr := &DiagnosisError{
		Result: diag.Result,
		URI:    cfg.Connection.SanitizedURI(),
		Err:    diag.Err,
	}
	d.logger.Error("broker connection failed", dErr, map[string]interface{}{
		"uri":    cfg.Connection.SanitizedURI(),
		"result": diag.Result.String(),
		"phase":  diag.State.Phase.String(),
	})
	return dErr
}

// VerifyURI verifies a broker given as a connection string. Targets whose
// scheme the probe does not speak (anything other than amqp or amqps, such
// as in-memory transports) are skipped and return nil.
func (d *Diagnoser) VerifyURI(ctx context.Context, uri string, opts Options) error {
	scheme, _, found := strings.Cut(uri, "://")
	if !found || (scheme != "amqp" && scheme != "amqps") {
		d.logger.Debug("skipping connection verification for non-AMQP transport", nil, map[string]interface{}{
			"scheme": scheme,
		})
		return nil
	}

	conn, err := ParseURI(uri)
	if err != nil {
		return err
	}
	return d.Verify(ctx, Config{Connection: conn, Options: opts})
}

func (d *Diagnoser) observe(operation, resource, subResource string, duration time.Duration, err error) {
	if d.observer == nil {
		return
	}
	d.observer.ObserveOperation(observability.OperationContext{
		Component:   "rabbit.diagnoser",
		Operation:   operation,
		Resource:    resource,
		SubResource: subResource,
		Duration:    duration,
		Error:       err,
	})
}
