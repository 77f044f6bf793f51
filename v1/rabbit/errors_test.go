package rabbit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassificationHelpers(t *testing.T) {
	inner := errors.New("socket closed")
	creds := fmt.Errorf("startup: %w", &DiagnosisError{Result: BadCredentials, Err: inner})
	vhost := fmt.Errorf("startup: %w", &DiagnosisError{Result: BadVirtualHost, Err: inner})
	unknown := &DiagnosisError{Result: Unknown, Err: inner}

	assert.True(t, IsBadCredentials(creds))
	assert.False(t, IsBadCredentials(vhost))
	assert.False(t, IsBadCredentials(unknown))

	assert.True(t, IsBadVirtualHost(vhost))
	assert.False(t, IsBadVirtualHost(creds))

	assert.False(t, IsBadCredentials(inner))
	assert.False(t, IsBadVirtualHost(nil))
}

func TestIsUndeliverable(t *testing.T) {
	wrapped := &PublishError{Exchange: "events", RoutingKey: "missing", Err: ErrUndeliverable}
	assert.True(t, IsUndeliverable(wrapped))
	assert.False(t, IsUndeliverable(errors.New("other")))

	assert.Contains(t, wrapped.Error(), "events")
	assert.Contains(t, wrapped.Error(), "missing")
}
