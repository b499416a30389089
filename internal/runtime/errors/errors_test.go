package errors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrTransport", ErrTransport, "momflow: transport failure"},
		{"ErrTimeout", ErrTimeout, "momflow: request timed out"},
		{"ErrProtocol", ErrProtocol, "momflow: protocol violation"},
		{"ErrWorker", ErrWorker, "momflow: worker failure"},
		{"ErrFormat", ErrFormat, "momflow: field does not fit its wire width"},
		{"ErrDestinationRequired", ErrDestinationRequired, "momflow: destination is required"},
		{"ErrExecutorStopped", ErrExecutorStopped, "momflow: request executor is stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestTypedErrorsMatchTheirKind(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name  string
		err   error
		kind  error
		cause error
	}{
		{"transport", &TransportError{Op: "publish", Destination: "Q", Err: cause}, ErrTransport, cause},
		{"timeout", &TimeoutError{Destination: "Q", Timeout: time.Second, Attempts: 3}, ErrTimeout, nil},
		{"protocol", &ProtocolError{Reason: "duplicate ordinal", Err: cause}, ErrProtocol, cause},
		{"worker", &WorkerError{Reason: "nil reply"}, ErrWorker, nil},
		{"format", &FormatError{Field: "SPLIT_COUNT", Value: int64(1) << 40}, ErrFormat, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.kind)
			if tt.cause != nil {
				assert.ErrorIs(t, tt.err, tt.cause)
			}
			for _, other := range []error{ErrTransport, ErrTimeout, ErrProtocol, ErrWorker, ErrFormat} {
				if other != tt.kind {
					assert.NotErrorIs(t, tt.err, other)
				}
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, `momflow: publish "Q": boom`, (&TransportError{Op: "publish", Destination: "Q", Err: errors.New("boom")}).Error())
	assert.Equal(t, `momflow: no reply from "Q" after 3 attempt(s) of 100ms`, (&TimeoutError{Destination: "Q", Timeout: 100 * time.Millisecond, Attempts: 3}).Error())
	assert.Equal(t, "momflow: field SPLIT_OID value 4294967296 does not fit in 32 bits", (&FormatError{Field: "SPLIT_OID", Value: int64(4294967296)}).Error())
	assert.Equal(t, "momflow: protocol: chunk 2 of 3 missing", NewProtocolError("chunk %d of %d missing", 2, 3).Error())
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	assert.Equal(t, "momflow: invalid configuration: invalid port", err.Error())
	assert.Equal(t, inner, err.Unwrap())
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		assert.NoError(t, NewConfigValidationError(nil))
	})

	t.Run("wraps error", func(t *testing.T) {
		inner := errors.New("rpc: timeout must be positive")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		require.ErrorAs(t, err, &cfgErr)
		assert.ErrorIs(t, err, inner)
	})
}
