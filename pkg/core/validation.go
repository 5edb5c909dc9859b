package core

import (
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core/failfast"
)

// ValidateStreamID validates an event store stream identifier.
func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return NewError(KindValidation, "INVALID_STREAM_ID", "streamId cannot be empty")
	}
	if len(streamID) > 255 {
		return NewError(KindValidation, "INVALID_STREAM_ID", "streamId too long (max 255 characters)")
	}
	return nil
}

// ValidateTimeout validates a caller-supplied timeout duration.
func ValidateTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return NewError(KindValidation, "INVALID_TIMEOUT", "timeout must be positive")
	}
	if timeout > 5*time.Minute {
		return NewError(KindValidation, "INVALID_TIMEOUT", "timeout too large (max 5 minutes)")
	}
	return nil
}

// ValidateBody validates a message/event/request body before encoding.
func ValidateBody(body interface{}) error {
	if body == nil {
		return NewError(KindValidation, "INVALID_BODY", "body cannot be nil")
	}
	return nil
}

// FailFast panics with an error (fail-fast principle).
// Deprecated: use failfast.Err instead.
func FailFast(err error) {
	failfast.Err(err)
}
