package broker

import (
	"errors"
	"fmt"

	"github.com/coffeeflow/engine/internal/domain"
)

// DisconnectedError wraps domain.ErrDisconnected: the transport is gone and
// the publish/consume attempt cannot be retried at this layer.
type DisconnectedError struct {
	Cause error
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("broker: disconnected: %v", e.Cause)
}

func (e *DisconnectedError) Unwrap() error { return domain.ErrDisconnected }

// MessageError wraps domain.ErrMessageRejected: the broker's protocol
// refused a specific publish or consume operation (e.g. a channel-level
// Nack from the server); non-retriable at this layer.
type MessageError struct {
	Cause error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("broker: message rejected: %v", e.Cause)
}

func (e *MessageError) Unwrap() error { return domain.ErrMessageRejected }

// IsDisconnected reports whether err is (or wraps) a DisconnectedError.
func IsDisconnected(err error) bool {
	var d *DisconnectedError
	return errors.As(err, &d)
}

// IsMessageError reports whether err is (or wraps) a MessageError.
func IsMessageError(err error) bool {
	var m *MessageError
	return errors.As(err, &m)
}
