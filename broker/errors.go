package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrContentionTimeout is returned by Receive when nothing became ready in time.
	// It is a normal outcome, not a failure.
	ErrContentionTimeout = errors.New("no message ready before timeout")

	ErrSubscriptionClosed = errors.New("subscription is closed")
	ErrBrokerClosed       = errors.New("broker is closed")
	ErrInvalidDestination = errors.New("invalid destination")

	errWindowFull = errors.New("pending window full")
)

// InvalidAckError reports an ack for a delivery the subscription does not hold.
// A stale ack after reassignment is expected under at-least-once delivery;
// callers log it and carry on.
type InvalidAckError struct {
	Subscription string
	MessageID    string
}

func (e *InvalidAckError) Error() string {
	return fmt.Sprintf("subscription %s holds no delivery %s", e.Subscription, e.MessageID)
}
