package protocol

import "errors"

var (
	// ErrCapacityExceeded means the recipient's queue is full. The protocol
	// never retries it; it is the back-pressure signal.
	ErrCapacityExceeded = errors.New("queue capacity exceeded")

	// ErrDeliveryTimeout means no acknowledgment arrived within one wait
	// window.
	ErrDeliveryTimeout = errors.New("acknowledgment timed out")

	// ErrDeliveryFailed means guaranteed delivery exhausted its attempts.
	ErrDeliveryFailed = errors.New("delivery failed")

	ErrQueueNotFound   = errors.New("queue not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidArgument = errors.New("invalid argument")
)
