package natsbus

import (
	"errors"

	"github.com/nats-io/nats.go/jetstream"
)

// errCodeWrongLastSequence is the JetStream API error returned when an
// expected-revision publish loses a race.
const errCodeWrongLastSequence = 10071

// IsMissing reports whether err means the key does not exist or was deleted.
func IsMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// IsConflict reports whether a Create or Update lost to a concurrent writer.
func IsConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence
}
