// Package storage holds what the Postgres and Mongo backends share.
package storage

import "errors"

// ErrUnavailable is returned when the backing store cannot be reached. It is
// fatal to the current operation; retry policy belongs to the caller.
var ErrUnavailable = errors.New("storage: backing store unavailable")
