package battlemetrics

import (
	"errors"
	"fmt"
)

// ErrEmptyServerID is returned by Subscribe for a blank server id.
var ErrEmptyServerID = errors.New("battlemetrics: server id is required")

// errStopped ends a dial series interrupted by Disconnect.
var errStopped = errors.New("battlemetrics: client disconnected")

// ConnectionError is returned by Connect after every dial attempt of a
// bounded series has failed.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("battlemetrics: connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
