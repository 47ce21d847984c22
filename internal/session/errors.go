package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSpent is returned by Run after the controller reached a terminal state.
	ErrSpent = errors.New("session already finished")
	// ErrRunning is returned by Run and Reset while a session is in progress.
	ErrRunning = errors.New("session already running")
)

// ConfigError reports an invalid session configuration. The controller stays
// Idle when Run returns it.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// TransportError reports that the transport could not attempt probes.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}
