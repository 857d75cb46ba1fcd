package replication

import (
	"errors"
	"fmt"
)

// Distinguished error kinds surfaced to the external volume layer.
// Everything else arrives wrapped in APIError or as a plain error.
var (
	// ErrLSSIDExhausted indicates no logical subsystem ID could be found or
	// synthesized on the array for the requested placement.
	ErrLSSIDExhausted = errors.New("No logical subsystem IDs are available")

	// ErrUnableToFailOver indicates a failover or failback could not proceed,
	// typically because the peer array is unreachable.
	ErrUnableToFailOver = errors.New("Unable to fail over")

	// ErrInvalidReplicationTarget indicates the requested replication target
	// does not match the configured secondary array.
	ErrInvalidReplicationTarget = errors.New("Invalid replication target")

	// ErrNoUsableLink indicates the physical or logical replication topology
	// between the two arrays is absent or unhealthy.
	ErrNoUsableLink = errors.New("No usable replication link")

	// ErrReservedLSSExhausted indicates the LSS range reserved for
	// consistency groups has no remaining capacity. This is a configuration
	// problem and is never retried.
	ErrReservedLSSExhausted = errors.New("Reserved consistency group LSS range is exhausted")
)

// Client level control-flow errors.
var (
	// ErrLSSFull is returned when the array rejects a volume create because the
	// selected logical subsystem has no free volume slots. Callers use it as a
	// signal to retry placement on a different LSS, not as a fatal failure.
	ErrLSSFull = errors.New("Logical subsystem has no free volume slots")

	// ErrRequestTimeout is returned when a request to the array REST endpoint
	// exceeds its deadline.
	ErrRequestTimeout = errors.New("Request to the storage array timed out")
)

// APIError is the generic failure reported by the array REST control plane.
type APIError struct {
	// Code is the array-reported error code, if any.
	Code string

	// Status is the HTTP status of the response, if the failure came from a response.
	Status int

	// Message is the human readable failure description.
	Message string
}

// Error returns the formatted array failure.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("Storage array request failed: %s (code %q)", e.Message, e.Code)
	}

	return fmt.Sprintf("Storage array request failed: %s", e.Message)
}
