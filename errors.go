package gatekeeper

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match with errors.Is; wrapping adds call-site context.
var (
	// ErrInvalidPolicy is raised when DSL validation or compilation fails.
	// It is local to rule write paths and never affects reads.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrUnknownEntity is raised when a symbolic name resolves to nothing.
	// On read paths the affected item is denied, not errored.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrAmbiguousExternalID is raised when an external-id lookup misses the
	// (realm, resource type) scope it needs.
	ErrAmbiguousExternalID = errors.New("ambiguous external id")

	// ErrResourceExhausted is raised on store-pool or queue overload.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrStoreFailure wraps store-side errors during runner execution.
	// The runner retries once; the second failure surfaces.
	ErrStoreFailure = errors.New("store failure")

	// ErrTimeout is raised when a request exceeds its deadline.
	ErrTimeout = errors.New("timeout")
)

func invalidPolicyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, fmt.Sprintf(format, args...))
}

func unknownEntityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnknownEntity, fmt.Sprintf(format, args...))
}

func storeFailure(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreFailure, err)
}
