// Package identity supplies the device identity and auth token required to
// open a backend session. Callers inject a Provider rather than reading
// ambient credential state, which keeps token refresh and secure storage
// concerns out of the transport layers.
package identity

import (
	"context"
	"errors"
)

// ErrMissing indicates no identity is available, for example before device
// registration has completed.
var ErrMissing = errors.New("identity: no device identity available")

// Identity is the credential pair presented to the backend.
type Identity struct {
	DeviceID string
	Token    string
}

// Provider yields the current identity. Implementations may block on
// refresh; they honor ctx cancellation when they do.
type Provider interface {
	Identity(ctx context.Context) (Identity, error)
}

// Static is a fixed identity, useful for tools and tests.
type Static Identity

// Identity returns the fixed identity, or ErrMissing if the device ID is
// unset.
func (s Static) Identity(ctx context.Context) (Identity, error) {
	if s.DeviceID == "" {
		return Identity{}, ErrMissing
	}
	return Identity(s), nil
}
