// Package gateway defines the interface for caller-facing entry points.
package gateway

import "context"

// Gateway is a caller-facing server (HTTP API, agent transport, etc.).
type Gateway interface {
	// Start serves until the gateway exits or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown within the context deadline.
	Stop(ctx context.Context) error
}
