package device

import (
	"context"
	"time"
)

// Transport implements the capabilities of one protocol on top of a link.
type Transport interface {
	// Name identifies the protocol, e.g. "ftms".
	Name() string
	Capabilities() Capabilities
	// Attach subscribes to the protocol characteristics of a connected link.
	Attach(ctx context.Context) error
	// Detach releases every subscription and timer and resets protocol state.
	// It is safe to call on a transport that is not attached.
	Detach(ctx context.Context) error
	// RequiresContinuousRefresh reports whether control targets must be
	// re-sent periodically to stay in effect.
	RequiresContinuousRefresh() bool
	RefreshInterval() time.Duration
}
