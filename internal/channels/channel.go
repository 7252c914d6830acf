// Package channels holds the messaging-surface adapters. An adapter turns
// inbound platform messages into agent jobs and delivers bus events back out.
package channels

import "context"

// Channel is one messaging surface.
type Channel interface {
	// Name identifies the channel in events and config, e.g. "telegram".
	Name() string
	// Run consumes inbound messages and bus deliveries until ctx ends.
	Run(ctx context.Context) error
}

// ProactiveCanceller disarms a user's pending proactive follow-up. Any
// inbound message makes a scheduled follow-up stale.
type ProactiveCanceller interface {
	CancelProactive(ctx context.Context, userID string) error
}
