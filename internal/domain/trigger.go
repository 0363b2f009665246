package domain

import "context"

// Trigger is the optional side-effect fired after an inbound ingest.
// Fire reports success; it must never return an error to the caller
// and must be bounded by its own timeout.
type Trigger interface {
	Fire(ctx context.Context, entry TimelineEntry) bool
}
