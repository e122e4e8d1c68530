package api

import (
	"context"

	"codepair/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package is the CONSUMER of the collaboration services, so the
interfaces it depends on live here, sized to exactly what the handlers
call. Implementations can change without touching this package, and
handler tests can stub the coordinator with a few lines.
*/

// Coordinator is what handlers need from the dispatch layer: submit one
// authenticated action, get back the events to deliver.
type Coordinator interface {
	Submit(ctx context.Context, userID, sessionID string, action collaboration.Action) (*collaboration.Delivery, error)
}
