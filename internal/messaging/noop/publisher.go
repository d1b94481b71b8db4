package noop

import (
	"context"
)

// Publisher is a no-op messaging.Publisher used when no broker is
// configured for a path, e.g. the gateway relay in single-instance mode.
type Publisher struct{}

func (Publisher) Publish(_ context.Context, _ string, _, _ []byte) error { return nil }
