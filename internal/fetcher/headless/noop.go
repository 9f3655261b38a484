package headless

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/grant-scout/internal/grant"
)

// ErrNotConfigured is returned by Noop.
var ErrNotConfigured = errors.New("browser engine not configured")

// Noop stands in for the browser engine when browser.enabled is false.
type Noop struct{}

// NewNoop creates a new Noop engine.
func NewNoop() *Noop {
	return &Noop{}
}

// Kind reports the engine variant it replaces.
func (Noop) Kind() grant.EngineKind {
	return grant.EngineBrowser
}

// Fetch always fails. The error is not retryable.
func (Noop) Fetch(_ context.Context, src grant.Source) (grant.FetchResult, error) {
	return grant.FetchResult{}, fmt.Errorf("source %s: %w", src.ID, ErrNotConfigured)
}
