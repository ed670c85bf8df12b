// Package llm bridges actors to an external reasoning service. Callers pass
// named string inputs and get named string outputs back; no prompt text or
// provider detail leaks into the calling packages.
package llm

import (
	"context"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Bridge is the reasoning-service seam. Call blocks until the service
// responds or ctx is done. Implementations must be safe for concurrent use.
type Bridge interface {
	// Call invokes a named operation with named inputs and returns named
	// outputs. Failures carry BRIDGE_CALL_FAILED or a more specific code.
	Call(ctx context.Context, operation string, inputs map[string]string) (map[string]string, error)

	// Available reports whether calls can succeed at all (an unconfigured
	// bridge degrades callers to their heuristic paths).
	Available() bool

	// SpentUSD returns the cumulative estimated spend of this bridge.
	SpentUSD() float64
}

// Unavailable is the degraded-mode bridge used when no API key is
// configured. Every call fails fast with a non-retryable error.
type Unavailable struct{}

func (Unavailable) Call(context.Context, string, map[string]string) (map[string]string, error) {
	return nil, types.NewError(types.BRIDGE_CALL_FAILED, "no reasoning service configured")
}

func (Unavailable) Available() bool    { return false }
func (Unavailable) SpentUSD() float64  { return 0 }
