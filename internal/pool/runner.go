// Package pool owns agent lifecycle: spawn, retire, replace, and the
// pool-size policy driven by backlog pressure.
package pool

import (
	"context"

	"github.com/rgordey/fleetcore/internal/models"
)

// Handle is the pool manager's grip on a running agent process. Only the
// pool manager holds handles; every other component sees agents purely as
// store records.
type Handle interface {
	// Stop terminates the underlying process, cooperatively first.
	Stop(ctx context.Context) error
}

// Runner abstracts how agent processes are brought up. The agent itself is
// an opaque external process; the runner only needs to start it and hand
// back a Handle.
type Runner interface {
	// Name returns the runner identifier.
	Name() string

	// Start launches a worker process for the given agent record.
	Start(ctx context.Context, agent models.Agent) (Handle, error)
}
