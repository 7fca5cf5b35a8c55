package cmd

import (
	"context"

	"firestige.xyz/cilab/internal/command"
	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/housekeeping"
)

// ControlClient is the daemon control surface used by the commands.
type ControlClient interface {
	Noop(ctx context.Context) (core.CounterSnapshot, error)
	ResetCounters(ctx context.Context) (core.CounterSnapshot, error)
	Housekeeping(ctx context.Context) (housekeeping.Report, error)
	Status(ctx context.Context) (command.Status, error)
	Shutdown(ctx context.Context) error
}

// newClient is replaced in tests.
var newClient = func() ControlClient {
	return command.NewUDSClient(resolveSocket(), callTimeout)
}
