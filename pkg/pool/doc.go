/*
Package pool implements the decode pool manager: a self-healing set of decode
units fed from a FIFO admission queue.

# Overview

A Manager owns PoolSize units created through a unit.Spawner. Callers submit
byte buffers with Decode or DecodeAsync; each buffer becomes one job with a
unique id and is sent to the unit that has been idle longest. When no unit is
idle the request waits in arrival order until one comes back.

# Lifecycle

  - A new unit enters the idle set after Options.StartupDelay.
  - A unit that reports a failure is removed at once, its pending jobs fail
    with a *types.UnitError, and a replacement is spawned after
    Options.ReplaceDelay.
  - A unit that exits on its own is not replaced until a request finds the
    pool short of units.
  - Spawner errors are retried with Options.SpawnBackoff. When the attempts
    run out and no unit is alive, waiting requests fail with
    types.ErrPoolExhausted.

# Concurrency

All state lives on a single control goroutine. Public methods talk to it
over channels, and the getters (Statistics, ActiveUnitCount, IsHealthy)
read a snapshot published after every change, so they never block.

# Events

Listeners registered with WithListener run synchronously on the control
goroutine. Subscribe returns a buffered channel instead; events that do not
fit are counted in Statistics.DroppedEvents.

# Example

	m, err := pool.New(config.Default(), pool.WithLogger(logger))
	if err != nil {
		return err
	}
	defer m.Terminate(context.Background())

	frames, err := m.Decode(ctx, buf)
*/
package pool
