// Package lifecycle provides the pool state machine and respawn backoff.
//
// # State Machine
//
// Valid state transitions:
//   - Stopped -> Starting
//   - Starting -> Running, Crashed
//   - Running -> Stopping, Crashed
//   - Stopping -> Stopped, Crashed
//   - Crashed -> Starting
//
// A pool enters Crashed when start-up fails (a worker could not be spawned
// or handshaked) or when shutdown times out.
//
// # Usage
//
//	manager := lifecycle.NewManager(logger, emitter)
//	if err := manager.TransitionTo(lifecycle.StateStarting, "Start() called"); err != nil {
//	    return err
//	}
//
// Background goroutines register with AddWorker/WorkerDone so that Stop can
// wait for them with WaitWithTimeout.
package lifecycle
