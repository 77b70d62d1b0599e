package state

import "context"

// Repository persists the worker record.
// Implementations persist state to disk (or other storage) atomically.
type Repository interface {
	// Load retrieves the last saved state.
	// Returns an empty state and nil error if no state exists.
	// Returns an error only for actual read failures.
	Load(ctx context.Context) (State, error)

	// Save persists the state atomically.
	Save(ctx context.Context, state State) error

	// Clear removes the saved state. Clearing a missing state is not an
	// error.
	Clear(ctx context.Context) error
}
