package state

import (
	"sort"
	"time"
)

// State is the persisted record of a pool and its worker processes.
type State struct {
	// OwnerPID is the supervisor process that spawned the workers.
	OwnerPID int `json:"owner_pid"`

	// PoolID identifies the pool instance.
	PoolID string `json:"pool_id"`

	Workers []Worker `json:"workers"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Worker is one recorded worker process.
type Worker struct {
	ID        string    `json:"id"`
	Slot      int       `json:"slot"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// IsEmpty returns true if nothing has been recorded.
func (s State) IsEmpty() bool {
	return s.OwnerPID == 0 && len(s.Workers) == 0
}

// Put records w, replacing any worker in the same slot.
func (s *State) Put(w Worker) {
	for i := range s.Workers {
		if s.Workers[i].Slot == w.Slot {
			s.Workers[i] = w
			s.touch()
			return
		}
	}
	s.Workers = append(s.Workers, w)
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].Slot < s.Workers[j].Slot })
	s.touch()
}

// Remove drops the worker with the given id.
func (s *State) Remove(id string) {
	out := s.Workers[:0]
	for _, w := range s.Workers {
		if w.ID != id {
			out = append(out, w)
		}
	}
	s.Workers = out
	s.touch()
}

func (s *State) touch() {
	s.UpdatedAt = time.Now()
}
