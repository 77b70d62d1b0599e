package pool

import (
	"os/exec"
	"sync"
	"time"

	"code.hybscloud.com/atomix"

	"github.com/bft-labs/starpool/pkg/channel"
	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/tracker"
)

// exitGrace is how long a worker gets to exit after its connection closes
// before it is killed.
const exitGrace = 5 * time.Second

// handle is one worker process and its connection. Owned by the pool.
type handle struct {
	id     string
	slot   int
	cmd    *exec.Cmd
	ch     *channel.Channel
	logger log.Logger

	inflight tracker.Tracker
	timeouts atomix.Int64

	mu       sync.Mutex
	pid      int
	health   Health
	degraded time.Time

	exited  chan struct{}
	waitErr error
}

func newHandle(id string, slot int, cmd *exec.Cmd, logger log.Logger) *handle {
	return &handle{
		id:     id,
		slot:   slot,
		cmd:    cmd,
		logger: logger,
		health: Connecting,
		exited: make(chan struct{}),
	}
}

// wait reaps the process. Runs in its own goroutine once the process has
// started.
func (h *handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	h.mu.Unlock()
	close(h.exited)
}

func (h *handle) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

func (h *handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// setHealth moves the handle to next and returns the previous health.
// Dead is final.
func (h *handle) setHealth(next Health) (Health, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.health
	if prev == next || prev == Dead {
		return prev, false
	}
	h.health = next
	if next == Degraded {
		h.degraded = time.Now()
	}
	return prev, true
}

// cooled reports whether a Degraded handle has been idle long enough to
// return to Ready.
func (h *handle) cooled(cooldown time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health == Degraded && h.inflight.Load() == 0 && time.Since(h.degraded) >= cooldown
}

// stop closes the connection and waits for the process to exit, killing it
// after grace.
func (h *handle) stop(grace time.Duration) {
	if h.ch != nil {
		_ = h.ch.Close()
	}
	if h.cmd.Process == nil {
		return
	}
	select {
	case <-h.exited:
		return
	case <-time.After(grace):
	}
	h.logger.Warn("worker did not exit, killing", log.String("worker_id", h.id), log.Int("pid", h.PID()))
	_ = h.cmd.Process.Kill()
	<-h.exited
}

// Info is a snapshot of one worker.
type Info struct {
	ID       string
	Slot     int
	PID      int
	Health   Health
	InFlight int64
}

func (h *handle) info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Info{ID: h.id, Slot: h.slot, PID: h.pid, Health: h.health, InFlight: h.inflight.Load()}
}
