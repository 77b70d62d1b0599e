package pool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/state"
	"github.com/bft-labs/starpool/pkg/worker"
)

// workerRecord keeps the worker pids on disk so a later pool can clean up
// after a supervisor that died without stopping its workers.
type workerRecord struct {
	repo   state.Repository
	poolID string
	logger log.Logger

	mu sync.Mutex
	st state.State
}

func newWorkerRecord(dir, poolID string, logger log.Logger) *workerRecord {
	return &workerRecord{
		repo:   state.NewFileRepository(dir),
		poolID: poolID,
		logger: logger,
	}
}

// reapOrphans terminates workers recorded by a supervisor that is no
// longer alive.
func (r *workerRecord) reapOrphans(ctx context.Context) {
	prev, err := r.repo.Load(ctx)
	if err != nil {
		r.logger.Warn("failed to load worker record", log.Err(err))
		return
	}
	if prev.IsEmpty() {
		return
	}
	if prev.OwnerPID != os.Getpid() && processAlive(prev.OwnerPID) {
		r.logger.Warn("worker record belongs to a running supervisor, not reaping",
			log.Int("owner_pid", prev.OwnerPID),
			log.String("owner_pool", prev.PoolID))
		return
	}

	for _, w := range prev.Workers {
		if !processAlive(w.PID) {
			continue
		}
		if !isWorkerProcess(w.PID, w.ID) {
			r.logger.Debug("recorded pid is not our worker, skipping", log.Int("pid", w.PID), log.String("worker_id", w.ID))
			continue
		}
		if err := unix.Kill(w.PID, unix.SIGTERM); err != nil {
			r.logger.Warn("failed to terminate orphaned worker", log.Int("pid", w.PID), log.Err(err))
			continue
		}
		r.logger.Info("terminated orphaned worker", log.Int("pid", w.PID), log.String("worker_id", w.ID))
	}
	if err := r.repo.Clear(ctx); err != nil {
		r.logger.Warn("failed to clear worker record", log.Err(err))
	}
}

// put records a running worker.
func (r *workerRecord) put(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.OwnerPID = os.Getpid()
	r.st.PoolID = r.poolID
	r.st.Put(state.Worker{ID: h.id, Slot: h.slot, PID: h.PID(), StartedAt: time.Now()})
	if err := r.repo.Save(context.Background(), r.st); err != nil {
		r.logger.Warn("failed to save worker record", log.Err(err))
	}
}

func (r *workerRecord) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st = state.State{}
	if err := r.repo.Clear(context.Background()); err != nil {
		r.logger.Warn("failed to clear worker record", log.Err(err))
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// isWorkerProcess checks the process environment for the worker id, so a
// reused pid is never signalled. Without /proc it reports false.
func isWorkerProcess(pid int, id string) bool {
	env, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		return false
	}
	want := []byte(worker.EnvWorkerID + "=" + id)
	for _, kv := range bytes.Split(env, []byte{0}) {
		if bytes.Equal(kv, want) {
			return true
		}
	}
	return false
}
