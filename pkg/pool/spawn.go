package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bft-labs/starpool/pkg/channel"
	"github.com/bft-labs/starpool/pkg/errs"
	"github.com/bft-labs/starpool/pkg/handshake"
	"github.com/bft-labs/starpool/pkg/interp"
	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/worker"
)

// resolveExecutable returns the first usable candidate, or the current
// binary when there are none.
func resolveExecutable(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return os.Executable()
	}
	var tried []string
	for _, c := range candidates {
		if c == "" {
			continue
		}
		path, err := exec.LookPath(c)
		if err == nil {
			return path, nil
		}
		tried = append(tried, c)
	}
	return "", fmt.Errorf("no usable executable among %s", strings.Join(tried, ", "))
}

// socketpair returns two connected stream sockets as files, both
// close-on-exec. exec clears the flag on the child's copy.
func socketpair() (parent, child *os.File, err error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "starpool-supervisor"), os.NewFile(uintptr(fds[1]), "starpool-worker"), nil
}

func newWorkerID(slot int) string {
	return fmt.Sprintf("w%d-%s", slot, uuid.NewString()[:8])
}

// spawn starts one worker process for slot and completes the handshake.
// On failure nothing is left running.
func (p *Pool) spawn(ctx context.Context, slot int) (*handle, error) {
	id := newWorkerID(slot)
	op := "spawn " + id
	logger := log.With(p.logger, log.String("worker_id", id))

	exe, err := resolveExecutable(p.cfg.Executables)
	if err != nil {
		return nil, errs.Wrap(errs.KindPoolSpawn, op, err)
	}

	pc := worker.ProcessConfig{
		WorkerID:        id,
		ModulePath:      p.cfg.ModulePath,
		Function:        p.cfg.Function,
		Mode:            p.cfg.Mode,
		LogLevel:        p.cfg.LogLevel,
		CallbackTimeout: p.cfg.CallbackTimeout,
	}
	if p.cfg.LogDir != "" {
		if err := os.MkdirAll(p.cfg.LogDir, 0o755); err != nil {
			return nil, errs.Wrap(errs.KindPoolSpawn, op, err)
		}
		pc.LogFile = filepath.Join(p.cfg.LogDir, id+".log")
	}

	parentFile, childFile, err := socketpair()
	if err != nil {
		return nil, errs.Wrap(errs.KindPoolSpawn, op, err)
	}

	cmd := exec.Command(exe, p.cfg.Args...)
	cmd.Env = append(append(os.Environ(), p.cfg.Env...), pc.Environ()...)
	cmd.ExtraFiles = []*os.File{childFile} // fd 3 in the child
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = parentFile.Close()
		_ = childFile.Close()
		return nil, errs.Wrap(errs.KindPoolSpawn, op, fmt.Errorf("start %s: %w", exe, err))
	}
	_ = childFile.Close()

	h := newHandle(id, slot, cmd, logger)
	h.pid = cmd.Process.Pid
	go h.wait()

	conn, err := net.FileConn(parentFile)
	_ = parentFile.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		<-h.exited
		return nil, errs.Wrap(errs.KindPoolSpawn, op, err)
	}

	h.ch = channel.New(conn, channel.Options{
		Codec:           p.codec,
		Logger:          logger,
		CallTimeout:     p.cfg.CallTimeout,
		StreamBuffer:    p.cfg.StreamBuffer,
		PropagateCancel: p.cfg.PropagateCancel,
		OnClose:         func(err error) { p.workerLost(h, err) },
	})

	hctx, cancel := context.WithTimeout(ctx, p.cfg.SpawnTimeout)
	local := handshake.NewRecord(p.reg.Fingerprint(), p.cfg.Mode == interp.ModeStreaming)
	peer, err := handshake.NewSession(local, p.codec).Initiate(hctx, h.ch)
	cancel()
	if err != nil {
		h.stop(0)
		if werr := h.exitErr(); werr != nil && !errors.Is(err, errs.ErrHandshake) {
			err = fmt.Errorf("%w (worker exited: %v)", err, werr)
		}
		return nil, errs.Wrap(errs.KindPoolSpawn, op, err)
	}
	if peer.PID != 0 && peer.PID != h.pid {
		logger.Debug("worker reported a different pid", log.Int("pid", h.pid), log.Int("reported", peer.PID))
	}

	h.ch.Start(p.inbound(h))
	p.setHealth(h, Ready, "handshake complete")
	logger.Info("worker ready", log.Int("pid", h.pid), log.Int("slot", slot))
	return h, nil
}

func (h *handle) exitErr() error {
	select {
	case <-h.exited:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.waitErr
	default:
		return nil
	}
}
