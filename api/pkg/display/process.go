package display

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// process supervises one child of a display stack (Xvfb, x11vnc or the
// taskbar). The done channel closes when Wait returns, so terminate can
// poll for exit without racing the reaper goroutine.
type process struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}
}

// startProcess launches the command and reaps it in the background.
// Children get their own process group so signals do not leak to us.
func startProcess(name string, cmd *exec.Cmd) (*process, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &process{
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		if err := cmd.Wait(); err != nil {
			log.Debug().Err(err).Str("process", name).Int("pid", cmd.Process.Pid).Msg("process exited")
		}
	}()

	return p, nil
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// terminate asks the process group to exit with SIGTERM, waits up to
// grace for it to go, then SIGKILLs. Safe to call on an already-dead
// process.
func (p *process) terminate(grace time.Duration) {
	if p.cmd.Process == nil || p.exited() {
		return
	}

	pid := p.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	log.Warn().Str("process", p.name).Int("pid", pid).Msg("process ignored SIGTERM, sending SIGKILL")

	if pgid, err := syscall.Getpgid(pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
}
