// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package launcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// localProcess is a shell on a PTY owned by this process.
type localProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	waitOnce sync.Once
	status   ExitStatus
}

func startLocal(shell, workDir string, env []string, cols, rows uint16) (*localProcess, error) {
	cmd := exec.Command(shell)
	cmd.Dir = workDir
	cmd.Env = env
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", shell, err)
	}
	return &localProcess{cmd: cmd, ptmx: ptmx}, nil
}

// Read maps EIO, which Linux returns from the PTY master once the
// child side closes, to io.EOF.
func (p *localProcess) Read(buffer []byte) (int, error) {
	n, err := p.ptmx.Read(buffer)
	if errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func (p *localProcess) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

func (p *localProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *localProcess) Wait() ExitStatus {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.status = exitStatusOf(p.cmd.ProcessState, err)
	})
	return p.status
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	// Shells ignore SIGTERM; SIGHUP is what a closing terminal sends.
	if err := p.cmd.Process.Signal(syscall.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *localProcess) Close() error {
	return p.ptmx.Close()
}

func exitStatusOf(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		reason := "wait failed"
		if waitErr != nil {
			reason = waitErr.Error()
		}
		return ExitStatus{Code: -1, Reason: reason}
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		signal := status.Signal()
		return ExitStatus{Code: 128 + int(signal), Reason: unix.SignalName(signal)}
	}
	return ExitStatus{Code: state.ExitCode()}
}
