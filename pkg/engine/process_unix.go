//go:build unix

package engine

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func (SystemProcesses) Spawn(spec SpawnSpec) (int, error) {
	logFile, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file %s: %w", spec.LogFile, err)
	}
	defer logFile.Close()

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// New session: the daemon outlives the CLI and its terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	// Reap the child if it exits while this process is still around.
	go func() { _ = cmd.Wait() }()

	return cmd.Process.Pid, nil
}

func (SystemProcesses) Signal(pid int, sig Signal) error {
	if pid <= 0 {
		return ErrProcessGone
	}

	var s unix.Signal
	switch sig {
	case SignalTerminate:
		s = unix.SIGTERM
	case SignalKill:
		s = unix.SIGKILL
	case SignalReload:
		s = unix.SIGHUP
	default:
		return fmt.Errorf("unsupported signal %d", sig)
	}

	err := unix.Kill(pid, s)
	if errors.Is(err, unix.ESRCH) {
		return ErrProcessGone
	}
	if err != nil {
		return fmt.Errorf("send %s to pid %d: %w", sig, pid, err)
	}
	return nil
}

func (SystemProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
