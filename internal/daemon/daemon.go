// Package daemon provides the boundary-only process-detachment adapter
// described in spec §6/§12: it has no say over relay semantics, only over
// how the relay process detaches from its controlling terminal and records
// its PID. Go has no fork(); the idiomatic substitute is to re-exec the
// same binary with a Setsid process attribute and let the parent exit once
// the child is running, mirroring what the original relay's daemonize-me
// crate did at the OS level.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// reexecEnv marks a process as the already-detached child, so it does not
// try to daemonize itself a second time.
const reexecEnv = "UDPRELAY_DAEMON_CHILD"

// IsChild reports whether the current process is the re-exec'd daemon
// child produced by Daemonize.
func IsChild() bool {
	return os.Getenv(reexecEnv) == "1"
}

// ClearUmask resets the process umask to 0, matching the original relay's
// daemonize-me `.umask(0o000)` call so the PID file and any other files
// the daemon creates are not silently permission-restricted by whatever
// umask the parent shell happened to have.
func ClearUmask() int {
	return unix.Umask(0)
}

// DefaultPIDFile returns the PID file path the original relay used:
// a fixed name under the system temporary directory.
func DefaultPIDFile() string {
	return filepath.Join(os.TempDir(), "udprelay.pid")
}

// Daemonize re-execs the current binary with the same arguments, detached
// into its own session, and writes the child's PID to pidFile. The caller
// (the foreground process) should exit immediately afterward; it does not
// run the relay itself.
func Daemonize(pidFile string) (pid int, err error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("daemonize: resolve executable: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("daemonize: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnv+"=1")
	cmd.Dir = os.TempDir()
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("daemonize: start child: %w", err)
	}

	if pidFile != "" {
		if err := WritePIDFile(pidFile, cmd.Process.Pid); err != nil {
			return cmd.Process.Pid, err
		}
	}

	return cmd.Process.Pid, nil
}

// WritePIDFile writes pid to path, matching the one-pid-per-line format
// of the original relay's PID file.
func WritePIDFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads back a previously written PID file.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// AlreadyRunning reads pidFile and reports whether the process it names is
// still alive, via a signal-0 liveness probe. A missing or unparseable PID
// file is treated as "not running" rather than an error: that is the normal
// state on a clean first start. This is the PID-file-side mirror of spec
// §6's dedicated exit code 49 for "relay already started", which otherwise
// only fires when the new process's own bind fails.
func AlreadyRunning(pidFile string) (pid int, running bool) {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return 0, false
	}
	if err := unix.Kill(pid, 0); err != nil {
		return pid, false
	}
	return pid, true
}

// RemovePIDFile deletes path, ignoring a not-exist error so shutdown stays
// idempotent.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file %s: %w", path, err)
	}
	return nil
}
