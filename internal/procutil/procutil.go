// Package procutil inspects and signals detached helper processes such as a
// started action server.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDAlive reports whether pid names a live process. Zombies count as dead:
// a detached action server that exited stays a zombie until reaped.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if st, ok := processState(pid); ok && (st == 'Z' || st == 'X') {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// processState returns the one-letter scheduler state of pid, read from
// /proc when mounted and from ps otherwise.
func processState(pid int) (byte, bool) {
	if b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat")); err == nil {
		// The command name may contain spaces and parens; the state follows the last ')'.
		line := string(b)
		i := strings.LastIndexByte(line, ')')
		if i < 0 || i+2 >= len(line) {
			return 0, false
		}
		return line[i+2], true
	}
	if _, err := os.Stat("/proc/self/stat"); err == nil {
		return 0, false
	}
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, false
	}
	st := strings.TrimSpace(string(out))
	if st == "" {
		return 0, false
	}
	return st[0], true
}

// WritePIDFile records pid in path, creating parent directories.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPIDFile returns the pid stored in path.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: invalid content %q", path, strings.TrimSpace(string(b)))
	}
	return pid, nil
}

// TerminateGroup sends SIGTERM to the process group led by pid. Processes
// started with Setpgid lead their own group.
func TerminateGroup(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
