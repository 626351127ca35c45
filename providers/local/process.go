package local

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	pidFileName       = "qemu.pid"
	serialLogName     = "serial.log"
	destroyMarkerName = "destroyed"
	abandonedName     = "abandoned"
)

// readPID returns the pid recorded by the emulator, or 0 if there is none.
func readPID(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file: %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// alive reports whether pid exists. EPERM means it exists but belongs to
// someone else.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// ownsProcess checks the process command line references the instance
// directory, so a recycled pid is never signalled.
func ownsProcess(pid int, dir string) bool {
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		// No procfs: trust the pid file.
		return errors.Is(err, os.ErrNotExist) && !procfsAvailable()
	}
	return bytes.Contains(cmdline, []byte(dir))
}

func procfsAvailable() bool {
	_, err := os.Stat("/proc/self")
	return err == nil
}

func markDestroyed(dir string) error {
	return os.WriteFile(filepath.Join(dir, destroyMarkerName), nil, 0o600)
}

func destroyed(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, destroyMarkerName))
	return err == nil
}

// markAbandoned records a pid that survived SIGKILL.
func markAbandoned(dir string, pid int) error {
	return os.WriteFile(filepath.Join(dir, abandonedName), []byte(strconv.Itoa(pid)), 0o600)
}

// abandonedPID returns the pid recorded by markAbandoned, or 0.
func abandonedPID(dir string) int {
	data, err := os.ReadFile(filepath.Join(dir, abandonedName))
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}
