//go:build windows

package daemon

import (
	"os"
	"os/exec"
	"strconv"
)

func processAlive(pid int) bool {
	// FindProcess fails on Windows when no such process exists.
	_, err := os.FindProcess(pid)
	return err == nil
}

func terminate(pid int) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").Run()
}

func detach(cmd *exec.Cmd) {}
