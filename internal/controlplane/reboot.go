package controlplane

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Rebooter restarts the device after a successful update. Reboot returns
// nil when the restart has been handed off and the process should exit.
type Rebooter interface {
	Reboot() error
}

// ExecRebooter replaces the running process with the freshly installed
// image. When no image is installed it re-executes the current binary.
type ExecRebooter struct {
	Image string
	Log   *slog.Logger
	exec  func(path string, argv, env []string) error
}

func (r ExecRebooter) Reboot() error {
	path, err := r.target()
	if err != nil {
		return err
	}
	execFn := r.exec
	if execFn == nil {
		execFn = syscall.Exec
	}
	argv := append([]string{path}, os.Args[1:]...)
	r.Log.Info("exec", "path", path)
	return execFn(path, argv, os.Environ())
}

func (r ExecRebooter) target() (string, error) {
	if r.Image != "" {
		if info, err := os.Stat(r.Image); err == nil && info.Mode().IsRegular() {
			return r.Image, nil
		}
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("determine executable: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks: %w", err)
	}
	return exe, nil
}

// SystemRebooter asks the host to reboot.
type SystemRebooter struct {
	Log *slog.Logger
}

func (r SystemRebooter) Reboot() error {
	r.Log.Info("requesting system reboot")
	if out, err := exec.Command("reboot").CombinedOutput(); err != nil {
		return fmt.Errorf("reboot: %w: %s", err, out)
	}
	return nil
}

// NopRebooter only logs; the process exits and a supervisor restarts it.
type NopRebooter struct {
	Log *slog.Logger
}

func (r NopRebooter) Reboot() error {
	r.Log.Info("reboot requested; exiting")
	return nil
}
