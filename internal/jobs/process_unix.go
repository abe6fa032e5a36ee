//go:build unix

package jobs

import "syscall"

// setsid puts the worker in its own process group so terminate can signal
// the whole group (the worker may itself spawn children).
func setsid() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group led by pid.
func signalGroup(pid int, sig syscall.Signal) {
	_ = syscall.Kill(-pid, sig)
}
