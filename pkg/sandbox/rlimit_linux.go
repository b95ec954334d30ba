//go:build linux

package sandbox

import (
	"fmt"
	"os/exec"
	"syscall"
)

// applyRlimits rewrites cmd to run under a `sh -c 'ulimit ...; exec "$@"'`
// wrapper so the toolchain process inherits POSIX resource ceilings
// (address-space, CPU-seconds, process count) before it execs, matching
// spec.md §4.9's "native in-TEE compilation with ... resource ceilings".
// The original binary and its arguments are passed as positional
// parameters to the wrapper shell rather than interpolated into the
// script text, so no argument can break out of its quoting.
func applyRlimits(cmd *exec.Cmd, limits Limits) {
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL

	script := fmt.Sprintf(
		"ulimit -v %d; ulimit -t %d; ulimit -u %d; exec \"$@\"",
		uint64(limits.MemoryMB)<<10, // ulimit -v is in KB
		limits.CPUSeconds,
		limits.MaxProcs,
	)

	original := append([]string{cmd.Path}, cmd.Args[1:]...)
	cmd.Path = "/bin/sh"
	cmd.Args = append([]string{"/bin/sh", "-c", script, "sh"}, original...)
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
