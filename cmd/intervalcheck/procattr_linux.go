package main

import "syscall"

// childProcAttr kills the child when this process dies, so terminating the
// monitor terminates the job step. Linux delivers Pdeathsig when the thread
// that forked the child exits (golang/go#27505); runChild keeps that thread
// locked for the child's lifetime.
func childProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
