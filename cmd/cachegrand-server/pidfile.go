package main

import (
	"fmt"
	"os"
	"syscall"
)

// acquirePidfile takes an exclusive, non-blocking flock on path, truncates
// it, and writes the current PID. The returned func releases the lock and
// unlinks the file; callers defer it.
//
// stdlib-only: no example repo in the pack wires a pidfile library, and
// syscall.Flock is the idiomatic Unix primitive for this (see DESIGN.md).
func acquirePidfile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another instance holds %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteString(fmt.Sprintf("%d\n", os.Getpid())); err != nil {
		f.Close()
		return nil, err
	}

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		_ = os.Remove(path)
	}, nil
}
