//go:build linux

package session

import "golang.org/x/sys/unix"

// currentThreadID returns the OS thread id of the calling thread.
func currentThreadID() (uint32, bool) {
	return uint32(unix.Gettid()), true
}
