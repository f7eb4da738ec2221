//go:build unix && !linux

package poller

import "golang.org/x/sys/unix"

const fionread = unix.FIONREAD
