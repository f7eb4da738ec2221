//go:build linux

package poller

import "golang.org/x/sys/unix"

// Linux names FIONREAD for sockets TIOCINQ.
const fionread = unix.TIOCINQ
