//go:build unix && !linux

package poller

// New returns a poll(2)-backed Poller.
func New() (Poller, error) {
	return newPollPoller()
}
