// Package poller implements read-readiness notification over raw socket
// descriptors.
//
// On Linux the backend is epoll with an eventfd used to interrupt Wait. On
// other unix systems it is poll(2) with a self-pipe. Client descriptors are
// registered one-shot: once reported ready they stay registered but are not
// reported again until Rearm is called, so a descriptor handed to a worker is
// never dispatched twice.
//
// On other platforms New returns an error.
package poller
