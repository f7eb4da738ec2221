// Package relay moves one raw client request to its origin server and the
// origin's response back to the client.
//
// The request is never parsed beyond locating the target host: the segment
// after the first '/'. The response is copied unmodified, chunk by chunk,
// until the origin closes its side.
package relay
