// Package proxy implements proxee's listener side.
//
// A single multiplexer goroutine owns the listening socket and every
// accepted client. It waits for read readiness on all of them at once,
// accepts when the listener is ready, and hands a ready client to a worker
// goroutine that reads one request and relays it. A client that polls
// readable with nothing to read has closed, and is removed and closed by
// the multiplexer. Workers never close clients.
//
// Client descriptors are registered one-shot, so a client with a worker in
// flight is never dispatched twice; the multiplexer re-arms it when the
// worker reports back.
package proxy
