package relay

import (
	"errors"
	"fmt"
)

// Relay failures. Every error returned by Engine.Relay wraps exactly one of
// these; none of them is fatal to the process.
var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrHostTooLong      = fmt.Errorf("%w: host too long", ErrMalformedRequest)
	ErrHostUnresolved   = errors.New("host unresolved")
	ErrSocketCreate     = errors.New("socket create failed")
	ErrUpstreamConnect  = errors.New("upstream connect failed")
	ErrForward          = errors.New("forward failed")
	ErrClientSend       = errors.New("client send failed")
	ErrUpstreamRecv     = errors.New("upstream receive failed")
)

// Outcome labels, stable for logs and metrics.
const (
	OutcomeOK                    = "ok"
	OutcomeMalformedRequest      = "malformed_request"
	OutcomeHostUnresolved        = "host_unresolved"
	OutcomeSocketCreateFailed    = "socket_create_failed"
	OutcomeUpstreamConnectFailed = "upstream_connect_failed"
	OutcomeForwardFailed         = "forward_failed"
	OutcomeClientSendFailed      = "client_send_failed"
	OutcomeUpstreamRecvFailed    = "upstream_recv_failed"
	OutcomeUnknown               = "unknown"
)

var outcomes = []struct {
	err   error
	label string
}{
	{ErrMalformedRequest, OutcomeMalformedRequest},
	{ErrHostUnresolved, OutcomeHostUnresolved},
	{ErrSocketCreate, OutcomeSocketCreateFailed},
	{ErrUpstreamConnect, OutcomeUpstreamConnectFailed},
	{ErrForward, OutcomeForwardFailed},
	{ErrClientSend, OutcomeClientSendFailed},
	{ErrUpstreamRecv, OutcomeUpstreamRecvFailed},
}

// Outcome maps an error returned by Relay to its label.
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.label
		}
	}
	return OutcomeUnknown
}
