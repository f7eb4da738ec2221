// Package dialer provides the outbound connection strategies used by the
// relay to reach origin servers.
//
// A Dialer either connects directly or tunnels through an upstream proxy
// (HTTP CONNECT or SOCKS5), so proxee can itself sit behind another proxy.
package dialer
