// Package socks5 is a thin layer over github.com/txthinking/socks5 that
// performs the SOCKS5 handshakes proxee needs: the client side used by the
// socks5:// upstream dialer, and a minimal no-frills server side used by
// test fixtures that stand in for an upstream SOCKS5 proxy.
package socks5
