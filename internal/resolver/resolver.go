// Package resolver translates target hostnames to IPv4 addresses.
//
// Results are never cached; every request resolves again.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

// ErrHostNotFound is returned (wrapped) when a hostname has no IPv4 address
// or the lookup itself failed.
var ErrHostNotFound = errors.New("host not found")

// Resolver looks up the IPv4 address of a hostname.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// DNS resolves through the system resolver.
//
// A zero Timeout means the lookup may block for as long as the system
// resolver does.
type DNS struct {
	Resolver *net.Resolver
	Timeout  time.Duration
}

func (d *DNS) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	r := d.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	addrs, err := r.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: %w", ErrHostNotFound, host, err)
	}
	for _, a := range addrs {
		if a = a.Unmap(); a.Is4() {
			return a, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s: no IPv4 address", ErrHostNotFound, host)
}

// Static is a fixed hostname table. Lookups are case-insensitive.
type Static map[string]netip.Addr

// ParseStatic builds a Static table from name=address pairs.
func ParseStatic(m map[string]string) (Static, error) {
	s := make(Static, len(m))
	for name, addr := range m {
		if name == "" {
			return nil, errors.New("empty hostname")
		}
		a, err := netip.ParseAddr(strings.TrimSpace(addr))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if a = a.Unmap(); !a.Is4() {
			return nil, fmt.Errorf("%s: %s is not an IPv4 address", name, addr)
		}
		s[strings.ToLower(name)] = a
	}
	return s, nil
}

func (s Static) Resolve(_ context.Context, host string) (netip.Addr, error) {
	if a, ok := s[strings.ToLower(host)]; ok {
		return a, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrHostNotFound, host)
}

// Chain tries each Resolver in order and returns the first answer.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	err := fmt.Errorf("%w: %s: no resolvers", ErrHostNotFound, host)
	for _, r := range c {
		var a netip.Addr
		a, err = r.Resolve(ctx, host)
		if err == nil {
			return a, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return netip.Addr{}, err
}
