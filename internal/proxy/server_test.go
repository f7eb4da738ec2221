//go:build unix

package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/proxee/internal/dialer"
	"github.com/die-net/proxee/internal/metrics"
	"github.com/die-net/proxee/internal/relay"
	"github.com/die-net/proxee/internal/resolver"
	"github.com/die-net/proxee/internal/testutil"
)

var (
	loopback = netip.MustParseAddr("127.0.0.1")
	// deadAddr stands in for an origin that refuses connections; see
	// redirectDialer.
	deadAddr = netip.MustParseAddr("192.0.2.1")
)

type harness struct {
	addr string
	reg  *prometheus.Registry
	stop func() error
}

func startProxy(t *testing.T, cfg Config, r Relayer) *harness {
	t.Helper()

	ln, err := ListenTCP("127.0.0.1:0", DefaultBacklog, net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	srv := NewServer(cfg, r, zaptest.NewLogger(t), metrics.New(reg))

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	h := &harness{
		addr: ln.Addr().String(),
		reg:  reg,
		stop: sync.OnceValue(func() error {
			cancel()
			return g.Wait()
		}),
	}
	t.Cleanup(func() {
		if err := h.stop(); err != nil {
			t.Errorf("Serve() = %v", err)
		}
	})
	return h
}

// redirectDialer sends dials for deadAddr to a port nothing listens on.
type redirectDialer struct {
	d       dialer.Dialer
	refused uint16
}

func (r redirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	ap, err := netip.ParseAddrPort(address)
	if err == nil && ap.Addr() == deadAddr {
		address = net.JoinHostPort(loopback.String(), strconv.Itoa(int(r.refused)))
	}
	return r.d.DialContext(ctx, network, address)
}

func newEngine(t *testing.T, origin *testutil.Origin) *relay.Engine {
	t.Helper()
	r := resolver.Static{
		"origin.test": loopback,
		"slow.test":   loopback,
		"fast.test":   loopback,
		"dead.test":   deadAddr,
	}
	d := redirectDialer{
		d:       dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
		refused: testutil.RefusedPort(t),
	}
	return relay.NewEngine(relay.Config{BufferSize: 1024, UpstreamPort: origin.AddrPort().Port()}, r, d)
}

func defaultConfig() Config {
	return Config{HalfClose: true, ShutdownGrace: 5 * time.Second}
}

// roundTrip sends req on a new connection and reads until the proxy
// half-closes.
func roundTrip(addr string, req []byte) ([]byte, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := c.Write(req); err != nil {
		return nil, err
	}
	return io.ReadAll(c)
}

// metricValue sums every series of the named metric whose labels include
// the given name/value pairs.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			have := map[string]string{}
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for i := 0; i+1 < len(labels); i += 2 {
				if have[labels[i]] != labels[i+1] {
					continue series
				}
			}
			sum += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return sum
}

func waitMetric(t *testing.T, reg *prometheus.Registry, want float64, name string, labels ...string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		got := metricValue(t, reg, name, labels...)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s%v = %v, want %v", name, labels, got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeRelaysResponse(t *testing.T) {
	resp := []byte("HTTP/1.0 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	origin := testutil.StartOrigin(t, testutil.Reply(resp, 0))
	h := startProxy(t, defaultConfig(), newEngine(t, origin))

	req := []byte("GET /origin.test/index.html HTTP/1.0\r\nUser-Agent: test\r\n\r\n")
	got, err := roundTrip(h.addr, req)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, resp) {
		t.Fatalf("client received %q, want %q", got, resp)
	}
	if reqs := origin.Requests(); len(reqs) != 1 || !bytes.Equal(reqs[0], req) {
		t.Fatalf("origin received %q, want %q", reqs, req)
	}

	waitMetric(t, h.reg, 1, "proxee_relays_total", "outcome", relay.OutcomeOK)
	waitMetric(t, h.reg, 1, "proxee_connections_closed_total")
	waitMetric(t, h.reg, 0, "proxee_watched_connections")
}

func TestServeTruncatesLongRequest(t *testing.T) {
	resp := []byte("HTTP/1.0 200 OK\r\n\r\ntruncated")
	origin := testutil.StartOrigin(t, testutil.Reply(resp, 0))
	cfg := defaultConfig()
	cfg.BufferSize = 1024
	h := startProxy(t, cfg, newEngine(t, origin))

	head := "GET /origin.test/ HTTP/1.0\r\nX-Pad: "
	req := []byte(head + strings.Repeat("a", 1536-len(head)-4) + "\r\n\r\n")

	got, err := roundTrip(h.addr, req)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, resp) {
		t.Fatalf("client received %q, want %q", got, resp)
	}
	reqs := origin.Requests()
	if len(reqs) != 1 || !bytes.Equal(reqs[0], req[:1024]) {
		t.Fatalf("origin received %d requests, want exactly the first 1024 bytes of the request", len(reqs))
	}

	// The unread tail is the next read from the client, with no host in it.
	waitMetric(t, h.reg, 1, "proxee_relays_total", "outcome", relay.OutcomeMalformedRequest)
	if n := len(origin.Requests()); n != 1 {
		t.Fatalf("origin received %d requests, want 1", n)
	}
}

func TestServeUnresolvableHost(t *testing.T) {
	resp := []byte("hello")
	origin := testutil.StartOrigin(t, testutil.Reply(resp, 0))
	h := startProxy(t, defaultConfig(), newEngine(t, origin))

	got, err := roundTrip(h.addr, []byte("GET /nowhere.test/ HTTP/1.0\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("client received %q, want nothing", got)
	}
	waitMetric(t, h.reg, 1, "proxee_relays_total", "outcome", relay.OutcomeHostUnresolved)
	if n := len(origin.Requests()); n != 0 {
		t.Fatalf("origin received %d requests, want 0", n)
	}

	// The proxy keeps serving.
	got, err = roundTrip(h.addr, []byte("GET /origin.test/ HTTP/1.0\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, resp) {
		t.Fatalf("client received %q, want %q", got, resp)
	}
}

func TestServeSlowUpstreamDoesNotBlockFast(t *testing.T) {
	origin := testutil.StartOrigin(t, func(req []byte) []byte {
		if bytes.Contains(req, []byte("/slow.test/")) {
			time.Sleep(400 * time.Millisecond)
			return []byte("slow")
		}
		return []byte("fast")
	})
	h := startProxy(t, defaultConfig(), newEngine(t, origin))

	var (
		mu    sync.Mutex
		order []string
	)
	fetch := func(host string) error {
		got, err := roundTrip(h.addr, []byte("GET /"+host+".test/ HTTP/1.0\r\n\r\n"))
		if err != nil {
			return err
		}
		if string(got) != host {
			return errors.New("got " + strconv.Quote(string(got)) + " for " + host)
		}
		mu.Lock()
		order = append(order, host)
		mu.Unlock()
		return nil
	}

	var g errgroup.Group
	g.Go(func() error { return fetch("slow") })
	waitMetric(t, h.reg, 1, "proxee_active_workers")
	g.Go(func() error { return fetch("fast") })
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(order) != 2 || order[0] != "fast" || order[1] != "slow" {
		t.Fatalf("completion order = %v, want [fast slow]", order)
	}
}

func TestServeRefusedUpstreamDoesNotDisturbOthers(t *testing.T) {
	resp := []byte("HTTP/1.0 200 OK\r\n\r\nok")
	origin := testutil.StartOrigin(t, testutil.Reply(resp, 50*time.Millisecond))
	h := startProxy(t, defaultConfig(), newEngine(t, origin))

	var g errgroup.Group
	g.Go(func() error {
		got, err := roundTrip(h.addr, []byte("GET /origin.test/ HTTP/1.0\r\n\r\n"))
		if err != nil {
			return err
		}
		if !bytes.Equal(got, resp) {
			return errors.New("unexpected response " + strconv.Quote(string(got)))
		}
		return nil
	})
	g.Go(func() error {
		got, err := roundTrip(h.addr, []byte("GET /dead.test/ HTTP/1.0\r\n\r\n"))
		if err != nil {
			return err
		}
		if len(got) != 0 {
			return errors.New("refused upstream produced " + strconv.Quote(string(got)))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	waitMetric(t, h.reg, 1, "proxee_relays_total", "outcome", relay.OutcomeOK)
	waitMetric(t, h.reg, 1, "proxee_relays_total", "outcome", relay.OutcomeUpstreamConnectFailed)
}

func TestServeRemovesOnlyClosedClients(t *testing.T) {
	resp := []byte("hello")
	origin := testutil.StartOrigin(t, testutil.Reply(resp, 0))
	h := startProxy(t, defaultConfig(), newEngine(t, origin))

	// Connect and close without sending: removed, never dispatched.
	c, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	waitMetric(t, h.reg, 1, "proxee_connections_accepted_total")
	_ = c.Close()
	waitMetric(t, h.reg, 1, "proxee_connections_closed_total")
	if got := metricValue(t, h.reg, "proxee_dispatches_total"); got != 0 {
		t.Fatalf("dispatches = %v, want 0", got)
	}

	// A client that has read its response but keeps the socket open stays
	// watched.
	c, err = net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Write([]byte("GET /origin.test/ HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, resp) {
		t.Fatalf("client received %q, want %q", got, resp)
	}
	waitMetric(t, h.reg, 0, "proxee_active_workers")
	if got := metricValue(t, h.reg, "proxee_watched_connections"); got != 1 {
		t.Fatalf("watched = %v, want 1", got)
	}

	_ = c.Close()
	waitMetric(t, h.reg, 2, "proxee_connections_closed_total")
	waitMetric(t, h.reg, 0, "proxee_watched_connections")
}

func TestServeWithoutHalfClose(t *testing.T) {
	resp := []byte("HTTP/1.0 200 OK\r\n\r\nstill open")
	origin := testutil.StartOrigin(t, testutil.Reply(resp, 0))

	cfg := defaultConfig()
	cfg.HalfClose = false
	h := startProxy(t, cfg, newEngine(t, origin))

	c, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Write([]byte("GET /origin.test/ HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(resp))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, resp) {
		t.Fatalf("client received %q, want %q", got, resp)
	}
	waitMetric(t, h.reg, 1, "proxee_relays_total", "outcome", relay.OutcomeOK)
	if got := metricValue(t, h.reg, "proxee_connections_closed_total"); got != 0 {
		t.Fatalf("closed = %v, want 0", got)
	}
}

type panicRelayer struct {
	next Relayer
}

func (p panicRelayer) Relay(ctx context.Context, req []byte, w io.Writer) (relay.Stats, error) {
	if bytes.Contains(req, []byte("/panic/")) {
		panic("boom")
	}
	return p.next.Relay(ctx, req, w)
}

func TestServeRecoversWorkerPanic(t *testing.T) {
	resp := []byte("hello")
	origin := testutil.StartOrigin(t, testutil.Reply(resp, 0))
	h := startProxy(t, defaultConfig(), panicRelayer{next: newEngine(t, origin)})

	got, err := roundTrip(h.addr, []byte("GET /panic/ HTTP/1.0\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("client received %q, want nothing", got)
	}
	waitMetric(t, h.reg, 1, "proxee_worker_panics_total")

	got, err = roundTrip(h.addr, []byte("GET /origin.test/ HTTP/1.0\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, resp) {
		t.Fatalf("client received %q, want %q", got, resp)
	}
}

func TestServeShutdownWaitsForWorkers(t *testing.T) {
	resp := []byte("late but complete")
	origin := testutil.StartOrigin(t, testutil.Reply(resp, 300*time.Millisecond))
	h := startProxy(t, defaultConfig(), newEngine(t, origin))

	var g errgroup.Group
	var got []byte
	g.Go(func() error {
		var err error
		got, err = roundTrip(h.addr, []byte("GET /origin.test/ HTTP/1.0\r\n\r\n"))
		return err
	})

	waitMetric(t, h.reg, 1, "proxee_active_workers")
	if err := h.stop(); err != nil {
		t.Fatalf("Serve() = %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, resp) {
		t.Fatalf("client received %q, want %q", got, resp)
	}

	if c, err := net.DialTimeout("tcp", h.addr, time.Second); err == nil {
		_ = c.Close()
		t.Fatal("listener still accepting after shutdown")
	}
}

func TestServeShutdownGraceAbortsWorkers(t *testing.T) {
	release := make(chan struct{})
	origin := testutil.StartOrigin(t, func([]byte) []byte {
		<-release
		return []byte("too late")
	})
	t.Cleanup(func() { close(release) })

	cfg := defaultConfig()
	cfg.ShutdownGrace = 50 * time.Millisecond
	h := startProxy(t, cfg, newEngine(t, origin))

	c, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Write([]byte("GET /origin.test/ HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	waitMetric(t, h.reg, 1, "proxee_active_workers")

	if err := h.stop(); err != nil {
		t.Fatalf("Serve() = %v", err)
	}
	waitMetric(t, h.reg, 1, "proxee_relays_total", "outcome", relay.OutcomeUpstreamRecvFailed)
}

func TestListenTCPBindError(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0", DefaultBacklog, net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	_, err = ListenTCP(ln.Addr().String(), DefaultBacklog, net.KeepAliveConfig{})
	if !errors.Is(err, ErrBind) {
		t.Fatalf("ListenTCP() error = %v, want %v", err, ErrBind)
	}

	if _, err := ListenTCP("not an address", DefaultBacklog, net.KeepAliveConfig{}); !errors.Is(err, ErrListenSetup) {
		t.Fatalf("ListenTCP() error = %v, want %v", err, ErrListenSetup)
	}
}
