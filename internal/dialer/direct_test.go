package dialer

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/die-net/proxee/internal/testutil"
)

func TestDirectDialer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn, wait := testutil.StartEchoTCPServer(t, ctx)
	defer wait()

	d := NewDirectDialer(Config{DialTimeout: 2 * time.Second})
	c, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("hello"))
}

func TestDirectDialerRefused(t *testing.T) {
	port := testutil.RefusedPort(t)

	d := NewDirectDialer(Config{DialTimeout: 2 * time.Second})
	if _, err := d.DialContext(context.Background(), "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))); err == nil {
		t.Fatal("expected error")
	}
}
