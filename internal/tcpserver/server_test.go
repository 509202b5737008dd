package tcpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func startEcho(t *testing.T) *Server {
	t.Helper()
	srv := New(Config{Name: "echo", Addr: "127.0.0.1:0", NoDelay: true}, func(ctx context.Context, c *Conn) {
		io.Copy(c, c)
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return srv
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestLifecycle walks stopped → listening → stopped.
func TestLifecycle(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"}, func(ctx context.Context, c *Conn) {})
	if srv.State() != StateStopped {
		t.Fatalf("Expected stopped, got %s", srv.State())
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if srv.State() != StateListening {
		t.Fatalf("Expected listening, got %s", srv.State())
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if srv.State() != StateStopped {
		t.Fatalf("Expected stopped, got %s", srv.State())
	}

	// Idempotent
	if err := srv.Stop(); err != nil {
		t.Errorf("Second Stop returned error: %v", err)
	}

	// No restart
	if err := srv.Start(context.Background()); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed on restart, got %v", err)
	}
}

// TestBindError verifies a bind failure is returned and leaves the server stopped.
func TestBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := New(Config{Addr: ln.Addr().String()}, func(ctx context.Context, c *Conn) {})
	if err := srv.Start(context.Background()); err == nil {
		srv.Stop()
		t.Fatal("Expected bind error")
	}
	if srv.State() != StateStopped {
		t.Errorf("Expected stopped after bind error, got %s", srv.State())
	}
}

// TestStopClosesConnections verifies Stop unblocks handlers stuck in Read and joins them.
func TestStopClosesConnections(t *testing.T) {
	srv := startEcho(t)

	var clients []net.Conn
	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		defer c.Close()
		clients = append(clients, c)
	}
	waitFor(t, func() bool { return srv.Conns().Len() == 3 }, "3 registered connections")

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if n := srv.Conns().Len(); n != 0 {
		t.Errorf("Expected empty set after Stop, got %d", n)
	}

	for i, c := range clients {
		c.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Errorf("Client %d: expected closed connection", i)
		}
	}
}

// TestConnectionIsolation verifies one client hanging up does not affect another.
func TestConnectionIsolation(t *testing.T) {
	srv := startEcho(t)
	defer srv.Stop()

	a, _ := net.Dial("tcp", srv.Addr().String())
	b, _ := net.Dial("tcp", srv.Addr().String())
	defer b.Close()
	waitFor(t, func() bool { return srv.Conns().Len() == 2 }, "2 connections")

	a.Close()
	waitFor(t, func() bool { return srv.Conns().Len() == 1 }, "deregistration")

	b.Write([]byte("ping"))
	buf := make([]byte, 4)
	b.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatalf("Surviving client read failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("Expected echo 'ping', got %q", buf)
	}

	if st := srv.Stats(); st.Accepted != 2 || st.Active != 1 {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

// TestUniqueConnIDs verifies each connection gets its own id.
func TestUniqueConnIDs(t *testing.T) {
	ids := make(chan string, 2)
	srv := New(Config{Addr: "127.0.0.1:0"}, func(ctx context.Context, c *Conn) {
		ids <- c.ID
		<-ctx.Done()
	})
	srv.Start(context.Background())
	defer srv.Stop()

	for i := 0; i < 2; i++ {
		c, _ := net.Dial("tcp", srv.Addr().String())
		defer c.Close()
	}

	first, second := <-ids, <-ids
	if first == "" || first == second {
		t.Errorf("Expected distinct ids, got %q and %q", first, second)
	}
}

type fakePeer struct {
	closed atomic.Int32
}

func (p *fakePeer) Close() error {
	p.closed.Add(1)
	return nil
}

// TestConnSetSealedAfterCloseAll verifies no peer escapes shutdown.
func TestConnSetSealedAfterCloseAll(t *testing.T) {
	set := NewConnSet[*fakePeer]()
	a, b := &fakePeer{}, &fakePeer{}

	set.Add(a)
	if n := set.CloseAll(); n != 1 {
		t.Errorf("Expected 1 closed, got %d", n)
	}
	if a.closed.Load() != 1 {
		t.Error("Registered peer not closed")
	}

	if set.Add(b) {
		t.Error("Add after CloseAll should be rejected")
	}
	if b.closed.Load() != 1 {
		t.Error("Rejected peer not closed")
	}
	if set.Len() != 0 {
		t.Errorf("Expected empty set, got %d", set.Len())
	}
}

func TestConnSetRemoveKeepsOrder(t *testing.T) {
	set := NewConnSet[*fakePeer]()
	a, b, c := &fakePeer{}, &fakePeer{}, &fakePeer{}
	set.Add(a)
	set.Add(b)
	set.Add(c)

	if !set.Remove(b) {
		t.Fatal("Remove returned false for registered peer")
	}
	if set.Remove(b) {
		t.Error("Second Remove should return false")
	}

	snap := set.Snapshot()
	if len(snap) != 2 || snap[0] != a || snap[1] != c {
		t.Errorf("Unexpected snapshot after remove")
	}
	if b.closed.Load() != 0 {
		t.Error("Remove must not close the peer")
	}
}
