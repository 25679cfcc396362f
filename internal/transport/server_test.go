package transport

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"go.fuchsia.dev/membroker/internal/broker"
	"go.fuchsia.dev/membroker/internal/wire"
)

func newTestServer(t *testing.T) (*Server, string, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LXK_RUNTIME_DIR", dir)

	clientPath := SocketPath(ClientSocketName)
	debugPath := SocketPath(DebugSocketName)

	clientLis, err := Listen(clientPath)
	if err != nil {
		t.Fatal(err)
	}
	debugLis, err := Listen(debugPath)
	if err != nil {
		t.Fatal(err)
	}

	engine := broker.NewEngine(10)
	srv := NewServer(engine, clientLis, debugLis)
	return srv, clientPath, debugPath
}

func TestServeHandlesClientRoundTrip(t *testing.T) {
	srv, clientPath, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("unix", clientPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := wire.Encode(conn, wire.Message{ID: 1, Op: wire.Register}); err != nil {
		t.Fatal(err)
	}
	if err := wire.Encode(conn, wire.Message{ID: 1, Op: wire.Request, Param: 4}); err != nil {
		t.Fatal(err)
	}
	m, err := wire.Decode(conn)
	if err != nil {
		t.Fatal(err)
	}
	if m.Op != wire.Share || m.Param != 4 {
		t.Fatalf("REQUEST 4 reply = %+v, want SHARE(4)", m)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v after cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestDebugSocketServesConsistentSnapshot(t *testing.T) {
	srv, clientPath, debugPath := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Serve(ctx)

	conn, err := net.Dial("unix", clientPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := wire.Encode(conn, wire.Message{ID: 1, Op: wire.Register, Param: wire.RegisterParam(true, 10)}); err != nil {
		t.Fatal(err)
	}
	// Give the engine goroutine a chance to process the REGISTER before
	// dialing the debug socket, since nothing else synchronizes the two
	// connections.
	time.Sleep(50 * time.Millisecond)

	dconn, err := net.Dial("unix", debugPath)
	if err != nil {
		t.Fatal(err)
	}
	defer dconn.Close()

	buf := make([]byte, 4096)
	n, err := dconn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	out := string(buf[:n])
	if !strings.Contains(out, "client 1 (") {
		t.Fatalf("debug snapshot %q does not mention registered client 1", out)
	}
}
