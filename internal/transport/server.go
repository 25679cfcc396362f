package transport

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/golang/glog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.fuchsia.dev/membroker/internal/broker"
	"go.fuchsia.dev/membroker/internal/wire"
)

// connSender adapts a net.Conn to broker.Sender, serializing writes
// since the engine goroutine and, for a RETURN/solicitation, the
// engine itself may both send to a client around the same message.
type connSender struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *connSender) Send(m wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.Encode(c.conn, m)
}

// Server owns the broker's listening sockets and the single goroutine
// that drives internal/broker.Engine. Every other goroutine talks to
// the engine only by queuing a closure onto work, which is the Go
// translation of mbserver.c's single-threaded select(2) loop: instead
// of one thread polling every fd, one thread drains a channel that
// every connection's reader goroutine feeds into.
type Server struct {
	engine   *broker.Engine
	listener net.Listener
	debugLis net.Listener
	work     chan func()
}

// NewServer creates a Server. debugLis may be nil to run without the
// diagnostic side channel.
func NewServer(engine *broker.Engine, listener, debugLis net.Listener) *Server {
	return &Server{
		engine:   engine,
		listener: listener,
		debugLis: debugLis,
		work:     make(chan func(), 64),
	}
}

// Serve runs the client-accept loop, the optional debug-accept loop,
// and the engine goroutine until ctx is canceled, then closes both
// listeners and returns. A non-nil error indicates a listener failed
// for a reason other than the requested shutdown.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.runEngine(gctx) })
	g.Go(func() error { return s.acceptLoop(gctx, s.listener, s.handleClient) })
	if s.debugLis != nil {
		g.Go(func() error { return s.acceptLoop(gctx, s.debugLis, s.handleDebug) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.Close()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Close shuts down both listeners, aggregating any errors from either.
func (s *Server) Close() error {
	var err error
	if cerr := s.listener.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	if s.debugLis != nil {
		if cerr := s.debugLis.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

func (s *Server) runEngine(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.work:
			fn()
		}
	}
}

// submit queues fn to run on the engine goroutine and blocks until it
// has, or ctx is canceled. Every interaction with the engine, from
// either a client connection or the debug socket, goes through this.
func (s *Server) submit(ctx context.Context, fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case s.work <- wrapped:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handle(ctx, conn)
	}
}

func (s *Server) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sender := &connSender{conn: conn}
	pid, cmdline := PeerCredentials(conn)
	peer := broker.PeerInfo{Pid: pid, Cmdline: cmdline}

	for {
		m, err := wire.Decode(conn)
		if err != nil {
			break
		}
		s.submit(ctx, func() {
			if err := s.engine.HandleMessage(sender, peer, m); err != nil {
				glog.Fatalf("membroker: %v", err)
			}
		})
	}
	s.submit(ctx, func() { s.engine.Disconnect(sender) })
}

func (s *Server) handleDebug(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var snap broker.Snapshot
	s.submit(ctx, func() { snap = s.engine.Snapshot() })
	io.WriteString(conn, snap.String())
}
