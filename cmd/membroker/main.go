// Command membroker is the per-host page broker daemon: it listens on
// a unix-domain socket, accepts REGISTER/REQUEST/RESERVE/RETURN/QUERY
// traffic from local clients, and hands out a fixed pool of pages
// donated by sources and drawn down by sinks, translated from
// mbserver.c's main/mbs_init/mbs_loop.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/golang/glog"
	flag "github.com/spf13/pflag"

	"go.fuchsia.dev/membroker/internal/broker"
	"go.fuchsia.dev/membroker/internal/memsize"
	"go.fuchsia.dev/membroker/internal/transport"
)

var (
	memsizeFlag   = flag.String("memsize", "", "broker's own page donation, e.g. 256M, 4G, 65536p")
	allExceptFlag = flag.String("all-except", "", "donate all kernel memory except this amount, e.g. 512M")
	noDebug       = flag.Bool("no-debug-socket", false, "don't open the membroker.debug diagnostic socket")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	pages, err := startupPages()
	if err != nil {
		glog.Exitf("membroker: %v", err)
	}
	glog.Infof("membroker: starting with %s donated", memsize.Humanize(pages))

	clientLis, err := transport.ListenFromEnv("MEMBROKER_CLIENT_FD", transport.SocketPath(transport.ClientSocketName))
	if err != nil {
		glog.Exitf("membroker: %v", err)
	}

	var debug net.Listener
	if !*noDebug {
		debug, err = transport.ListenFromEnv("MEMBROKER_DEBUG_FD", transport.SocketPath(transport.DebugSocketName))
		if err != nil {
			glog.Exitf("membroker: %v", err)
		}
	}

	engine := broker.NewEngine(pages)
	srv := transport.NewServer(engine, clientLis, debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	glog.Infof("membroker: listening on %s", transport.SocketPath(transport.ClientSocketName))
	if err := srv.Serve(ctx); err != nil {
		glog.Exitf("membroker: %v", err)
	}
	glog.Infof("membroker: shut down")
}

// startupPages resolves the broker's initial page pool: --memsize or
// --all-except take precedence if given, otherwise GLIBC_POOL_SIZE (a
// byte count) is honoured as a fallback preload, mirroring
// initialize_server's getenv("GLIBC_POOL_SIZE") read, which seeds the
// pool before main() ever looks at its own flags.
func startupPages() (int32, error) {
	switch {
	case *memsizeFlag != "" && *allExceptFlag != "":
		return 0, fmt.Errorf("--memsize and --all-except are mutually exclusive")
	case *memsizeFlag != "":
		return memsize.ParseServerSize(*memsizeFlag)
	case *allExceptFlag != "":
		return memsize.AllExcept(*allExceptFlag)
	}

	if env := os.Getenv("GLIBC_POOL_SIZE"); env != "" {
		bytes, err := strconv.ParseInt(env, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("GLIBC_POOL_SIZE=%q is not a number: %w", env, err)
		}
		return int32(bytes / memsize.PageSize), nil
	}

	return 0, fmt.Errorf("one of --memsize or --all-except is required (or set GLIBC_POOL_SIZE)")
}
