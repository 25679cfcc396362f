// Command mbdump connects to membroker's diagnostic side-channel
// socket and prints the snapshot it sends back, translated from
// mbserver.c's dump_status debug client.
package main

import (
	"fmt"
	"io"
	"net"
	"os"

	"go.fuchsia.dev/membroker/internal/transport"
)

func main() {
	conn, err := net.Dial("unix", transport.SocketPath(transport.DebugSocketName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mbdump: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := io.Copy(os.Stdout, conn); err != nil {
		fmt.Fprintf(os.Stderr, "mbdump: %v\n", err)
		os.Exit(1)
	}
}
