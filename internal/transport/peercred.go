package transport

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// PeerCredentials reads the connecting process's pid off a unix socket
// via SO_PEERCRED and best-effort resolves its cmdline from /proc,
// mirroring create_client's credentials lookup. Both return values are
// purely diagnostic (see broker.PeerInfo); a failure here never
// prevents registration, only degrades the debug dump.
func PeerCredentials(conn net.Conn) (pid int32, cmdline string) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, ""
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		glog.Warningf("transport: SyscallConn: %v", err)
		return 0, ""
	}

	var cred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil || sockErr != nil {
		glog.Warningf("transport: could not get peer credentials: %v", firstNonNil(ctrlErr, sockErr))
		return 0, ""
	}

	pid = int32(cred.Pid)
	return pid, readCmdline(pid)
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func readCmdline(pid int32) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	return strings.TrimRight(strings.ReplaceAll(string(data), "\x00", " "), " ")
}
