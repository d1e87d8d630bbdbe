package hypervisor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/ttstack/tt/internal/metrics"
)

// guestControlPort is the vsock port the guest's control agent listens on
// inside every image TT boots, regardless of hypervisor backend.
const guestControlPort = 9999

// dialGuestVsock opens the guest control channel for a running Vm. It
// first tries a real AF_VSOCK dial by CID, which only works when this
// process runs on a host whose kernel exposes vhost-vsock directly; most
// deployments run ttserv one level up from that, so the Firecracker UDS
// multiplexer at uds_path is the path actually taken in practice, and is
// the one kept as the fallback rather than the other way around.
func dialGuestVsock(ctx context.Context, udsPath string, cid uint32, timeout time.Duration) (net.Conn, error) {
	start := time.Now()
	if conn, err := vsock.Dial(cid, guestControlPort, &vsock.Config{}); err == nil {
		metrics.RecordVsockLatency("connect_afvsock", float64(time.Since(start).Microseconds())/1000.0)
		return conn, nil
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("dial firecracker vsock uds: %w", err)
	}
	if err := connectMuxPort(conn, guestControlPort, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	metrics.RecordVsockLatency("connect_uds", float64(time.Since(start).Microseconds())/1000.0)
	return conn, nil
}

// connectMuxPort performs Firecracker's host-side vsock handshake: the
// UDS multiplexer expects a "CONNECT <port>\n" line and replies with
// "OK <hostport>\n" once it has bridged the connection through to the
// guest CID Firecracker was configured with.
func connectMuxPort(conn net.Conn, port int, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		return fmt.Errorf("send vsock connect: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read vsock connect ack: %w", err)
	}
	if !strings.HasPrefix(line, "OK") {
		return fmt.Errorf("vsock connect refused: %s", strings.TrimSpace(line))
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	return nil
}
