package hypervisor

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"time"

	vsock "github.com/mdlayher/vsock"
)

// GuestChannel is a framed request/response connection to the agent
// running inside a Vm's guest, for exec and file-transfer requests
// over TTRExecPort. Framing is a 4-byte
// big-endian length prefix followed by a JSON payload, exactly as the
// teacher's firecracker.VsockClient speaks it.
type GuestChannel struct {
	conn net.Conn
	r    *bufio.Reader
}

// maxGuestMessageBytes caps a single frame so a misbehaving or
// compromised guest can't force an unbounded allocation.
const maxGuestMessageBytes = 16 << 20

// DialVsock opens a true AF_VSOCK connection to a guest listening on
// port within context id cid. This is the path used when the host
// kernel and the configured hypervisor both support vsock natively
// (Firecracker's vsock device, or a KVM guest with virtio-vsock).
func DialVsock(ctx context.Context, cid uint32, port uint32) (*GuestChannel, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock dial cid=%d port=%d: %w", cid, port, err)
	}
	return &GuestChannel{conn: conn, r: bufio.NewReader(conn)}, nil
}

// DialUDS opens a connection to a Firecracker-style vsock-over-unix-
// socket proxy: the host-side socket lives at path, and the guest port
// is selected with a "CONNECT <port>\n" handshake line that the proxy
// acknowledges with "OK\n" before the connection behaves like a normal
// byte stream.
func DialUDS(ctx context.Context, path string, port uint32) (*GuestChannel, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("uds dial %s: %w", path, err)
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("uds connect handshake: %w", err)
	}
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("uds connect ack: %w", err)
	}
	if len(line) < 2 || line[:2] != "OK" {
		conn.Close()
		return nil, fmt.Errorf("uds connect refused: %q", line)
	}
	return &GuestChannel{conn: conn, r: r}, nil
}

// Send writes one framed message.
func (g *GuestChannel) Send(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := g.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err = g.conn.Write(body)
	return err
}

// Receive reads one framed message into v.
func (g *GuestChannel) Receive(v any) error {
	var hdr [4]byte
	if _, err := readFull(g.r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxGuestMessageBytes {
		return fmt.Errorf("guest message too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := readFull(g.r, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SetDeadline forwards to the underlying connection.
func (g *GuestChannel) SetDeadline(t time.Time) error { return g.conn.SetDeadline(t) }

// Close closes the underlying connection.
func (g *GuestChannel) Close() error { return g.conn.Close() }
