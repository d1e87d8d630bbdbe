package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/ttstack/tt/internal/dispatch"
	"github.com/ttstack/tt/internal/env"
	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
)

// ClientListener is the proxy's "master" socket: the client-facing half
// of the original's two-socket design. It never shares a socket with
// the slave-facing Forwarder, so an inbound datagram here is always a
// client request, never a slave reply racing to be misread as one.
type ClientListener struct {
	conn   *net.UDPConn
	router *Router
}

// ListenClients binds addr and returns a listener that routes every
// decoded request through router.
func ListenClients(addr string, router *Router) (*ClientListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	return &ClientListener{conn: conn, router: router}, nil
}

// Close closes the client-facing socket.
func (l *ClientListener) Close() error { return l.conn.Close() }

// Serve reads client datagrams until ctx is cancelled.
func (l *ClientListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, maxDatagramBytes)
	for {
		n, peer, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("proxy: client socket read: %w", err)
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go l.handleDatagram(datagram, peer)
	}
}

func (l *ClientListener) handleDatagram(datagram []byte, peer *net.UDPAddr) {
	op, payload, err := dispatch.DecodeFrame(datagram)
	if err != nil {
		logging.Op().Warn("proxy: dropping malformed client datagram", "peer", peer, "error", err)
		return
	}
	var envl ttdef.Envelope
	if err := json.Unmarshal(payload, &envl); err != nil {
		logging.Op().Warn("proxy: dropping undecodable client envelope", "peer", peer, "opcode", op.String(), "error", err)
		return
	}
	l.router.Handle(int(env.Now()), op, envl.CliId, envl.Uuid, envl.Msg, func(resp ttdef.Response) {
		l.writeFrame(op, peer, resp)
	})
}

func (l *ClientListener) writeFrame(op ttdef.Opcode, peer *net.UDPAddr, resp ttdef.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		logging.Op().Error("proxy: marshal response failed", "peer", peer, "error", err)
		return
	}
	frame, err := dispatch.EncodeFrame(op, body)
	if err != nil {
		logging.Op().Error("proxy: encode frame failed", "peer", peer, "error", err)
		return
	}
	if _, err := l.conn.WriteToUDP(frame, peer); err != nil {
		logging.Op().Warn("proxy: client reply failed", "peer", peer, "error", err)
	}
}
