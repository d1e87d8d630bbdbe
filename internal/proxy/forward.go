package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/ttstack/tt/internal/dispatch"
	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
)

// maxDatagramBytes mirrors dispatch's own cap; a slave reply can never
// legitimately be larger than a client request.
const maxDatagramBytes = 64 << 10

// Forwarder owns the "middle" socket: the half of the original's
// two-socket design that both sends tailored per-slave requests and
// receives their replies. Keeping it separate from the client-facing
// socket (see ClientListener in listen.go) means an
// inbound slave reply can never be mistaken for an inbound client
// request, which a single shared UDP socket has no way to distinguish.
type Forwarder struct {
	conn  *net.UDPConn
	table *InflightTable
}

// NewForwarder binds an ephemeral UDP port for slave-facing traffic and
// wires it against table so arriving replies resolve back to their
// original client request.
func NewForwarder(table *InflightTable) (*Forwarder, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("proxy: bind middle socket: %w", err)
	}
	return &Forwarder{conn: conn, table: table}, nil
}

// Close releases the middle socket.
func (f *Forwarder) Close() error { return f.conn.Close() }

// Send frames and fires one request at slaveAddr. It is fire-and-forget
// (matching send_req_to_slave in the original): the matching reply, if
// any, arrives asynchronously on Run's read loop and is matched back by
// proxyUUID, not by this call's return value.
func (f *Forwarder) Send(slaveAddr string, op ttdef.Opcode, proxyUUID uint64, cliID string, msg []byte) error {
	addr, err := net.ResolveUDPAddr("udp", slaveAddr)
	if err != nil {
		return fmt.Errorf("proxy: resolve slave %s: %w", slaveAddr, err)
	}
	body, err := json.Marshal(ttdef.Envelope{Uuid: proxyUUID, CliId: cliID, Msg: msg})
	if err != nil {
		return fmt.Errorf("proxy: encode envelope: %w", err)
	}
	frame, err := dispatch.EncodeFrame(op, body)
	if err != nil {
		return fmt.Errorf("proxy: encode frame: %w", err)
	}
	if _, err := f.conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("proxy: send to slave %s: %w", slaveAddr, err)
	}
	return nil
}

// Run reads slave replies until ctx is cancelled, matching each against
// table by the uuid the proxy itself stamped onto the outbound request
// (the slave echoes it back unchanged, same as any client uuid).
func (f *Forwarder) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		f.conn.Close()
	}()

	buf := make([]byte, maxDatagramBytes)
	for {
		n, peer, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("proxy: middle socket read: %w", err)
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go f.handleSlaveReply(datagram, peer)
	}
}

func (f *Forwarder) handleSlaveReply(datagram []byte, peer *net.UDPAddr) {
	_, payload, err := dispatch.DecodeFrame(datagram)
	if err != nil {
		logging.Op().Warn("proxy: dropping malformed slave reply", "peer", peer, "error", err)
		return
	}
	var resp ttdef.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		logging.Op().Warn("proxy: dropping undecodable slave reply", "peer", peer, "error", err)
		return
	}
	if !f.table.Deliver(resp.Uuid, peer.String(), resp) {
		logging.Op().Debug("proxy: slave reply for unknown or already-finished request", "peer", peer, "uuid", resp.Uuid)
	}
}
