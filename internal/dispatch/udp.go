package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
)

// maxDatagramBytes caps a single inbound frame at 64 KiB, a defensive
// size cap against a misbehaving peer.
const maxDatagramBytes = 64 << 10

// UDPServer is the host-facing transport: every client request arrives
// as one opcode-framed UDP datagram and gets exactly one framed
// datagram back, fanned out across a WorkerPool so a slow handler never
// blocks the socket's read loop.
type UDPServer struct {
	conn *net.UDPConn
	pool *WorkerPool
}

// ListenUDP binds addr and returns a server ready for Serve.
func ListenUDP(addr string, pool *WorkerPool) (*UDPServer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: listen %s: %w", addr, err)
	}
	return &UDPServer{conn: conn, pool: pool}, nil
}

// Serve reads datagrams until ctx is cancelled or the socket errors.
func (s *UDPServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, maxDatagramBytes)
	for {
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dispatch: udp read: %w", err)
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go s.handleDatagram(ctx, datagram, peer)
	}
}

func (s *UDPServer) handleDatagram(ctx context.Context, datagram []byte, peer *net.UDPAddr) {
	op, payload, err := DecodeFrame(datagram)
	if err != nil {
		logging.Op().Warn("dispatch: dropping malformed datagram", "peer", peer, "error", err)
		return
	}
	var env ttdef.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logging.Op().Warn("dispatch: dropping undecodable envelope", "peer", peer, "opcode", op.String(), "error", err)
		return
	}
	var cli ttdef.CliId
	if env.CliId != "" {
		cli, err = ParseCliId(env.CliId)
		if err != nil {
			s.writeFrame(peer, mustFailFrame(op, env.Uuid, err))
			return
		}
	}

	s.pool.Submit(job{
		ctx:  ctx,
		op:   op,
		cli:  cli,
		uuid: env.Uuid,
		msg:  env.Msg,
		reply: func(frame []byte) {
			s.writeFrame(peer, frame)
		},
	})
}

func mustFailFrame(op ttdef.Opcode, uuid uint64, err error) []byte {
	resp := ttdef.Fail(uuid, err)
	body, merr := json.Marshal(resp)
	if merr != nil {
		return nil
	}
	frame, ferr := EncodeFrame(op, body)
	if ferr != nil {
		return nil
	}
	return frame
}

func (s *UDPServer) writeFrame(peer *net.UDPAddr, frame []byte) {
	if frame == nil {
		return
	}
	if _, err := s.conn.WriteToUDP(frame, peer); err != nil {
		logging.Op().Warn("dispatch: udp reply failed", "peer", peer, "error", err)
	}
}

// Close closes the underlying socket.
func (s *UDPServer) Close() error { return s.conn.Close() }
