// Package dispatch implements the host-facing wire protocol: a UDP
// request/response transport framed as an ASCII-width-4 opcode header
// over a zlib-compressed JSON body, an optional HTTP convenience mode
// for the proxy, a bounded worker pool, and the sweeper goroutines that
// keep Serv's Env lifetimes and resource accounting honest over time.
package dispatch

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strconv"

	"github.com/ttstack/tt/internal/ttdef"
)

// opcodeWidth is the fixed width of the ASCII decimal opcode header
// every datagram starts with, matching the original wire format's
// "ascii-width-4 opcode id" framing.
const opcodeWidth = 4

// EncodeFrame builds a wire datagram: opcodeWidth ASCII decimal digits
// naming op, followed by the zlib-compressed encoding of payload.
func EncodeFrame(op ttdef.Opcode, payload []byte) ([]byte, error) {
	header := fmt.Sprintf("%0*d", opcodeWidth, int(op))
	if len(header) != opcodeWidth {
		return nil, fmt.Errorf("dispatch: opcode %d overflows width-%d header", op, opcodeWidth)
	}

	var buf bytes.Buffer
	buf.WriteString(header)
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("dispatch: compress frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("dispatch: close compressor: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame splits a wire datagram back into its opcode and
// decompressed JSON payload.
func DecodeFrame(datagram []byte) (ttdef.Opcode, []byte, error) {
	if len(datagram) < opcodeWidth {
		return 0, nil, fmt.Errorf("dispatch: datagram shorter than opcode header")
	}
	opNum, err := strconv.Atoi(string(datagram[:opcodeWidth]))
	if err != nil {
		return 0, nil, fmt.Errorf("dispatch: malformed opcode header: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(datagram[opcodeWidth:]))
	if err != nil {
		return 0, nil, fmt.Errorf("dispatch: open compressed body: %w", err)
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return 0, nil, fmt.Errorf("dispatch: decompress body: %w", err)
	}
	return ttdef.Opcode(opNum), payload, nil
}
